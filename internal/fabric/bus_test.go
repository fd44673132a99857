package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutedMessageRoundTrip(t *testing.T) {
	msg := NewRoutedMessage(ControlBus, DataBus, "[Judgement]\ndeny")
	data, err := msg.Encode()
	require.NoError(t, err)

	got := DecodeRoutedMessage(data)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, ControlBus, got.Source)
	assert.Equal(t, DataBus, got.Destination)
	assert.Equal(t, "[Judgement]\ndeny", got.Body)
}

func TestDecodePlainTextPayload(t *testing.T) {
	got := DecodeRoutedMessage([]byte("Build a school in the valley"))
	assert.Equal(t, "Build a school in the valley", got.Body)
	assert.Empty(t, got.ID)
	assert.Empty(t, got.Source)

	// JSON that is not an envelope is still treated as text.
	got = DecodeRoutedMessage([]byte(`{"task":"x"}`))
	assert.Equal(t, `{"task":"x"}`, got.Body)
}

func TestLocalBusDeliversAndAcks(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Delivery, 1)
	go bus.Consume(ctx, "control-in", ControlBus, func(ctx context.Context, d Delivery) {
		received <- d
	})

	require.NoError(t, bus.Publish(ctx, "control-in", NewRoutedMessage("", "", "hello")))

	select {
	case d := <-received:
		assert.Equal(t, ControlBus, d.Bus())
		assert.Equal(t, "hello", d.Body())
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, int64(1), bus.Acked())
}

func TestLocalBusNackRedelivers(t *testing.T) {
	bus := NewLocalBus()
	bus.RedeliveryDelay = 5 * time.Millisecond
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Delivery, 2)
	go bus.Consume(ctx, "data-in", DataBus, func(ctx context.Context, d Delivery) {
		received <- d
	})

	require.NoError(t, bus.Publish(ctx, "data-in", NewRoutedMessage("", "", "report")))

	first := <-received
	require.NoError(t, first.Nack())

	select {
	case second := <-received:
		assert.Equal(t, first.ID(), second.ID())
		assert.Equal(t, "report", second.Body())
	case <-time.After(time.Second):
		t.Fatal("nacked message was not redelivered")
	}
	assert.Equal(t, int64(1), bus.Nacked())
}

func TestLocalBusClosed(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "q", NewRoutedMessage("", "", "x"))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestLocalBusNext(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	_, err := bus.Next("out", time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, bus.Publish(context.Background(), "out", NewRoutedMessage(DataBus, DataBus, "done")))
	assert.Equal(t, 1, bus.Len("out"))

	msg, err := bus.Next("out", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", msg.Body)
}
