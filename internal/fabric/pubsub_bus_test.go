package fabric

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakePubSub(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "ace-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client
}

func TestPubSubBusPublishAndConsume(t *testing.T) {
	client := newFakePubSub(t)
	bus := NewPubSubBusWithClient(client, 4)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, bus.EnsureTopics(ctx, "layer1-data"))
	_, err := client.CreateSubscription(ctx, "layer1-data-sub", pubsub.SubscriptionConfig{
		Topic:       client.Topic("layer1-data"),
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	msg := NewRoutedMessage(ControlBus, DataBus, "[Judgement]\ndeny")
	require.NoError(t, bus.Publish(ctx, "layer1-data", msg))

	received := make(chan Delivery, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go bus.Consume(consumeCtx, "layer1-data-sub", DataBus, func(ctx context.Context, d Delivery) {
		received <- d
		_ = d.Ack()
	})

	select {
	case d := <-received:
		assert.Equal(t, msg.ID, d.ID())
		assert.Equal(t, DataBus, d.Bus())
		assert.Equal(t, "[Judgement]\ndeny", d.Body())
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}

func TestPubSubBusClosed(t *testing.T) {
	bus := NewPubSubBusWithClient(newFakePubSub(t), 0)
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "topic", NewRoutedMessage("", "", "x"))
	assert.ErrorIs(t, err, ErrBusClosed)
}
