package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesTypedAndWildcardSubscribers(t *testing.T) {
	bus := NewEventBus()
	routed := bus.Subscribe(TypeRouted)
	all := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Emit(TypeRouted, "/layers/aspirational", "msg-1", map[string]interface{}{"destination_bus": "Data Bus"})
	bus.Emit(TypeFault, "/layers/aspirational", "msg-2", nil)

	ev := <-routed
	assert.Equal(t, TypeRouted, ev.Type)
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, "msg-1", ev.Subject)
	assert.NotEmpty(t, ev.ID)
	assert.Len(t, routed, 0)

	assert.Equal(t, TypeRouted, (<-all).Type)
	assert.Equal(t, TypeFault, (<-all).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeMission)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	assert.NotPanics(t, func() { bus.Emit(TypeMission, "s", "", nil) })
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	bus.Emit(TypeRouted, "s", "1", nil)
	bus.Emit(TypeRouted, "s", "2", nil)

	assert.Equal(t, "1", (<-ch).Subject)
	assert.Len(t, ch, 0)
}

func TestSSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeRouted, "s", "x", map[string]interface{}{"body": "hi"})
	out, err := ev.SSEFormat()
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "event: ace.layer.routed\ndata: {"))
	assert.True(t, strings.HasSuffix(s, "id: "+ev.ID+"\n\n"))
}
