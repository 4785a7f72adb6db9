package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Event, max int) []Event {
	var out []Event
	for len(out) < max {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Started("run-1", 3))
	b.Publish(Progress("run-1", 1, 3, 0))
	b.Publish(Progress("run-1", 2, 3, 0))

	got := collect(ch, 3)
	require.Len(t, got, 3)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, int64(1), got[1].Done)
	assert.Equal(t, int64(2), got[2].Done)
}

func TestTerminalClosesSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Started("run-1", 1))
	b.Publish(Finished("run-1"))

	got := collect(ch, 10)
	require.Len(t, got, 2)
	assert.Equal(t, TypeFinished, got[1].Type)

	_, open := <-ch
	assert.False(t, open, "stream closes after the terminal event")

	// Publishing after the terminal event is a no-op.
	b.Publish(Log("run-1", "late"))
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	b := NewBus()
	b.Publish(Started("run-1", 2))
	b.Publish(Progress("run-1", 1, 2, 0.5))

	ch, cancel := b.Subscribe()
	defer cancel()

	got := collect(ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, TypeProgress, got[1].Type)
	assert.Equal(t, 0.5, got[1].CostSoFar)
}

func TestSubscribeAfterTerminal(t *testing.T) {
	b := NewBus()
	b.Publish(Started("run-1", 1))
	b.Publish(Failed("run-1", "cancelled"))

	ch, cancel := b.Subscribe()
	defer cancel()

	got := collect(ch, 10)
	require.Len(t, got, 2)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, TypeFailed, got[1].Type)
	assert.Equal(t, "cancelled", got[1].Error)

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Never read: the buffer fills and the subscriber is dropped rather
	// than blocking the publisher.
	for i := 0; i < SubscriberBuffer+10; i++ {
		b.Publish(Log("run-1", "spam"))
	}
	assert.Zero(t, b.Subscribers())

	drained := collect(ch, SubscriberBuffer+10)
	assert.Len(t, drained, SubscriberBuffer, "buffered events stay readable after the drop")
}

func TestCancelDetaches(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())
	cancel()
	cancel() // safe to repeat
	assert.Zero(t, b.Subscribers())
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, Started("r", 1).Terminal())
	assert.False(t, Progress("r", 1, 2, 0).Terminal())
	assert.False(t, Log("r", "m").Terminal())
	assert.True(t, Finished("r").Terminal())
	assert.True(t, Failed("r", "x").Terminal())
}
