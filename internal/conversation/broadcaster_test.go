// ABOUTME: Tests for the engine event broadcaster
// ABOUTME: Covers fan-out, unsubscribe, slow-subscriber drops, and context cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

func TestBroadcaster_SingleSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background())
	require.NotEmpty(t, subID)

	msg := &store.Message{ID: "m1", Role: store.RoleAssistant, Content: "hello"}
	b.Publish(Event{Type: EventMessage, ThreadID: "t1", Message: msg})

	select {
	case ev := <-ch:
		assert.Equal(t, EventMessage, ev.Type)
		assert.Equal(t, "t1", ev.ThreadID)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hello", ev.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_FanOutToMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(context.Background())
	ch2, _ := b.Subscribe(context.Background())
	ch3, _ := b.Subscribe(context.Background())

	b.Publish(Event{Type: EventConversations, ThreadID: "t1"})

	for _, ch := range []<-chan Event{ch1, ch2, ch3} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventConversations, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background())
	b.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribed channels no longer receive.
	b.Publish(Event{Type: EventStatus, Status: StatusConnected})

	// Double unsubscribe is a no-op.
	b.Unsubscribe(subID)
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Event{Type: EventMessage, ThreadID: "t1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds exactly its capacity; the rest were dropped.
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_CloseShutsDownAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background())
	ch2, _ := b.Subscribe(context.Background())
	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}
