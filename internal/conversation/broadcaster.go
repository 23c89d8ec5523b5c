// ABOUTME: In-memory fan-out broadcaster for engine events
// ABOUTME: Lets presentation surfaces observe state changes without polling the engine

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber. Streaming
// content upserts arrive token-by-token, so the buffer is generous.
const subscriberBufferSize = 64

// EventType tags what changed.
type EventType string

const (
	// EventConversations signals that the conversation list or active thread
	// changed; subscribers should re-read the snapshot.
	EventConversations EventType = "conversations"
	// EventMessage carries a message upsert for the thread in Event.ThreadID,
	// including incremental assistant content while streaming.
	EventMessage EventType = "message"
	// EventStatus signals a connection status change.
	EventStatus EventType = "status"
	// EventFailedSend signals the failed-send record was set or cleared.
	EventFailedSend EventType = "failed_send"
)

// Event is one engine state change pushed to subscribers.
type Event struct {
	Type     EventType
	ThreadID string
	Message  *store.Message // set for EventMessage
	Status   Status         // set for EventStatus
}

// Broadcaster provides in-memory pub/sub for engine events so the UI can
// render incrementally while a response streams.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. Returns the event channel and a
// subscription ID for Unsubscribe. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. Non-blocking: the event is
// dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
