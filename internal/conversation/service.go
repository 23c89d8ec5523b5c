// ABOUTME: Conversation state engine for the policy chat client
// ABOUTME: Owns the conversation list and message history; all mutations flow through here

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Carlomos7/policy-chat-rag/internal/api"
	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

// Status is the backend connection status indicator.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusChecking     Status = "checking"
)

// titleLimit caps conversation titles derived from the first user message.
const titleLimit = 50

// ErrSendInFlight is returned when an operation guarded by the in-flight
// send lock is attempted while a send is already running.
var ErrSendInFlight = errors.New("a send is already in flight")

// ChatAPI is what the engine needs from the transport layer.
type ChatAPI interface {
	CheckHealth(ctx context.Context) bool
	CreateThread(ctx context.Context) (string, error)
	StreamChat(ctx context.Context, question, threadID string) (api.Stream, error)
}

// Persistence is what the engine needs from the store adapter.
type Persistence interface {
	LoadConversationStore() store.ConversationStore
	SaveConversationStore(cs store.ConversationStore)
	LoadMessages(threadID string) []store.Message
	SaveMessages(threadID string, messages []store.Message)
	DeleteConversationRecord(threadID string)
	GenerateMessageID() string
}

// FailedSend records the last send that failed, for retry.
type FailedSend struct {
	Content  string
	ThreadID string // empty when the failed send was starting a new conversation
}

// State is the engine's read-only projection for presentation code.
// Slices are copies; mutating them does not affect the engine.
type State struct {
	Conversations  []store.Conversation
	ActiveThreadID string
	Messages       []store.Message // active thread only
	Loading        bool
	Streaming      bool
	Hydrated       bool
	Connection     Status
	FailedSend     *FailedSend
}

// Service is the conversation state engine. In-memory state is authoritative
// during a session; store writes shadow every mutation that must survive a
// restart. All fields are guarded by mu; the in-flight send guard is checked
// and set under mu before any suspension point, so concurrent sends are
// rejected rather than interleaved.
type Service struct {
	chat        ChatAPI
	persist     Persistence
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu            sync.Mutex
	conversations []store.Conversation
	activeThread  string
	messages      []store.Message // live view of the active thread
	sendInFlight  bool
	loading       bool
	streaming     bool
	hydrated      bool
	connection    Status
	failedSend    *FailedSend
}

// New creates a Service. Pass nil logger for the default.
func New(chat ChatAPI, persist Persistence, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		chat:        chat,
		persist:     persist,
		broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "conversation"),
		connection:  StatusChecking,
	}
}

// Subscribe registers a presentation-layer subscriber for engine events.
func (s *Service) Subscribe(ctx context.Context) (<-chan Event, string) {
	return s.broadcaster.Subscribe(ctx)
}

// Unsubscribe removes a subscriber.
func (s *Service) Unsubscribe(subID string) {
	s.broadcaster.Unsubscribe(subID)
}

// Close shuts down the broadcaster.
func (s *Service) Close() {
	s.broadcaster.Close()
}

// Hydrate loads persisted state into memory. Idempotent; presentation should
// treat the state as provisional until Hydrated flips.
func (s *Service) Hydrate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hydrated {
		return
	}

	cs := s.persist.LoadConversationStore()
	s.conversations = cs.Conversations
	s.activeThread = cs.ActiveThreadID
	if s.activeThread != "" {
		s.messages = s.persist.LoadMessages(s.activeThread)
	} else {
		s.messages = []store.Message{}
	}
	s.hydrated = true

	s.logger.Debug("hydrated from store",
		"conversations", len(s.conversations),
		"active_thread", s.activeThread)

	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: s.activeThread})
}

// Snapshot returns a deep-copied view of the engine state.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Conversations:  append([]store.Conversation(nil), s.conversations...),
		ActiveThreadID: s.activeThread,
		Messages:       copyMessages(s.messages),
		Loading:        s.loading,
		Streaming:      s.streaming,
		Hydrated:       s.hydrated,
		Connection:     s.connection,
	}
	if s.failedSend != nil {
		fs := *s.failedSend
		st.FailedSend = &fs
	}
	return st
}

// StartConversation creates a thread on the backend and registers an empty
// conversation for it, titled from initialMessage, so the caller can
// navigate to it before any message content exists. On failure the
// connection flips to disconnected and no state is mutated.
func (s *Service) StartConversation(ctx context.Context, initialMessage string) (string, error) {
	s.mu.Lock()
	if s.sendInFlight {
		s.mu.Unlock()
		return "", ErrSendInFlight
	}
	s.sendInFlight = true
	s.loading = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sendInFlight = false
		s.loading = false
		s.mu.Unlock()
	}()

	threadID, err := s.chat.CreateThread(ctx)
	if err != nil {
		s.logger.Warn("thread creation failed", "error", err)
		s.setConnection(StatusDisconnected)
		return "", err
	}

	s.mu.Lock()
	s.registerConversationLocked(threadID, initialMessage)
	s.messages = []store.Message{}
	s.persistRootLocked()
	s.mu.Unlock()

	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: threadID})
	return threadID, nil
}

// RetryFailedMessage re-sends the content of the last failed send. The
// record is cleared when the new send begins. No-op without a record or
// while a send is in flight.
func (s *Service) RetryFailedMessage(ctx context.Context) string {
	s.mu.Lock()
	if s.failedSend == nil || s.sendInFlight {
		s.mu.Unlock()
		return ""
	}
	record := *s.failedSend
	s.mu.Unlock()

	return s.SendMessage(ctx, record.Content, record.ThreadID)
}

// DismissFailedMessage clears the failed-send record without retrying.
func (s *Service) DismissFailedMessage() {
	s.mu.Lock()
	s.failedSend = nil
	s.mu.Unlock()

	s.broadcaster.Publish(Event{Type: EventFailedSend})
}

// SelectConversation makes threadID the active thread and loads its
// messages. Pure local transition; unknown threads are ignored.
func (s *Service) SelectConversation(threadID string) {
	s.mu.Lock()
	if !s.hasConversationLocked(threadID) {
		s.mu.Unlock()
		return
	}
	s.activeThread = threadID
	s.messages = s.persist.LoadMessages(threadID)
	s.persistRootLocked()
	s.mu.Unlock()

	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: threadID})
}

// StartNewConversation clears the active thread so the next send starts a
// fresh conversation. Pure local transition.
func (s *Service) StartNewConversation() {
	s.mu.Lock()
	s.activeThread = ""
	s.messages = []store.Message{}
	s.persistRootLocked()
	s.mu.Unlock()

	s.broadcaster.Publish(Event{Type: EventConversations})
}

// DeleteConversation removes threadID everywhere: the in-memory list, the
// persisted root, and the thread's message partition. If the deleted thread
// was active, the new first conversation (or none) becomes active.
func (s *Service) DeleteConversation(threadID string) {
	s.mu.Lock()
	kept := make([]store.Conversation, 0, len(s.conversations))
	found := false
	for _, c := range s.conversations {
		if c.ThreadID == threadID {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		s.mu.Unlock()
		return
	}
	s.conversations = kept

	if s.activeThread == threadID {
		if len(s.conversations) > 0 {
			s.activeThread = s.conversations[0].ThreadID
			s.messages = s.persist.LoadMessages(s.activeThread)
		} else {
			s.activeThread = ""
			s.messages = []store.Message{}
		}
	}
	active := s.activeThread
	s.mu.Unlock()

	s.persist.DeleteConversationRecord(threadID)

	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: active})
}

// MessagesForThread returns the messages of any thread without switching the
// active thread. Used for search and previews.
func (s *Service) MessagesForThread(threadID string) []store.Message {
	s.mu.Lock()
	if threadID == s.activeThread {
		out := copyMessages(s.messages)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	return s.persist.LoadMessages(threadID)
}

// setConnection overwrites the connection status and notifies subscribers.
// Last write wins; the health monitor and send path share this field.
func (s *Service) setConnection(status Status) {
	s.mu.Lock()
	changed := s.connection != status
	s.connection = status
	s.mu.Unlock()

	if changed {
		s.broadcaster.Publish(Event{Type: EventStatus, Status: status})
	}
}

// registerConversationLocked prepends a new conversation titled from
// firstMessage and makes it active. Caller holds mu.
func (s *Service) registerConversationLocked(threadID, firstMessage string) {
	now := time.Now().UTC().Format(time.RFC3339)
	conv := store.Conversation{
		ThreadID:  threadID,
		Title:     deriveTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append([]store.Conversation{conv}, s.conversations...)
	s.activeThread = threadID
}

// persistRootLocked shadows the in-memory root state to the store.
// Caller holds mu.
func (s *Service) persistRootLocked() {
	s.persist.SaveConversationStore(store.ConversationStore{
		Conversations:  append([]store.Conversation(nil), s.conversations...),
		ActiveThreadID: s.activeThread,
	})
}

func (s *Service) hasConversationLocked(threadID string) bool {
	for _, c := range s.conversations {
		if c.ThreadID == threadID {
			return true
		}
	}
	return false
}

// deriveTitle builds a conversation title from the first user message,
// truncated to titleLimit runes plus an ellipsis.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}

func copyMessages(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Sources != nil {
			out[i].Sources = append([]string(nil), out[i].Sources...)
		}
	}
	return out
}
