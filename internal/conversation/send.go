// ABOUTME: The sendMessage state machine: Idle -> Sending -> Streaming -> Committed/Failed
// ABOUTME: Reconciles optimistic local state with the chunked, fallible response stream

package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Carlomos7/policy-chat-rag/internal/api"
	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

// fallbackReply substitutes for an assistant response when the stream closes
// without yielding any content.
const fallbackReply = "I apologize, but I could not generate a response. Please try again."

// interruptionNotice is appended to partial assistant output when a stream
// fails mid-response, so accumulated content is annotated rather than lost.
const interruptionNotice = "\n\n[Response interrupted - connection lost]"

// send carries the working state of one sendMessage invocation.
type send struct {
	content       string // trimmed question text
	recordThread  string // the explicit threadID the caller passed, for the retry record
	target        string // resolved target thread, empty until established for new conversations
	isNew         bool
	userMsg       store.Message
	assistantID   string
	buf           strings.Builder
	sources       []string
	msgs          []store.Message // working view of the target thread's history
	assistantTime string
}

// SendMessage sends content to the backend and streams the reply into the
// target thread: the explicit threadID if given, else the active thread,
// else a new conversation established from the stream's first chunk.
//
// Returns the target thread id, or "" when the send was rejected (empty
// content, another send in flight) or failed before a thread existed.
// Failures never escape: they settle into the failed-send record and a
// user-visible error message.
func (s *Service) SendMessage(ctx context.Context, content, threadID string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	// Idle -> Sending. The guard is checked and set before any suspension
	// point, which closes the race an async-only flag check would leave.
	s.mu.Lock()
	if s.sendInFlight {
		s.mu.Unlock()
		return ""
	}
	s.sendInFlight = true
	s.loading = true
	s.failedSend = nil

	op := &send{
		content:      trimmed,
		recordThread: threadID,
		target:       threadID,
	}
	if op.target == "" {
		op.target = s.activeThread
	}
	op.isNew = op.target == ""

	op.userMsg = store.Message{
		ID:        s.persist.GenerateMessageID(),
		Role:      store.RoleUser,
		Content:   trimmed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	// Optimistic append: an existing thread shows the user message before
	// the backend confirms anything.
	if !op.isNew {
		if op.target == s.activeThread {
			op.msgs = copyMessages(s.messages)
		} else {
			op.msgs = s.persist.LoadMessages(op.target)
		}
		op.msgs = append(op.msgs, op.userMsg)
		s.mirrorLocked(op.target, op.msgs)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sendInFlight = false
		s.loading = false
		s.streaming = false
		s.mu.Unlock()
	}()

	if !op.isNew {
		s.publishMessage(op.target, op.userMsg)
	}

	stream, err := s.chat.StreamChat(ctx, trimmed, op.target)
	if err != nil {
		s.failSend(op, err)
		return op.established()
	}
	defer stream.Close()

	// Sending -> Streaming: drain the chunk sequence in wire order. Updates
	// from chunk N are applied before chunk N+1 is pulled.
	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()

	for stream.Scan() {
		chunk := stream.Chunk()

		if chunk.Error != "" {
			s.failSend(op, &api.Error{Kind: api.KindStream, Message: chunk.Error})
			return op.established()
		}

		if op.isNew {
			s.establishConversation(op, chunk.ThreadID)
		}

		if chunk.Content != "" {
			op.buf.WriteString(chunk.Content)
			s.upsertAssistant(op)
		}
		if chunk.Sources != nil {
			op.sources = append([]string(nil), chunk.Sources...)
			s.upsertAssistant(op)
		}
	}
	if err := stream.Err(); err != nil {
		s.failSend(op, err)
		return op.established()
	}

	s.commitSend(op)
	return op.target
}

// established returns the thread id if the send got far enough to have one.
func (op *send) established() string {
	if op.isNew {
		return ""
	}
	return op.target
}

// establishConversation mints the thread id from the stream's first chunk
// (server-provided, else a local fallback the backend never acknowledged),
// registers the conversation, and seeds its history with the user message.
func (s *Service) establishConversation(op *send, serverThreadID string) {
	op.target = serverThreadID
	if op.target == "" {
		op.target = "local-" + uuid.New().String()
	}
	op.isNew = false

	s.mu.Lock()
	s.registerConversationLocked(op.target, op.content)
	op.msgs = []store.Message{op.userMsg}
	s.mirrorLocked(op.target, op.msgs)
	s.persistRootLocked()
	s.mu.Unlock()

	s.logger.Debug("conversation established from stream", "thread_id", op.target)

	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: op.target})
	s.publishMessage(op.target, op.userMsg)
}

// upsertAssistant writes the in-flight assistant message into the working
// history by id: created on the first update, mutated in place afterwards,
// so the streaming response stays a single stable element. Content and
// sources may arrive in separate chunks; neither clobbers the other.
func (s *Service) upsertAssistant(op *send) {
	if op.assistantID == "" {
		op.assistantID = s.persist.GenerateMessageID()
		op.assistantTime = time.Now().UTC().Format(time.RFC3339)
	}
	msg := store.Message{
		ID:        op.assistantID,
		Role:      store.RoleAssistant,
		Content:   op.buf.String(),
		Timestamp: op.assistantTime,
		Sources:   op.sources,
	}
	op.msgs = upsertByID(op.msgs, msg)

	s.mu.Lock()
	s.mirrorLocked(op.target, op.msgs)
	s.mu.Unlock()

	s.publishMessage(op.target, msg)
}

// commitSend finalizes a stream that ended without error: Streaming ->
// Committed. The finished pair is persisted and the conversation metadata
// bumped.
func (s *Service) commitSend(op *send) {
	// A stream can close without ever carrying a thread id.
	if op.isNew {
		s.establishConversation(op, "")
	}

	final := op.buf.String()
	if final == "" {
		final = fallbackReply
	}
	if op.assistantID == "" {
		op.assistantID = s.persist.GenerateMessageID()
		op.assistantTime = time.Now().UTC().Format(time.RFC3339)
	}
	assistant := store.Message{
		ID:        op.assistantID,
		Role:      store.RoleAssistant,
		Content:   final,
		Timestamp: op.assistantTime,
		Sources:   op.sources,
	}
	op.msgs = upsertByID(op.msgs, assistant)

	s.mu.Lock()
	s.mirrorLocked(op.target, op.msgs)
	s.persist.SaveMessages(op.target, op.msgs)
	s.bumpConversationLocked(op.target, len(op.msgs))
	s.persistRootLocked()
	s.mu.Unlock()

	s.logger.Debug("send committed",
		"thread_id", op.target,
		"messages", len(op.msgs))

	s.publishMessage(op.target, assistant)
	s.broadcaster.Publish(Event{Type: EventConversations, ThreadID: op.target})
}

// failSend settles a failed send: Streaming -> Failed. The error is
// classified, recorded for retry, and surfaced as a visible assistant
// message. Partial output already streamed is kept and annotated, and
// persisted so a reload does not lose it.
func (s *Service) failSend(op *send, err error) {
	apiErr := api.AsError(err)
	s.logger.Warn("send failed",
		"thread_id", op.target,
		"kind", apiErr.Kind,
		"error", err)

	s.mu.Lock()
	s.failedSend = &FailedSend{Content: op.content, ThreadID: op.recordThread}
	if !op.isNew && op.recordThread == "" {
		s.failedSend.ThreadID = op.target
	}
	s.mu.Unlock()

	if !op.isNew {
		partial := op.buf.String()
		content := apiErr.Message
		persistPair := false
		if partial != "" {
			content = partial + interruptionNotice
			persistPair = true
		}
		if op.assistantID == "" {
			op.assistantID = s.persist.GenerateMessageID()
			op.assistantTime = time.Now().UTC().Format(time.RFC3339)
		}
		assistant := store.Message{
			ID:        op.assistantID,
			Role:      store.RoleAssistant,
			Content:   content,
			Timestamp: op.assistantTime,
			Sources:   op.sources,
		}
		op.msgs = upsertByID(op.msgs, assistant)

		s.mu.Lock()
		s.mirrorLocked(op.target, op.msgs)
		if persistPair {
			s.persist.SaveMessages(op.target, op.msgs)
			s.bumpConversationLocked(op.target, len(op.msgs))
			s.persistRootLocked()
		}
		s.mu.Unlock()

		s.publishMessage(op.target, assistant)
	}

	if apiErr.IsConnectivity() {
		s.setConnection(StatusDisconnected)
	}

	s.broadcaster.Publish(Event{Type: EventFailedSend, ThreadID: op.established()})
}

// mirrorLocked syncs the working history into the live view when the target
// is the active thread. Caller holds mu.
func (s *Service) mirrorLocked(threadID string, msgs []store.Message) {
	if threadID == s.activeThread {
		s.messages = copyMessages(msgs)
	}
}

// bumpConversationLocked refreshes a conversation's UpdatedAt and
// MessageCount after a persisted exchange. Caller holds mu.
func (s *Service) bumpConversationLocked(threadID string, messageCount int) {
	for i := range s.conversations {
		if s.conversations[i].ThreadID == threadID {
			s.conversations[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			s.conversations[i].MessageCount = messageCount
			return
		}
	}
}

func (s *Service) publishMessage(threadID string, msg store.Message) {
	m := msg
	if m.Sources != nil {
		m.Sources = append([]string(nil), m.Sources...)
	}
	s.broadcaster.Publish(Event{Type: EventMessage, ThreadID: threadID, Message: &m})
}

// upsertByID replaces the message with msg.ID in place, or appends it.
func upsertByID(msgs []store.Message, msg store.Message) []store.Message {
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}
