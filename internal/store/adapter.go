// ABOUTME: Persistent store adapter over the raw KV byte store
// ABOUTME: Owns serialization, conversation eviction, quota recovery, and message partitioning

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// rootKey holds the serialized ConversationStore.
	rootKey = "policy_chat_conversations"
	// msgKeyPrefix namespaces per-thread message partitions away from rootKey.
	msgKeyPrefix = "policy_chat_messages:"

	// MaxConversations is the hard cap on stored conversations. Saves beyond
	// the cap evict the oldest conversations and their message partitions.
	MaxConversations = 100
)

// Adapter wraps a KV with the conversation-shaped persistence contract.
// Persistence is best-effort: writes never surface errors to callers, reads
// degrade to empty values on missing or corrupt data.
type Adapter struct {
	mu     sync.Mutex
	kv     KV
	logger *slog.Logger
}

// NewAdapter creates an Adapter over kv.
func NewAdapter(kv KV, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		kv:     kv,
		logger: logger.With("component", "store"),
	}
}

func msgKey(threadID string) string {
	return msgKeyPrefix + threadID
}

// LoadConversationStore returns the persisted root record, or an empty store
// if no record exists or the stored value fails to parse. Corruption is
// swallowed, not surfaced.
func (a *Adapter) LoadConversationStore() ConversationStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadRootLocked()
}

func (a *Adapter) loadRootLocked() ConversationStore {
	empty := ConversationStore{Conversations: []Conversation{}}

	data, ok, err := a.kv.Get(rootKey)
	if err != nil {
		a.logger.Warn("failed to read conversation store", "error", err)
		return empty
	}
	if !ok {
		return empty
	}

	var cs ConversationStore
	if err := json.Unmarshal(data, &cs); err != nil {
		a.logger.Warn("corrupt conversation store, starting empty", "error", err)
		return empty
	}
	if cs.Conversations == nil {
		cs.Conversations = []Conversation{}
	}

	// A dangling active pointer means the thread was deleted out from under us.
	if cs.ActiveThreadID != "" && !containsThread(cs.Conversations, cs.ActiveThreadID) {
		cs.ActiveThreadID = ""
	}
	return cs
}

// SaveConversationStore serializes and persists the root record. Over-limit
// conversation lists are pruned to MaxConversations, oldest first, and the
// pruned conversations' message partitions deleted. A quota failure evicts
// the oldest half of all conversations and retries once. All other failures
// are logged and swallowed.
func (a *Adapter) SaveConversationStore(cs ConversationStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveRootLocked(cs)
}

func (a *Adapter) saveRootLocked(cs ConversationStore) {
	if len(cs.Conversations) > MaxConversations {
		evicted := oldestN(cs.Conversations, len(cs.Conversations)-MaxConversations)
		cs.Conversations = withoutThreads(cs.Conversations, evicted)
		a.dropPartitionsLocked(evicted)
		a.logger.Info("evicted conversations over limit", "count", len(evicted))
	}
	if cs.ActiveThreadID != "" && !containsThread(cs.Conversations, cs.ActiveThreadID) {
		cs.ActiveThreadID = ""
	}

	data, err := json.Marshal(cs)
	if err != nil {
		a.logger.Error("failed to serialize conversation store", "error", err)
		return
	}

	err = a.kv.Set(rootKey, data)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		a.logger.Warn("failed to save conversation store", "error", err)
		return
	}

	// Quota exhausted: evict the oldest half of everything and retry once.
	half := len(cs.Conversations) / 2
	if half == 0 {
		a.logger.Warn("storage quota exceeded with nothing to evict")
		return
	}
	evicted := oldestN(cs.Conversations, half)
	cs.Conversations = withoutThreads(cs.Conversations, evicted)
	if cs.ActiveThreadID != "" && !containsThread(cs.Conversations, cs.ActiveThreadID) {
		cs.ActiveThreadID = ""
	}
	a.dropPartitionsLocked(evicted)
	a.logger.Warn("storage quota exceeded, evicted oldest half", "evicted", len(evicted))

	data, err = json.Marshal(cs)
	if err != nil {
		a.logger.Error("failed to serialize conversation store", "error", err)
		return
	}
	if err := a.kv.Set(rootKey, data); err != nil {
		a.logger.Warn("failed to save conversation store after eviction", "error", err)
	}
}

// LoadMessages returns the message partition for threadID, or an empty list
// on missing or corrupt data.
func (a *Adapter) LoadMessages(threadID string) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok, err := a.kv.Get(msgKey(threadID))
	if err != nil {
		a.logger.Warn("failed to read messages", "thread_id", threadID, "error", err)
		return []Message{}
	}
	if !ok {
		return []Message{}
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		a.logger.Warn("corrupt message partition", "thread_id", threadID, "error", err)
		return []Message{}
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs
}

// SaveMessages overwrites the whole message partition for threadID.
// Best-effort: failures are logged and swallowed.
func (a *Adapter) SaveMessages(threadID string, messages []Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(messages)
	if err != nil {
		a.logger.Error("failed to serialize messages", "thread_id", threadID, "error", err)
		return
	}
	if err := a.kv.Set(msgKey(threadID), data); err != nil {
		a.logger.Warn("failed to save messages", "thread_id", threadID, "error", err)
	}
}

// DeleteConversationRecord removes threadID from the root list, repoints
// ActiveThreadID if it referenced the deleted thread (to the new first
// conversation, else cleared), and deletes the thread's message partition.
// The whole operation happens under one lock so callers never observe an
// intermediate state.
func (a *Adapter) DeleteConversationRecord(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs := a.loadRootLocked()
	cs.Conversations = withoutThreads(cs.Conversations, []string{threadID})
	if cs.ActiveThreadID == threadID {
		if len(cs.Conversations) > 0 {
			cs.ActiveThreadID = cs.Conversations[0].ThreadID
		} else {
			cs.ActiveThreadID = ""
		}
	}
	a.saveRootLocked(cs)

	if err := a.kv.Delete(msgKey(threadID)); err != nil {
		a.logger.Warn("failed to delete message partition", "thread_id", threadID, "error", err)
	}
}

// GenerateMessageID returns an id unique within a session: millisecond
// timestamp plus a random suffix. No global coordination needed.
func (a *Adapter) GenerateMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Close closes the underlying KV.
func (a *Adapter) Close() error {
	return a.kv.Close()
}

func (a *Adapter) dropPartitionsLocked(threadIDs []string) {
	for _, id := range threadIDs {
		if err := a.kv.Delete(msgKey(id)); err != nil {
			a.logger.Warn("failed to delete evicted partition", "thread_id", id, "error", err)
		}
	}
}

func containsThread(list []Conversation, threadID string) bool {
	for _, c := range list {
		if c.ThreadID == threadID {
			return true
		}
	}
	return false
}

// oldestN returns the thread IDs of the n oldest conversations by CreatedAt,
// ties broken by list position (later positions are older, the engine keeps
// the list newest-first).
func oldestN(list []Conversation, n int) []string {
	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := list[idx[a]], list[idx[b]]
		if ca.CreatedAt != cb.CreatedAt {
			return ca.CreatedAt < cb.CreatedAt
		}
		return idx[a] > idx[b]
	})
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]string, 0, n)
	for _, i := range idx[:n] {
		out = append(out, list[i].ThreadID)
	}
	return out
}

// withoutThreads returns list minus the given thread IDs, preserving order.
func withoutThreads(list []Conversation, threadIDs []string) []Conversation {
	drop := make(map[string]bool, len(threadIDs))
	for _, id := range threadIDs {
		drop[id] = true
	}
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		if !drop[c.ThreadID] {
			out = append(out, c)
		}
	}
	return out
}
