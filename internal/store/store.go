// ABOUTME: Persisted data types and the key-value store interface for policy-chat
// ABOUTME: Defines Message, Conversation, ConversationStore and the KV byte-store contract

package store

import (
	"errors"
)

// ErrQuotaExceeded is returned by KV.Set when a write would push the backend
// past its configured byte budget. The Adapter reacts by evicting old
// conversations and retrying once.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Role values for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message within a thread. Finalized messages are
// immutable; the in-flight assistant message is rewritten by ID while its
// content streams in.
type Message struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"` // RFC 3339
	Sources   []string `json:"sources,omitempty"`
}

// Conversation is thread metadata. ThreadID joins the transport layer's
// conversation identity to the store's per-thread message partition.
type Conversation struct {
	ThreadID     string `json:"thread_id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"` // RFC 3339
	UpdatedAt    string `json:"updated_at"` // RFC 3339
	MessageCount int    `json:"message_count"`
}

// ConversationStore is the persisted root record: the conversation list plus
// which thread is active. A thread referenced anywhere but absent from
// Conversations is treated as deleted.
type ConversationStore struct {
	Conversations  []Conversation `json:"conversations"`
	ActiveThreadID string         `json:"active_thread_id,omitempty"`
}

// KV is the raw byte store the Adapter persists into. Backends are
// origin-scoped and size-limited, so Set may fail with ErrQuotaExceeded.
type KV interface {
	// Get returns the value for key and whether the key exists.
	Get(key string) ([]byte, bool, error)
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases any resources held by the backend.
	Close() error
}
