// ABOUTME: Tests for the persistent store adapter
// ABOUTME: Covers eviction policy, quota recovery, partition round-trips, and corruption handling

package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id, role, content string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Content:   content,
		Timestamp: "2026-08-29T10:00:00Z",
	}
}

// makeConversations builds n conversations, index 0 newest. CreatedAt grows
// with recency so "oldest" is deterministic.
func makeConversations(n int) []Conversation {
	out := make([]Conversation, n)
	for i := 0; i < n; i++ {
		age := i + 1 // larger index = older
		out[i] = Conversation{
			ThreadID:  fmt.Sprintf("thread-%d", i),
			Title:     fmt.Sprintf("Conversation %d", i),
			CreatedAt: fmt.Sprintf("2026-08-%02dT00:00:00Z", 31-min(age, 30)),
			UpdatedAt: "2026-08-29T00:00:00Z",
		}
	}
	return out
}

func TestAdapter_LoadConversationStore_EmptyWhenMissing(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	cs := a.LoadConversationStore()
	assert.Empty(t, cs.Conversations)
	assert.Empty(t, cs.ActiveThreadID)
}

func TestAdapter_LoadConversationStore_CorruptionSwallowed(t *testing.T) {
	kv := NewMemoryKV(0)
	require.NoError(t, kv.Set(rootKey, []byte("{not json")))
	a := NewAdapter(kv, nil)

	cs := a.LoadConversationStore()
	assert.Empty(t, cs.Conversations)
}

func TestAdapter_LoadConversationStore_ClearsDanglingActive(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)
	a.SaveConversationStore(ConversationStore{
		Conversations:  makeConversations(2),
		ActiveThreadID: "thread-0",
	})

	// Simulate an out-of-band deletion leaving the pointer dangling.
	a.SaveConversationStore(ConversationStore{
		Conversations:  makeConversations(2)[1:],
		ActiveThreadID: "thread-0",
	})

	cs := a.LoadConversationStore()
	assert.Empty(t, cs.ActiveThreadID)
}

func TestAdapter_SaveConversationStore_RoundTrip(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	in := ConversationStore{
		Conversations:  makeConversations(3),
		ActiveThreadID: "thread-1",
	}
	a.SaveConversationStore(in)

	out := a.LoadConversationStore()
	assert.Equal(t, in.Conversations, out.Conversations)
	assert.Equal(t, "thread-1", out.ActiveThreadID)
}

func TestAdapter_SaveConversationStore_EvictsOverLimit(t *testing.T) {
	kv := NewMemoryKV(0)
	a := NewAdapter(kv, nil)

	convs := makeConversations(MaxConversations + 1)
	oldest := convs[len(convs)-1].ThreadID

	// The oldest conversation has a partition that must go with it.
	a.SaveMessages(oldest, []Message{testMessage("m1", RoleUser, "hi")})
	require.NotEmpty(t, a.LoadMessages(oldest))

	a.SaveConversationStore(ConversationStore{Conversations: convs})

	out := a.LoadConversationStore()
	require.Len(t, out.Conversations, MaxConversations)
	for _, c := range out.Conversations {
		assert.NotEqual(t, oldest, c.ThreadID)
	}
	assert.Empty(t, a.LoadMessages(oldest))
}

func TestAdapter_SaveConversationStore_QuotaEvictsOldestHalf(t *testing.T) {
	kv := NewMemoryKV(0)
	a := NewAdapter(kv, nil)

	convs := makeConversations(10)
	for _, c := range convs {
		a.SaveMessages(c.ThreadID, []Message{testMessage("m-"+c.ThreadID, RoleUser, "hello")})
	}

	kv.FailSets = 1 // next root write hits the quota
	a.SaveConversationStore(ConversationStore{Conversations: convs})

	out := a.LoadConversationStore()
	require.Len(t, out.Conversations, 5)

	// Survivors are the newest half, in their original order.
	for i, c := range out.Conversations {
		assert.Equal(t, fmt.Sprintf("thread-%d", i), c.ThreadID)
		assert.NotEmpty(t, a.LoadMessages(c.ThreadID))
	}
	for i := 5; i < 10; i++ {
		assert.Empty(t, a.LoadMessages(fmt.Sprintf("thread-%d", i)))
	}
}

func TestAdapter_SaveConversationStore_OtherFailuresSwallowed(t *testing.T) {
	kv := NewMemoryKV(8) // too small for any real payload
	a := NewAdapter(kv, nil)

	// Must not panic or error out; with nothing to evict it just gives up.
	a.SaveConversationStore(ConversationStore{Conversations: []Conversation{}})
}

func TestAdapter_Messages_RoundTrip(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	msgs := []Message{
		testMessage("m1", RoleUser, "What is the bereavement leave policy?"),
		{
			ID:        "m2",
			Role:      RoleAssistant,
			Content:   "According to...",
			Timestamp: "2026-08-29T10:00:05Z",
			Sources:   []string{"bereavement_leave_policy.txt"},
		},
	}
	a.SaveMessages("abc123", msgs)

	got := a.LoadMessages("abc123")
	assert.Equal(t, msgs, got)
}

func TestAdapter_LoadMessages_MissingAndCorrupt(t *testing.T) {
	kv := NewMemoryKV(0)
	a := NewAdapter(kv, nil)

	assert.Empty(t, a.LoadMessages("nope"))

	require.NoError(t, kv.Set(msgKey("bad"), []byte("[{")))
	assert.Empty(t, a.LoadMessages("bad"))
}

func TestAdapter_MessagePartitionsAreIsolated(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	a.SaveMessages("t1", []Message{testMessage("a", RoleUser, "one")})
	a.SaveMessages("t2", []Message{testMessage("b", RoleUser, "two")})

	require.Len(t, a.LoadMessages("t1"), 1)
	require.Len(t, a.LoadMessages("t2"), 1)
	assert.Equal(t, "one", a.LoadMessages("t1")[0].Content)
	assert.Equal(t, "two", a.LoadMessages("t2")[0].Content)
}

func TestAdapter_DeleteConversationRecord_RepointsActive(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	convs := makeConversations(3)
	a.SaveConversationStore(ConversationStore{
		Conversations:  convs,
		ActiveThreadID: convs[1].ThreadID,
	})
	a.SaveMessages(convs[1].ThreadID, []Message{testMessage("m", RoleUser, "bye")})

	a.DeleteConversationRecord(convs[1].ThreadID)

	out := a.LoadConversationStore()
	require.Len(t, out.Conversations, 2)
	assert.Equal(t, out.Conversations[0].ThreadID, out.ActiveThreadID)
	assert.Empty(t, a.LoadMessages(convs[1].ThreadID))
}

func TestAdapter_DeleteConversationRecord_LastConversationClearsActive(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	convs := makeConversations(1)
	a.SaveConversationStore(ConversationStore{
		Conversations:  convs,
		ActiveThreadID: convs[0].ThreadID,
	})

	a.DeleteConversationRecord(convs[0].ThreadID)

	out := a.LoadConversationStore()
	assert.Empty(t, out.Conversations)
	assert.Empty(t, out.ActiveThreadID)
}

func TestAdapter_GenerateMessageID_Unique(t *testing.T) {
	a := NewAdapter(NewMemoryKV(0), nil)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := a.GenerateMessageID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
