// ABOUTME: Tests for the SQLite KV backend
// ABOUTME: Covers round-trips, overwrites, quota enforcement, and reopen persistence

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestKV(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSQLiteKV_GetMissing(t *testing.T) {
	kv := createTestKV(t)

	_, ok, err := kv.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteKV_SetGetDelete(t *testing.T) {
	kv := createTestKV(t)

	require.NoError(t, kv.Set("k", []byte("v1")))

	got, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// Overwrite
	require.NoError(t, kv.Set("k", []byte("v2")))
	got, ok, err = kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, kv.Delete("k"))
	_, ok, err = kv.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is fine
	require.NoError(t, kv.Delete("k"))
}

func TestSQLiteKV_QuotaEnforced(t *testing.T) {
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "quota.db"), 10)
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Set("a", []byte("12345")))

	err = kv.Set("b", []byte("1234567"))
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The failed write left nothing behind.
	_, ok, err := kv.Get("b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Overwriting an existing key only counts the delta.
	require.NoError(t, kv.Set("a", []byte("1234567890")))
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	kv, err := NewSQLiteKV(path, 0)
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", []byte("persisted")))
	require.NoError(t, kv.Close())

	kv, err = NewSQLiteKV(path, 0)
	require.NoError(t, err)
	defer kv.Close()

	got, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got)
}

func TestSQLiteKV_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "dir", "test.db")

	kv, err := NewSQLiteKV(path, 0)
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Set("k", []byte("v")))
}

func TestAdapter_OnSQLite_FullRoundTrip(t *testing.T) {
	kv := createTestKV(t)
	a := NewAdapter(kv, nil)

	a.SaveConversationStore(ConversationStore{
		Conversations:  makeConversations(2),
		ActiveThreadID: "thread-0",
	})
	a.SaveMessages("thread-0", []Message{testMessage("m1", RoleUser, "hello")})

	cs := a.LoadConversationStore()
	require.Len(t, cs.Conversations, 2)
	assert.Equal(t, "thread-0", cs.ActiveThreadID)
	require.Len(t, a.LoadMessages("thread-0"), 1)
}
