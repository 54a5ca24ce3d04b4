// ABOUTME: Tests for conversation fan-out over a real SQLite store and miniredis
// ABOUTME: Covers single/group paths, unread buffering and flushing, and head repair

package fanout

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/store"
)

func newTestService(t *testing.T, batchSize int) (*Service, *store.SQLiteStore, *redis.Client) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(st, rdb, batchSize, nil), st, rdb
}

func textMessage(t *testing.T, sender, recipient, groupID, text string, at time.Time) *store.Message {
	t.Helper()
	content, err := store.EncodeContent(&store.TextContent{Text: text})
	require.NoError(t, err)
	return &store.Message{
		ID:          uuid.New().String(),
		Type:        store.TypeText,
		Content:     content,
		SenderID:    sender,
		RecipientID: recipient,
		GroupID:     groupID,
		Status:      store.StatusSent,
		CreatedAt:   at,
	}
}

func TestSnippet(t *testing.T) {
	msg := textMessage(t, "a", "b", "", "hello world", time.Now())
	assert.Equal(t, "hello world", Snippet(msg))

	long := strings.Repeat("héllo ", 20)
	msg = textMessage(t, "a", "b", "", long, time.Now())
	got := Snippet(msg)
	assert.Equal(t, 50, len([]rune(got)))
	assert.Equal(t, string([]rune(long)[:50]), got)

	for typ, label := range map[store.MessageType]string{
		store.TypeImage:   "[Image]",
		store.TypePPT:     "[Slides]",
		store.TypeModel3D: "[3D Model]",
		store.TypeCustom:  "[Custom]",
	} {
		assert.Equal(t, label, Snippet(&store.Message{Type: typ}), string(typ))
	}
}

func TestApplySingle(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()

	msg := textMessage(t, "alice", "bob", "", "hi bob", time.Now())
	require.NoError(t, s.Apply(ctx, msg))

	sender, err := st.GetConversation(ctx, "alice", "bob", store.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sender.UnreadCount)
	assert.Equal(t, msg.ID, sender.LastMessageID)
	assert.Equal(t, "hi bob", sender.LastMessageSnippet)

	recipient, err := st.GetConversation(ctx, "bob", "alice", store.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recipient.UnreadCount)
	assert.Equal(t, msg.ID, recipient.LastMessageID)
}

func TestApplySingle_UnreadAccumulates(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "bob", "", "one", base)))
	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "bob", "", "two", base.Add(time.Second))))

	recipient, err := st.GetConversation(ctx, "bob", "alice", store.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recipient.UnreadCount)
	assert.Equal(t, "two", recipient.LastMessageSnippet)
}

func TestApplySingle_StaleSnapshotDiscarded(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()

	base := time.Now()
	newer := textMessage(t, "alice", "bob", "", "newer", base.Add(time.Minute))
	older := textMessage(t, "alice", "bob", "", "older", base)

	require.NoError(t, s.Apply(ctx, newer))
	require.NoError(t, s.Apply(ctx, older))

	sender, err := st.GetConversation(ctx, "alice", "bob", store.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, sender.LastMessageID)
	assert.Equal(t, "newer", sender.LastMessageSnippet)
}

func seedGroup(t *testing.T, st *store.SQLiteStore, groupID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateGroup(ctx, &store.Group{
		ID: groupID, OwnerUID: members[0], Name: "g", MaxMembers: 500, CreatedAt: time.Now(),
	}))
	for _, uid := range members {
		require.NoError(t, st.AddMember(ctx, &store.GroupMember{
			GroupID: groupID, UserID: uid, Role: store.RoleMember,
			Status: store.MemberJoined, JoinedAt: time.Now(),
		}))
	}
}

func TestApplyGroup(t *testing.T) {
	// batch size 2 forces the 3-member group through two batches
	s, st, _ := newTestService(t, 2)
	ctx := context.Background()
	seedGroup(t, st, "g1", "alice", "bob", "carol")

	msg := textMessage(t, "alice", "", "g1", "hello group", time.Now())
	require.NoError(t, s.Apply(ctx, msg))

	for _, uid := range []string{"alice", "bob", "carol"} {
		conv, err := st.GetConversation(ctx, uid, "g1", store.KindGroup)
		require.NoError(t, err, uid)
		assert.Equal(t, msg.ID, conv.LastMessageID, uid)
		// Unread still buffered in Redis at this point
		assert.Equal(t, int64(0), conv.UnreadCount, uid)
	}

	flushed, err := s.FlushUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)

	for uid, want := range map[string]int64{"alice": 0, "bob": 1, "carol": 1} {
		conv, err := st.GetConversation(ctx, uid, "g1", store.KindGroup)
		require.NoError(t, err)
		assert.Equal(t, want, conv.UnreadCount, uid)
	}
}

func TestApplyGroup_LeftMembersSkipped(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()
	seedGroup(t, st, "g1", "alice", "bob")
	require.NoError(t, st.SetMemberStatus(ctx, "g1", "bob", store.MemberLeft))

	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "", "g1", "hi", time.Now())))

	_, err := st.GetConversation(ctx, "bob", "g1", store.KindGroup)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFlushUnread_Accumulation(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()
	seedGroup(t, st, "g1", "alice", "bob")

	base := time.Now()
	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "", "g1", "one", base)))
	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "", "g1", "two", base.Add(time.Second))))

	flushed, err := s.FlushUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	conv, err := st.GetConversation(ctx, "bob", "g1", store.KindGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.UnreadCount)

	// Buffer is drained; a second flush is a no-op
	flushed, err = s.FlushUnread(ctx)
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestFlushUnread_EmptyBuffer(t *testing.T) {
	s, _, _ := newTestService(t, 0)
	flushed, err := s.FlushUnread(context.Background())
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestParseUnreadKey(t *testing.T) {
	owner, peer, kind, ok := parseUnreadKey("halcyon:unread:bob:g1:group")
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
	assert.Equal(t, "g1", peer)
	assert.Equal(t, store.KindGroup, kind)

	_, _, _, ok = parseUnreadKey("halcyon:unread:malformed")
	assert.False(t, ok)
}

func TestRepairConversationHeads(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx := context.Background()

	base := time.Now()
	first := textMessage(t, "alice", "bob", "", "first", base)
	second := textMessage(t, "alice", "bob", "", "second", base.Add(time.Second))
	require.NoError(t, st.InsertMessage(ctx, first))
	require.NoError(t, st.InsertMessage(ctx, second))

	// Simulate a crashed fan-out: the head points at the older message
	require.NoError(t, s.Apply(ctx, first))

	n, err := st.RepairConversationHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for owner, peer := range map[string]string{"alice": "bob", "bob": "alice"} {
		conv, err := st.GetConversation(ctx, owner, peer, store.KindSingle)
		require.NoError(t, err)
		assert.Equal(t, second.ID, conv.LastMessageID, owner)
	}
}

func TestRun_FlushesAndStops(t *testing.T) {
	s, st, _ := newTestService(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	seedGroup(t, st, "g1", "alice", "bob")

	require.NoError(t, s.Apply(ctx, textMessage(t, "alice", "", "g1", "hi", time.Now())))

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond, 1000)
		close(done)
	}()

	require.Eventually(t, func() bool {
		conv, err := st.GetConversation(context.Background(), "bob", "g1", store.KindGroup)
		return err == nil && conv.UnreadCount == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
