// ABOUTME: Tests for conversation upserts, stale-update discard, and unread clamping
// ABOUTME: Also covers group membership and friendship edge helpers

package store

import (
	"context"
	"testing"
	"time"
)

func TestUpsertConversation_CreateAndRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageID: "m1", LastMessageSnippet: "hello",
		LastMessageAt: now, UnreadCount: 1, UpdatedAt: now,
	}
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}

	got, err := s.GetConversation(ctx, "u2", "u1", KindSingle)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.UnreadCount != 1 || got.LastMessageID != "m1" {
		t.Errorf("after create: %+v", got)
	}

	// Second message increments unread and refreshes the snapshot
	c2 := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageID: "m2", LastMessageSnippet: "again",
		LastMessageAt: now.Add(time.Second), UnreadCount: 1, UpdatedAt: now.Add(time.Second),
	}
	if err := s.UpsertConversation(ctx, c2); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, _ = s.GetConversation(ctx, "u2", "u1", KindSingle)
	if got.UnreadCount != 2 || got.LastMessageID != "m2" {
		t.Errorf("after refresh: unread=%d last=%s", got.UnreadCount, got.LastMessageID)
	}
}

func TestUpsertConversation_StaleUpdateDiscarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	fresh := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageID: "m2", LastMessageSnippet: "newer",
		LastMessageAt: now, UpdatedAt: now,
	}
	if err := s.UpsertConversation(ctx, fresh); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	stale := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageID: "m1", LastMessageSnippet: "older",
		LastMessageAt: now.Add(-time.Minute), UnreadCount: 1, UpdatedAt: now,
	}
	if err := s.UpsertConversation(ctx, stale); err != nil {
		t.Fatalf("stale upsert failed: %v", err)
	}

	got, _ := s.GetConversation(ctx, "u2", "u1", KindSingle)
	if got.LastMessageID != "m2" || got.LastMessageSnippet != "newer" {
		t.Errorf("stale fan-out overwrote snapshot: %+v", got)
	}
}

func TestAddUnread_ClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageAt: now, UnreadCount: 1, UpdatedAt: now,
	}
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := s.AddUnread(ctx, "u2", "u1", KindSingle, -5); err != nil {
		t.Fatalf("AddUnread failed: %v", err)
	}
	got, _ := s.GetConversation(ctx, "u2", "u1", KindSingle)
	if got.UnreadCount != 0 {
		t.Errorf("unread = %d, want clamp at 0", got.UnreadCount)
	}
}

func TestListConversations_PinnedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	older := &Conversation{OwnerUserID: "u1", PeerID: "u2", Kind: KindSingle, LastMessageAt: now.Add(-time.Hour), UpdatedAt: now}
	newer := &Conversation{OwnerUserID: "u1", PeerID: "u3", Kind: KindSingle, LastMessageAt: now, UpdatedAt: now}
	for _, c := range []*Conversation{older, newer} {
		if err := s.UpsertConversation(ctx, c); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	if err := s.SetPinned(ctx, "u1", "u2", KindSingle, true); err != nil {
		t.Fatalf("SetPinned failed: %v", err)
	}

	convs, err := s.ListConversations(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 2 || convs[0].PeerID != "u2" {
		t.Errorf("pinned conversation not first: %+v", convs)
	}
}

func TestUpdateSnippetIfLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := &Conversation{
		OwnerUserID: "u2", PeerID: "u1", Kind: KindSingle,
		LastMessageID: "m1", LastMessageSnippet: "secret",
		LastMessageAt: now, UpdatedAt: now,
	}
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	n, err := s.UpdateSnippetIfLast(ctx, "m1", "[Recalled]")
	if err != nil {
		t.Fatalf("UpdateSnippetIfLast failed: %v", err)
	}
	if n != 1 {
		t.Errorf("rows touched = %d, want 1", n)
	}
	got, _ := s.GetConversation(ctx, "u2", "u1", KindSingle)
	if got.LastMessageSnippet != "[Recalled]" {
		t.Errorf("snippet = %q", got.LastMessageSnippet)
	}

	// Not the last message of anything: no rows touched
	n, _ = s.UpdateSnippetIfLast(ctx, "m9", "[Recalled]")
	if n != 0 {
		t.Errorf("unexpected rows touched: %d", n)
	}
}

func TestGroupMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	g := &Group{ID: "g1", OwnerUID: "u1", Name: "team", MaxMembers: 200, CreatedAt: now}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	for _, uid := range []string{"u1", "u2", "u3"} {
		m := &GroupMember{GroupID: "g1", UserID: uid, Role: RoleMember, Status: MemberJoined, JoinedAt: now}
		if uid == "u1" {
			m.Role = RoleOwner
		}
		if err := s.AddMember(ctx, m); err != nil {
			t.Fatalf("AddMember %s failed: %v", uid, err)
		}
	}

	ids, err := s.ListJoinedMemberIDs(ctx, "g1")
	if err != nil {
		t.Fatalf("ListJoinedMemberIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("joined members = %v", ids)
	}

	if err := s.SetMemberStatus(ctx, "g1", "u3", MemberLeft); err != nil {
		t.Fatalf("SetMemberStatus failed: %v", err)
	}
	ids, _ = s.ListJoinedMemberIDs(ctx, "g1")
	if len(ids) != 2 {
		t.Errorf("after leave: %v", ids)
	}

	got, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if got.MemberCount != 2 {
		t.Errorf("member_count = %d, want 2", got.MemberCount)
	}
}

func TestFriendshipEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	f := &Friendship{UserID: "u2", TargetID: "u1", Status: FriendBlocked, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertFriendship(ctx, f); err != nil {
		t.Fatalf("UpsertFriendship failed: %v", err)
	}

	got, err := s.GetFriendship(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("GetFriendship failed: %v", err)
	}
	if got.Status != FriendBlocked {
		t.Errorf("status = %s", got.Status)
	}

	// Blocking is asymmetric: the reverse edge does not exist
	if _, err := s.GetFriendship(ctx, "u1", "u2"); err != ErrNotFound {
		t.Errorf("reverse edge should be absent, got %v", err)
	}

	blocked, err := s.ListBlockedBy(ctx, "u2", []string{"u1", "u9"})
	if err != nil {
		t.Fatalf("ListBlockedBy failed: %v", err)
	}
	if !blocked["u1"] || blocked["u9"] {
		t.Errorf("blocked map = %v", blocked)
	}
}
