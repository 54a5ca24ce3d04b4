// ABOUTME: Send-permission filter enforcing block-list, membership and mute rules
// ABOUTME: Decisions carry a client-displayable reason and are never retried

package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyon-im/halcyon/internal/store"
)

// Reasons surfaced to clients on denial
const (
	ReasonBlockedByPeer = "recipient has blocked you"
	ReasonBlockedPeer   = "you have blocked the recipient"
	ReasonNotFriends    = "recipient is not a friend"
	ReasonNotMember     = "you are not a member of this group"
	ReasonMemberMuted   = "you are muted in this group"
	ReasonGroupMuted    = "the group is muted"
	ReasonGroupNotFound = "group not found"
)

// Decision is the outcome of a permission check
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// SocialStore defines what the filter needs from storage
type SocialStore interface {
	GetFriendship(ctx context.Context, userID, targetID string) (*store.Friendship, error)
	ListBlockedBy(ctx context.Context, userID string, targets []string) (map[string]bool, error)
	GetGroup(ctx context.Context, id string) (*store.Group, error)
	GetMember(ctx context.Context, groupID, userID string) (*store.GroupMember, error)
}

// Filter evaluates whether a sender may deliver into a conversation.
type Filter struct {
	social            SocialStore
	requireFriendship bool
	logger            *slog.Logger
}

// New creates a permission filter. When requireFriendship is set, single
// chats additionally require an accepted edge from recipient to sender.
func New(social SocialStore, requireFriendship bool, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		social:            social,
		requireFriendship: requireFriendship,
		logger:            logger.With("component", "permission"),
	}
}

// CheckSingle decides whether from may message to in a single chat.
func (f *Filter) CheckSingle(ctx context.Context, from, to string) (Decision, error) {
	// Block check in both directions; blocking is asymmetric but either
	// direction stops delivery.
	edge, err := f.social.GetFriendship(ctx, to, from)
	if err != nil && err != store.ErrNotFound {
		return Decision{}, fmt.Errorf("checking recipient edge: %w", err)
	}
	if edge != nil && edge.Status == store.FriendBlocked {
		return deny(ReasonBlockedByPeer), nil
	}

	reverse, err := f.social.GetFriendship(ctx, from, to)
	if err != nil && err != store.ErrNotFound {
		return Decision{}, fmt.Errorf("checking sender edge: %w", err)
	}
	if reverse != nil && reverse.Status == store.FriendBlocked {
		return deny(ReasonBlockedPeer), nil
	}

	if f.requireFriendship {
		if edge == nil || edge.Status != store.FriendAccepted {
			return deny(ReasonNotFriends), nil
		}
	}
	return allow(), nil
}

// CheckGroup decides whether from may post into groupID.
func (f *Filter) CheckGroup(ctx context.Context, from, groupID string) (Decision, error) {
	g, err := f.social.GetGroup(ctx, groupID)
	if err == store.ErrNotFound {
		return deny(ReasonGroupNotFound), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("loading group: %w", err)
	}

	m, err := f.social.GetMember(ctx, groupID, from)
	if err == store.ErrNotFound {
		return deny(ReasonNotMember), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("loading membership: %w", err)
	}
	if m.Status != store.MemberJoined {
		return deny(ReasonNotMember), nil
	}

	if m.MuteUntil != nil && m.MuteUntil.After(time.Now()) {
		return deny(ReasonMemberMuted), nil
	}
	// Group-wide mute: owner and admins may still post
	if g.AllMuted && m.Role == store.RoleMember {
		return deny(ReasonGroupMuted), nil
	}
	return allow(), nil
}

// BatchCheckBlocked reports, for each target, whether owner has blocked it.
func (f *Filter) BatchCheckBlocked(ctx context.Context, ownerID string, targets []string) (map[string]bool, error) {
	blocked, err := f.social.ListBlockedBy(ctx, ownerID, targets)
	if err != nil {
		return nil, fmt.Errorf("batch block check: %w", err)
	}
	return blocked, nil
}
