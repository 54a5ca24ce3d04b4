// ABOUTME: Read-side query service: history pages, keyword search, per-user stats
// ABOUTME: Bypasses the ingest pipeline entirely and reads the store directly

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halcyon-im/halcyon/internal/store"
)

// ErrNotGroupMember is returned when a group-scoped search comes from a
// caller who is not joined to the group.
var ErrNotGroupMember = errors.New("caller is not a member of this group")

// ErrEmptyKeyword rejects searches with nothing to match.
var ErrEmptyKeyword = errors.New("search keyword required")

// QueryStore defines what the service needs from storage.
type QueryStore interface {
	History(ctx context.Context, p store.HistoryParams) (*store.HistoryResult, error)
	Search(ctx context.Context, p store.SearchParams) (*store.SearchResult, error)
	MessageStats(ctx context.Context, p store.StatsParams) (*store.Stats, error)
	GetMember(ctx context.Context, groupID, userID string) (*store.GroupMember, error)
	FullTextEnabled() bool
}

// Service answers read queries against committed message state.
type Service struct {
	store  QueryStore
	logger *slog.Logger
}

// New creates the query service.
func New(qs QueryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  qs,
		logger: logger.With("component", "history"),
	}
}

// History returns one cursor page of a conversation. Limit and direction
// defaults live in the store; this layer only validates identity fields.
func (s *Service) History(ctx context.Context, p store.HistoryParams) (*store.HistoryResult, error) {
	if p.UserID == "" || p.PeerID == "" {
		return nil, errors.New("user and peer required")
	}
	if p.Kind == "" {
		p.Kind = store.KindSingle
	}
	return s.store.History(ctx, p)
}

// Search runs a participation-scoped keyword search. Group-scoped searches
// require joined membership; full-text mode engages automatically when the
// store carries the index.
func (s *Service) Search(ctx context.Context, p store.SearchParams) (*store.SearchResult, error) {
	p.Keyword = strings.TrimSpace(p.Keyword)
	if p.Keyword == "" {
		return nil, ErrEmptyKeyword
	}
	if p.GroupID != "" {
		m, err := s.store.GetMember(ctx, p.GroupID, p.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotGroupMember
			}
			return nil, fmt.Errorf("checking membership: %w", err)
		}
		if m.Status != store.MemberJoined {
			return nil, ErrNotGroupMember
		}
	}
	p.UseFTS = s.store.FullTextEnabled()
	return s.store.Search(ctx, p)
}

// Stats aggregates the caller's sent/received counts by type over a range.
func (s *Service) Stats(ctx context.Context, p store.StatsParams) (*store.Stats, error) {
	if p.UserID == "" {
		return nil, errors.New("user required")
	}
	return s.store.MessageStats(ctx, p)
}
