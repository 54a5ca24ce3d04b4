// ABOUTME: Conversation fan-out: projects committed messages onto per-recipient rows
// ABOUTME: Group updates are batched; unread bumps buffer in Redis and flush via a reconciler

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyon-im/halcyon/internal/store"
)

const (
	// DefaultBatchSize is the member count per multi-row conversation upsert.
	DefaultBatchSize = 500

	unreadKeyPrefix = "halcyon:unread:"
)

// ConversationStore defines what the fan-out needs from storage.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, c *store.Conversation) error
	UpsertConversations(ctx context.Context, batch []*store.Conversation) error
	AddUnread(ctx context.Context, owner, peer string, kind store.ConversationKind, delta int64) error
	ListJoinedMemberIDs(ctx context.Context, groupID string) ([]string, error)
	RepairConversationHeads(ctx context.Context) (int64, error)
}

// Service applies per-recipient conversation updates after a message commits.
type Service struct {
	store     ConversationStore
	rdb       redis.UniversalClient
	batchSize int
	logger    *slog.Logger
}

// New creates a fan-out service. batchSize <= 0 selects DefaultBatchSize.
func New(cs ConversationStore, rdb redis.UniversalClient, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cs,
		rdb:       rdb,
		batchSize: batchSize,
		logger:    logger.With("component", "fanout"),
	}
}

// Apply routes a committed message to the single or group fan-out path.
func (s *Service) Apply(ctx context.Context, msg *store.Message) error {
	if msg.GroupID != "" {
		return s.applyGroup(ctx, msg)
	}
	return s.applySingle(ctx, msg)
}

// applySingle updates both sides of a single chat. The sender's row carries
// no unread bump; the recipient's row gains one.
func (s *Service) applySingle(ctx context.Context, msg *store.Message) error {
	snippet := Snippet(msg)

	sender := &store.Conversation{
		OwnerUserID:        msg.SenderID,
		PeerID:             msg.RecipientID,
		Kind:               store.KindSingle,
		LastMessageID:      msg.ID,
		LastMessageSnippet: snippet,
		LastMessageAt:      msg.CreatedAt,
		UpdatedAt:          time.Now(),
	}
	if err := s.store.UpsertConversation(ctx, sender); err != nil {
		return fmt.Errorf("upserting sender conversation: %w", err)
	}

	recipient := &store.Conversation{
		OwnerUserID:        msg.RecipientID,
		PeerID:             msg.SenderID,
		Kind:               store.KindSingle,
		LastMessageID:      msg.ID,
		LastMessageSnippet: snippet,
		LastMessageAt:      msg.CreatedAt,
		UnreadCount:        1,
		UpdatedAt:          time.Now(),
	}
	if err := s.store.UpsertConversation(ctx, recipient); err != nil {
		return fmt.Errorf("upserting recipient conversation: %w", err)
	}
	return nil
}

// applyGroup updates every joined member's row. The last-message snapshot is
// written in multi-row batches; unread increments buffer in Redis so a large
// group costs one pipeline instead of N counter updates, and the reconciler
// folds them into sqlite shortly after.
func (s *Service) applyGroup(ctx context.Context, msg *store.Message) error {
	members, err := s.store.ListJoinedMemberIDs(ctx, msg.GroupID)
	if err != nil {
		return fmt.Errorf("listing group members: %w", err)
	}

	snippet := Snippet(msg)
	now := time.Now()
	rows := make([]*store.Conversation, 0, len(members))
	for _, uid := range members {
		rows = append(rows, &store.Conversation{
			OwnerUserID:        uid,
			PeerID:             msg.GroupID,
			Kind:               store.KindGroup,
			LastMessageID:      msg.ID,
			LastMessageSnippet: snippet,
			LastMessageAt:      msg.CreatedAt,
			UpdatedAt:          now,
		})
	}

	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		if err := s.store.UpsertConversations(ctx, batch); err != nil {
			s.logger.Warn("batched group fan-out failed, falling back to per-member",
				"group_id", msg.GroupID, "batch_size", len(batch), "error", err)
			s.applyPerMember(ctx, batch)
		}
	}

	if err := s.bufferUnread(ctx, msg.SenderID, msg.GroupID, members); err != nil {
		s.logger.Warn("buffering unread counters failed, applying directly",
			"group_id", msg.GroupID, "error", err)
		for _, uid := range members {
			if uid == msg.SenderID {
				continue
			}
			if err := s.store.AddUnread(ctx, uid, msg.GroupID, store.KindGroup, 1); err != nil {
				s.logger.Error("unread bump failed", "owner", uid, "group_id", msg.GroupID, "error", err)
			}
		}
	}
	return nil
}

// applyPerMember is the degraded path when a batch upsert fails as a whole.
func (s *Service) applyPerMember(ctx context.Context, batch []*store.Conversation) {
	for _, c := range batch {
		if err := s.store.UpsertConversation(ctx, c); err != nil {
			s.logger.Error("per-member fan-out failed",
				"owner", c.OwnerUserID, "peer", c.PeerID, "error", err)
		}
	}
}

func unreadKey(owner, peer string, kind store.ConversationKind) string {
	return unreadKeyPrefix + owner + ":" + peer + ":" + string(kind)
}

// bufferUnread increments per-member unread counters in one Redis pipeline.
func (s *Service) bufferUnread(ctx context.Context, senderID, groupID string, members []string) error {
	pipe := s.rdb.Pipeline()
	for _, uid := range members {
		if uid == senderID {
			continue
		}
		pipe.IncrBy(ctx, unreadKey(uid, groupID, store.KindGroup), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffering unread increments: %w", err)
	}
	return nil
}

// FlushUnread folds buffered Redis counters into sqlite. Each key is
// atomically read-and-cleared, so a crash between GETDEL and AddUnread loses
// at most one flush cycle of increments.
func (s *Service) FlushUnread(ctx context.Context) (int, error) {
	var flushed int
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, unreadKeyPrefix+"*", 200).Result()
		if err != nil {
			return flushed, fmt.Errorf("scanning unread buffer: %w", err)
		}
		for _, key := range keys {
			raw, err := s.rdb.GetDel(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return flushed, fmt.Errorf("draining %s: %w", key, err)
			}
			delta, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || delta == 0 {
				continue
			}
			owner, peer, kind, ok := parseUnreadKey(key)
			if !ok {
				s.logger.Warn("skipping malformed unread key", "key", key)
				continue
			}
			if err := s.store.AddUnread(ctx, owner, peer, kind, delta); err != nil {
				return flushed, fmt.Errorf("flushing unread for %s: %w", owner, err)
			}
			flushed++
		}
		cursor = next
		if cursor == 0 {
			return flushed, nil
		}
	}
}

func parseUnreadKey(key string) (owner, peer string, kind store.ConversationKind, ok bool) {
	parts := strings.Split(strings.TrimPrefix(key, unreadKeyPrefix), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], store.ConversationKind(parts[2]), true
}

// Run drives the reconciler: periodic counter flushes, plus a head repair
// scan every repairEvery flushes. Blocks until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration, repairEvery int) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if repairEvery <= 0 {
		repairEvery = 150
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("fan-out reconciler started", "interval", interval)
	var cycles int
	for {
		select {
		case <-ctx.Done():
			// Final drain so buffered counters survive shutdown
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.FlushUnread(flushCtx); err != nil {
				s.logger.Error("final unread flush failed", "error", err)
			}
			cancel()
			s.logger.Info("fan-out reconciler stopped")
			return
		case <-ticker.C:
			if n, err := s.FlushUnread(ctx); err != nil {
				s.logger.Error("unread flush failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("flushed unread counters", "conversations", n)
			}
			cycles++
			if cycles%repairEvery == 0 {
				if n, err := s.store.RepairConversationHeads(ctx); err != nil {
					s.logger.Error("head repair failed", "error", err)
				} else if n > 0 {
					s.logger.Warn("repaired stale conversation heads", "rows", n)
				}
			}
		}
	}
}
