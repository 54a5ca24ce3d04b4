// ABOUTME: Sequence service issuing monotone per-conversation ordinals from Redis
// ABOUTME: Atomic INCR/INCRBY with TTL refreshed on every access

package seq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long an idle conversation counter survives.
// Refreshed on every access; seq gaps after expiry are tolerated downstream.
const DefaultRetention = 30 * 24 * time.Hour

// Service issues strictly increasing sequence numbers per conversation.
// All state lives in Redis so horizontally scaled processes stay in sync.
type Service struct {
	rdb       redis.UniversalClient
	retention time.Duration
	logger    *slog.Logger
}

// New creates a sequence service. retention <= 0 selects DefaultRetention.
func New(rdb redis.UniversalClient, retention time.Duration, logger *slog.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rdb:       rdb,
		retention: retention,
		logger:    logger.With("component", "seq"),
	}
}

func key(conversationID string) string {
	return "halcyon:seq:" + conversationID
}

// Next returns the next sequence number for the conversation. Concurrent
// callers obtain distinct, strictly increasing values.
func (s *Service) Next(ctx context.Context, conversationID string) (int64, error) {
	k := key(conversationID)
	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence for %s: %w", conversationID, err)
	}
	s.refresh(ctx, k)
	return n, nil
}

// NextN atomically reserves n contiguous sequence numbers and returns them in
// increasing order.
func (s *Service) NextN(ctx context.Context, conversationID string, n int64) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	k := key(conversationID)
	end, err := s.rdb.IncrBy(ctx, k, n).Result()
	if err != nil {
		return nil, fmt.Errorf("reserving %d sequences for %s: %w", n, conversationID, err)
	}
	s.refresh(ctx, k)

	seqs := make([]int64, n)
	for i := range seqs {
		seqs[i] = end - n + int64(i) + 1
	}
	return seqs, nil
}

// Current returns the last issued sequence number, 0 when none was issued yet.
func (s *Service) Current(ctx context.Context, conversationID string) (int64, error) {
	n, err := s.rdb.Get(ctx, key(conversationID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sequence for %s: %w", conversationID, err)
	}
	return n, nil
}

// Reset forces the counter to n. Administrative use only: resetting a live
// conversation backwards breaks monotonicity for in-flight sends.
func (s *Service) Reset(ctx context.Context, conversationID string, n int64) error {
	if err := s.rdb.Set(ctx, key(conversationID), n, s.retention).Err(); err != nil {
		return fmt.Errorf("resetting sequence for %s: %w", conversationID, err)
	}
	s.logger.Warn("sequence counter reset", "conversation_id", conversationID, "value", n)
	return nil
}

// Delete removes the counter entirely.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("deleting sequence for %s: %w", conversationID, err)
	}
	return nil
}

// refresh extends the counter's retention. Failure is logged, not fatal: the
// counter stays valid until its previous deadline.
func (s *Service) refresh(ctx context.Context, k string) {
	if err := s.rdb.Expire(ctx, k, s.retention).Err(); err != nil {
		s.logger.Warn("refreshing sequence TTL failed", "key", k, "error", err)
	}
}
