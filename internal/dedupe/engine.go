// ABOUTME: Two-tier deduplication engine: Redis bitmap bloom filter plus authoritative confirmation set
// ABOUTME: Supports transactional mark/commit/rollback and filter rebuild from the confirmation set

package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultFilterBits sizes the bloom bitmap (2^20 bits)
	DefaultFilterBits = 1 << 20
	// DefaultHashCount is the number of independent hash positions per key
	DefaultHashCount = 7
	// DefaultConfirmTTL is the minimum retention of confirmed keys
	DefaultConfirmTTL = 24 * time.Hour
	// DefaultTxTTL bounds orphaned transaction marks
	DefaultTxTTL = 5 * time.Minute

	filterKey   = "halcyon:dedupe:filter"
	rebuildKey  = "halcyon:dedupe:filter:rebuild"
	confirmKey  = "halcyon:dedupe:confirmed:"
	txKeyPrefix = "halcyon:dedupe:tx:"
	insertedKey = "halcyon:dedupe:inserted"
)

// Stats describes the engine's current occupancy
type Stats struct {
	FilterBits     int64   // configured bitmap size
	SetBits        int64   // bits currently set in the bitmap
	ConfirmedCount int64   // members in the confirmation set windows
	EstimatedFPR   float64 // bloom false-positive probability at current load
}

// Engine detects repeat submissions keyed by (senderID, clientSeq).
//
// The bloom filter answers "definitely new" in O(k) bit reads; a possible
// positive is disambiguated against the confirmation set, which is the source
// of truth. The filter cannot delete, so transactional rollbacks only remove
// confirmation-set members; the orphaned bits are corrected by Rebuild.
type Engine struct {
	rdb        redis.UniversalClient
	bits       int64
	hashes     int
	confirmTTL time.Duration
	txTTL      time.Duration
	logger     *slog.Logger
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	FilterBits int64
	HashCount  int
	ConfirmTTL time.Duration
	TxTTL      time.Duration
}

// New creates a deduplication engine on the given Redis client.
func New(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *Engine {
	if cfg.FilterBits <= 0 {
		cfg.FilterBits = DefaultFilterBits
	}
	if cfg.HashCount <= 0 {
		cfg.HashCount = DefaultHashCount
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = DefaultConfirmTTL
	}
	if cfg.TxTTL <= 0 {
		cfg.TxTTL = DefaultTxTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rdb:        rdb,
		bits:       cfg.FilterBits,
		hashes:     cfg.HashCount,
		confirmTTL: cfg.ConfirmTTL,
		txTTL:      cfg.TxTTL,
		logger:     logger.With("component", "dedupe"),
	}
}

// Key renders the canonical dedupe member for a submission.
func Key(senderID string, clientSeq int64) string {
	return senderID + ":" + strconv.FormatInt(clientSeq, 10)
}

// positions computes the k bit offsets for a member. FNV-1a with a distinct
// seed folded into the offset basis per hash.
func (e *Engine) positions(member string) []int64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	pos := make([]int64, e.hashes)
	for i := 0; i < e.hashes; i++ {
		h := uint64(offset64) ^ (uint64(i+1) * 0x9e3779b97f4a7c15)
		for j := 0; j < len(member); j++ {
			h ^= uint64(member[j])
			h *= prime64
		}
		pos[i] = int64(h % uint64(e.bits))
	}
	return pos
}

// confirmWindows returns the current and previous confirmation set keys.
// Keys roll over every ConfirmTTL; checking both windows guarantees at least
// ConfirmTTL of retention.
func (e *Engine) confirmWindows(now time.Time) (current, previous string) {
	idx := now.Unix() / int64(e.confirmTTL.Seconds())
	return confirmKey + strconv.FormatInt(idx, 10), confirmKey + strconv.FormatInt(idx-1, 10)
}

// IsDuplicate reports whether (senderID, clientSeq) was already processed.
func (e *Engine) IsDuplicate(ctx context.Context, senderID string, clientSeq int64) (bool, error) {
	member := Key(senderID, clientSeq)

	maybe, err := e.filterContains(ctx, member)
	if err != nil {
		return false, err
	}
	if !maybe {
		return false, nil
	}
	return e.isConfirmed(ctx, member)
}

// IsDuplicateBatch checks many client sequences for one sender in a single
// pipelined round trip per tier.
func (e *Engine) IsDuplicateBatch(ctx context.Context, senderID string, clientSeqs []int64) (map[int64]bool, error) {
	result := make(map[int64]bool, len(clientSeqs))
	if len(clientSeqs) == 0 {
		return result, nil
	}

	// Tier 1: bloom filter for every key
	pipe := e.rdb.Pipeline()
	bitCmds := make(map[int64][]*redis.IntCmd, len(clientSeqs))
	for _, cs := range clientSeqs {
		member := Key(senderID, cs)
		cmds := make([]*redis.IntCmd, 0, e.hashes)
		for _, p := range e.positions(member) {
			cmds = append(cmds, pipe.GetBit(ctx, filterKey, p))
		}
		bitCmds[cs] = cmds
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("checking filter batch: %w", err)
	}

	// Tier 2: confirmation set only for possible positives
	var candidates []int64
	for _, cs := range clientSeqs {
		all := true
		for _, c := range bitCmds[cs] {
			if c.Val() == 0 {
				all = false
				break
			}
		}
		if all {
			candidates = append(candidates, cs)
		} else {
			result[cs] = false
		}
	}

	for _, cs := range candidates {
		confirmed, err := e.isConfirmed(ctx, Key(senderID, cs))
		if err != nil {
			return nil, err
		}
		result[cs] = confirmed
	}
	return result, nil
}

// MarkProcessed records a submission as seen (non-transactional path).
func (e *Engine) MarkProcessed(ctx context.Context, senderID string, clientSeq int64) error {
	member := Key(senderID, clientSeq)
	current, _ := e.confirmWindows(time.Now())

	pipe := e.rdb.Pipeline()
	for _, p := range e.positions(member) {
		pipe.SetBit(ctx, filterKey, p, 1)
	}
	pipe.SAdd(ctx, current, member)
	pipe.Expire(ctx, current, 2*e.confirmTTL)
	pipe.Incr(ctx, insertedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking %s processed: %w", member, err)
	}
	return nil
}

// MarkProcessedTx records a submission under a transaction id so it can be
// undone by RollbackTx if the surrounding store transaction aborts.
func (e *Engine) MarkProcessedTx(ctx context.Context, senderID string, clientSeq int64, txID string) error {
	member := Key(senderID, clientSeq)
	current, _ := e.confirmWindows(time.Now())
	txKey := txKeyPrefix + txID

	pipe := e.rdb.Pipeline()
	for _, p := range e.positions(member) {
		pipe.SetBit(ctx, filterKey, p, 1)
	}
	pipe.SAdd(ctx, current, member)
	pipe.Expire(ctx, current, 2*e.confirmTTL)
	pipe.SAdd(ctx, txKey, member)
	pipe.Expire(ctx, txKey, e.txTTL)
	pipe.Incr(ctx, insertedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking %s processed in tx %s: %w", member, txID, err)
	}
	return nil
}

// CommitTx finalizes a transaction's marks by discarding the undo record.
func (e *Engine) CommitTx(ctx context.Context, txID string) error {
	if err := e.rdb.Del(ctx, txKeyPrefix+txID).Err(); err != nil {
		return fmt.Errorf("committing dedupe tx %s: %w", txID, err)
	}
	return nil
}

// RollbackTx removes the transaction's members from the confirmation set.
// Filter bits are left behind; a later fallback lookup keeps over-reports
// safe, and Rebuild clears them.
func (e *Engine) RollbackTx(ctx context.Context, txID string) error {
	txKey := txKeyPrefix + txID
	members, err := e.rdb.SMembers(ctx, txKey).Result()
	if err != nil {
		return fmt.Errorf("reading dedupe tx %s: %w", txID, err)
	}
	if len(members) == 0 {
		return e.rdb.Del(ctx, txKey).Err()
	}

	current, previous := e.confirmWindows(time.Now())
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}

	pipe := e.rdb.Pipeline()
	pipe.SRem(ctx, current, args...)
	pipe.SRem(ctx, previous, args...)
	pipe.DecrBy(ctx, insertedKey, int64(len(members)))
	pipe.Del(ctx, txKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rolling back dedupe tx %s: %w", txID, err)
	}
	e.logger.Debug("dedupe tx rolled back", "tx_id", txID, "members", len(members))
	return nil
}

// Rebuild reconstructs the bloom filter from the confirmation set, clearing
// bits orphaned by rollbacks and expired members.
func (e *Engine) Rebuild(ctx context.Context) error {
	current, previous := e.confirmWindows(time.Now())
	members, err := e.rdb.SUnion(ctx, current, previous).Result()
	if err != nil {
		return fmt.Errorf("reading confirmation set: %w", err)
	}

	pipe := e.rdb.Pipeline()
	pipe.Del(ctx, rebuildKey)
	for _, m := range members {
		for _, p := range e.positions(m) {
			pipe.SetBit(ctx, rebuildKey, p, 1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("building replacement filter: %w", err)
	}

	if len(members) == 0 {
		// Nothing confirmed: drop the live filter entirely
		if err := e.rdb.Del(ctx, filterKey).Err(); err != nil {
			return fmt.Errorf("clearing filter: %w", err)
		}
	} else if err := e.rdb.Rename(ctx, rebuildKey, filterKey).Err(); err != nil {
		return fmt.Errorf("swapping filter: %w", err)
	}

	if err := e.rdb.Set(ctx, insertedKey, int64(len(members)), 0).Err(); err != nil {
		return fmt.Errorf("resetting insert counter: %w", err)
	}
	e.logger.Info("dedupe filter rebuilt", "members", len(members))
	return nil
}

// CurrentStats reports occupancy and the estimated false-positive rate.
func (e *Engine) CurrentStats(ctx context.Context) (*Stats, error) {
	setBits, err := e.rdb.BitCount(ctx, filterKey, nil).Result()
	if err != nil {
		return nil, fmt.Errorf("counting filter bits: %w", err)
	}

	current, previous := e.confirmWindows(time.Now())
	confirmed, err := e.rdb.SUnion(ctx, current, previous).Result()
	if err != nil {
		return nil, fmt.Errorf("counting confirmed members: %w", err)
	}

	inserted, err := e.rdb.Get(ctx, insertedKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading insert counter: %w", err)
	}

	// (1 - e^(-k*n/m))^k
	k := float64(e.hashes)
	n := float64(inserted)
	m := float64(e.bits)
	fpr := math.Pow(1-math.Exp(-k*n/m), k)

	return &Stats{
		FilterBits:     e.bits,
		SetBits:        setBits,
		ConfirmedCount: int64(len(confirmed)),
		EstimatedFPR:   fpr,
	}, nil
}

// filterContains checks all k filter positions for a member.
func (e *Engine) filterContains(ctx context.Context, member string) (bool, error) {
	pipe := e.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, e.hashes)
	for _, p := range e.positions(member) {
		cmds = append(cmds, pipe.GetBit(ctx, filterKey, p))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("checking filter for %s: %w", member, err)
	}
	for _, c := range cmds {
		if c.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// isConfirmed checks the authoritative set windows.
func (e *Engine) isConfirmed(ctx context.Context, member string) (bool, error) {
	current, previous := e.confirmWindows(time.Now())
	pipe := e.rdb.Pipeline()
	cur := pipe.SIsMember(ctx, current, member)
	prev := pipe.SIsMember(ctx, previous, member)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("checking confirmation set for %s: %w", member, err)
	}
	return cur.Val() || prev.Val(), nil
}
