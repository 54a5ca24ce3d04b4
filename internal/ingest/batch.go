// ABOUTME: Micro-batch send path: parallel checks, one insert transaction, parallel delivery
// ABOUTME: In-batch duplicates collapse onto the first occurrence before anything is stored

package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/store"
)

// MaxBatchSize caps one SendBatch call.
const MaxBatchSize = 20

// batchItem carries one request through the batch phases.
type batchItem struct {
	req     *SendRequest
	content store.Content
	convID  string
	kind    broker.ChannelKind
	msg     *store.Message
	result  *SendResult
	// dupOf points at the index this item collapsed onto, -1 otherwise
	dupOf int
}

// SendBatch runs up to MaxBatchSize submissions through the pipeline with
// shared phases: checks in parallel, one insert transaction under one dedupe
// txID, then parallel broker sends. Results align with the input slice.
func (o *Orchestrator) SendBatch(ctx context.Context, reqs []*SendRequest) []*SendResult {
	results := make([]*SendResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	if len(reqs) > MaxBatchSize {
		for i := range results {
			results[i] = failure(fmt.Sprintf("batch exceeds %d items", MaxBatchSize))
		}
		return results
	}
	if err := o.pool.Acquire(); err != nil {
		o.count(OutcomeBackpressure)
		for i := range results {
			results[i] = failure(err.Error())
		}
		return results
	}
	defer o.pool.Release()

	items := make([]*batchItem, len(reqs))
	for i, req := range reqs {
		items[i] = &batchItem{req: req, dupOf: -1}
	}

	o.batchCheck(ctx, items)
	o.batchDedupe(ctx, items)

	admitted := o.batchCommit(ctx, items)
	if len(admitted) > 0 {
		o.batchDeliver(ctx, admitted)
	}

	for i, it := range items {
		if it.dupOf >= 0 {
			first := items[it.dupOf]
			results[i] = &SendResult{
				Success:     first.result != nil && first.result.Success,
				IsDuplicate: true,
				Message:     firstMessage(first),
			}
			o.count(OutcomeDuplicate)
			continue
		}
		results[i] = it.result
	}
	return results
}

func firstMessage(it *batchItem) *store.Message {
	if it.result != nil {
		return it.result.Message
	}
	return it.msg
}

// batchCheck validates and permission-checks every item in parallel, and
// collapses in-batch repeats of the same (sender, clientSeq).
func (o *Orchestrator) batchCheck(ctx context.Context, items []*batchItem) {
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if it.req.ClientSeq == nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", it.req.SenderID, *it.req.ClientSeq)
		if first, ok := seen[key]; ok {
			it.dupOf = first
			continue
		}
		seen[key] = i
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		if it.dupOf >= 0 {
			continue
		}
		it := it
		g.Go(func() error {
			content, err := validate(it.req)
			if err != nil {
				o.count(OutcomeInvalid)
				it.result = failure(err.Error())
				return nil
			}
			decision, err := o.checkPermission(gctx, it.req)
			if err != nil {
				o.count(OutcomeFailed)
				it.result = failure(err.Error())
				return nil
			}
			if !decision.Allowed {
				o.count(OutcomeDenied)
				it.result = failure(decision.Reason)
				return nil
			}
			it.content = content
			it.convID, it.kind = conversationOf(it.req.SenderID, it.req.RecipientID, it.req.GroupID)
			return nil
		})
	}
	g.Wait()
}

// batchDedupe resolves cross-call duplicates with one pipelined check per
// sender.
func (o *Orchestrator) batchDedupe(ctx context.Context, items []*batchItem) {
	bySender := make(map[string][]*batchItem)
	for _, it := range items {
		if it.result != nil || it.dupOf >= 0 || it.content == nil || it.req.ClientSeq == nil {
			continue
		}
		bySender[it.req.SenderID] = append(bySender[it.req.SenderID], it)
	}
	for sender, group := range bySender {
		seqs := make([]int64, len(group))
		for i, it := range group {
			seqs[i] = *it.req.ClientSeq
		}
		dups, err := o.dedupe.IsDuplicateBatch(ctx, sender, seqs)
		if err != nil {
			o.logger.Warn("batch dedupe check failed, treating items as new",
				"sender_id", sender, "error", err)
			continue
		}
		for _, it := range group {
			if !dups[*it.req.ClientSeq] {
				continue
			}
			if existing := o.lookupExisting(ctx, it.req); existing != nil {
				o.count(OutcomeDuplicate)
				it.result = &SendResult{Success: true, IsDuplicate: true, Message: existing}
			}
		}
	}
}

// batchCommit assigns contiguous seq blocks per conversation and inserts all
// admitted rows in one transaction under one dedupe txID. Returns the items
// that reached the store.
func (o *Orchestrator) batchCommit(ctx context.Context, items []*batchItem) []*batchItem {
	admitted := make([]*batchItem, 0, len(items))
	byConv := make(map[string][]*batchItem)
	for _, it := range items {
		if it.result != nil || it.dupOf >= 0 || it.content == nil {
			continue
		}
		byConv[it.convID] = append(byConv[it.convID], it)
		admitted = append(admitted, it)
	}
	if len(admitted) == 0 {
		return nil
	}

	for convID, group := range byConv {
		seqs, err := o.seq.NextN(ctx, convID, int64(len(group)))
		if err != nil {
			for _, it := range group {
				o.count(OutcomeFailed)
				it.result = failure(fmt.Sprintf("assigning seq: %v", err))
			}
			continue
		}
		for i, it := range group {
			msg, err := o.buildMessage(it.req, it.content, seqs[i])
			if err != nil {
				o.count(OutcomeFailed)
				it.result = failure(err.Error())
				continue
			}
			it.msg = msg
		}
	}

	inserted := make([]*batchItem, 0, len(admitted))
	for _, it := range admitted {
		if it.msg != nil {
			inserted = append(inserted, it)
		}
	}
	if len(inserted) == 0 {
		return nil
	}

	txID := uuid.New().String()
	err := o.store.WithTx(ctx, func(tx store.MessageTx) error {
		for _, it := range inserted {
			if err := tx.InsertMessage(ctx, it.msg); err != nil {
				return fmt.Errorf("inserting %s: %w", it.msg.ID, err)
			}
			if it.req.ClientSeq != nil {
				if err := o.dedupe.MarkProcessedTx(ctx, it.req.SenderID, *it.req.ClientSeq, txID); err != nil {
					return fmt.Errorf("marking dedupe: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		if rbErr := o.dedupe.RollbackTx(ctx, txID); rbErr != nil {
			o.logger.Error("dedupe rollback failed", "tx_id", txID, "error", rbErr)
		}
		for _, it := range inserted {
			o.count(OutcomeFailed)
			it.result = failure(fmt.Sprintf("storing batch: %v", err))
			it.msg = nil
		}
		return nil
	}
	if err := o.dedupe.CommitTx(ctx, txID); err != nil {
		o.logger.Warn("dedupe commit failed, tx key will expire", "tx_id", txID, "error", err)
	}
	return inserted
}

// batchDeliver pushes committed rows through the broker in parallel and
// finalizes per-item status.
func (o *Orchestrator) batchDeliver(ctx context.Context, items []*batchItem) {
	g := new(errgroup.Group)
	for _, it := range items {
		it := it
		g.Go(func() error {
			it.result = o.deliver(ctx, it.msg, it.content, it.convID, it.kind)
			return nil
		})
	}
	g.Wait()
}
