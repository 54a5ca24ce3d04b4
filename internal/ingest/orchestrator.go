// ABOUTME: Send pipeline orchestrator: permission, dedupe, seq, transactional insert, broker delivery
// ABOUTME: Owns the retry policy and the sending/sent/failed status transitions

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/permission"
	"github.com/halcyon-im/halcyon/internal/store"
)

const (
	// DefaultRetryAttempts is the total broker send budget per message.
	DefaultRetryAttempts = 4
	// DefaultRetryInitial seeds the exponential backoff.
	DefaultRetryInitial = time.Second
	// DefaultRecallWindow bounds how long after creation a recall is allowed.
	DefaultRecallWindow = 2 * time.Minute
)

// MessageStore defines what the orchestrator needs from storage.
type MessageStore interface {
	WithTx(ctx context.Context, fn func(tx store.MessageTx) error) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, to store.MessageStatus) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) error
	MarkRecalled(ctx context.Context, id string, at time.Time) (bool, error)
	FindByClientSeq(ctx context.Context, senderID string, clientSeq int64) (*store.Message, error)
	ListByStatus(ctx context.Context, status store.MessageStatus, olderThan time.Time, limit int) ([]*store.Message, error)
	UpdateSnippetIfLast(ctx context.Context, messageID, snippet string) (int64, error)
	AddUnread(ctx context.Context, owner, peer string, kind store.ConversationKind, delta int64) error
}

// Sequencer issues per-conversation ordinals.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (int64, error)
	NextN(ctx context.Context, conversationID string, n int64) ([]int64, error)
}

// Deduper is the two-tier duplicate detector.
type Deduper interface {
	IsDuplicate(ctx context.Context, senderID string, clientSeq int64) (bool, error)
	IsDuplicateBatch(ctx context.Context, senderID string, clientSeqs []int64) (map[int64]bool, error)
	MarkProcessedTx(ctx context.Context, senderID string, clientSeq int64, txID string) error
	CommitTx(ctx context.Context, txID string) error
	RollbackTx(ctx context.Context, txID string) error
}

// PermissionChecker gates sends before any state is touched.
type PermissionChecker interface {
	CheckSingle(ctx context.Context, from, to string) (permission.Decision, error)
	CheckGroup(ctx context.Context, from, groupID string) (permission.Decision, error)
}

// BrokerClient is the delivery side of the realtime broker.
type BrokerClient interface {
	SendMessage(ctx context.Context, req broker.SendRequest) (*broker.SendResult, error)
}

// FanoutApplier projects committed messages onto conversation rows.
type FanoutApplier interface {
	Apply(ctx context.Context, msg *store.Message) error
}

// SendRequest is one client-originated message submission.
type SendRequest struct {
	SenderID        string
	RecipientID     string
	GroupID         string
	Type            store.MessageType
	Content         json.RawMessage
	ClientSeq       *int64
	ReplyToID       string
	ForwardFromID   string
	NeedReadReceipt bool
	Extra           map[string]string
}

// SendResult is the pipeline's answer to one submission.
type SendResult struct {
	Success     bool
	IsDuplicate bool
	Message     *store.Message
	Error       string
}

func failure(reason string) *SendResult { return &SendResult{Error: reason} }

// Options tunes the orchestrator.
type Options struct {
	RetryAttempts int
	RetryInitial  time.Duration
	RecallWindow  time.Duration
	// SendRate caps broker sends per second across the process; zero
	// disables the limiter.
	SendRate float64
}

// Orchestrator drives the ingest pipeline end to end.
type Orchestrator struct {
	store   MessageStore
	seq     Sequencer
	dedupe  Deduper
	perm    PermissionChecker
	broker  BrokerClient
	fanout  FanoutApplier
	pool    *Pool
	limiter *rate.Limiter
	metrics *Metrics
	logger  *slog.Logger

	retryAttempts int
	retryInitial  time.Duration
	recallWindow  time.Duration
}

// New wires the orchestrator. metrics may be nil when instrumentation is off.
func New(ms MessageStore, sq Sequencer, dd Deduper, pc PermissionChecker,
	bc BrokerClient, fo FanoutApplier, pool *Pool, opts Options,
	metrics *Metrics, logger *slog.Logger) *Orchestrator {

	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultRetryInitial
	}
	if opts.RecallWindow <= 0 {
		opts.RecallWindow = DefaultRecallWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.SendRate), int(opts.SendRate)+1)
	}
	return &Orchestrator{
		store:         ms,
		seq:           sq,
		dedupe:        dd,
		perm:          pc,
		broker:        bc,
		fanout:        fo,
		pool:          pool,
		limiter:       limiter,
		metrics:       metrics,
		logger:        logger.With("component", "ingest"),
		retryAttempts: opts.RetryAttempts,
		retryInitial:  opts.RetryInitial,
		recallWindow:  opts.RecallWindow,
	}
}

// conversationOf returns the broker channel id and kind for a request.
func conversationOf(senderID, recipientID, groupID string) (string, broker.ChannelKind) {
	if groupID != "" {
		return groupID, broker.ChannelGroup
	}
	return broker.PersonalChannelID(senderID, recipientID), broker.ChannelPerson
}

// validate checks structural rules and decodes the content union.
func validate(req *SendRequest) (store.Content, error) {
	if req.SenderID == "" {
		return nil, errors.New("sender required")
	}
	if (req.RecipientID == "") == (req.GroupID == "") {
		return nil, errors.New("exactly one of recipient or group required")
	}
	content, err := store.DecodeContent(req.Type, req.Content)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Send runs one message through the full pipeline. All outcomes are folded
// into the SendResult; the pipeline itself never panics a caller with an
// error return.
func (o *Orchestrator) Send(ctx context.Context, req *SendRequest) *SendResult {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.PipelineLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if err := o.pool.Acquire(); err != nil {
		o.count(OutcomeBackpressure)
		return failure(err.Error())
	}
	defer o.pool.Release()

	content, err := validate(req)
	if err != nil {
		o.count(OutcomeInvalid)
		return failure(err.Error())
	}

	decision, err := o.checkPermission(ctx, req)
	if err != nil {
		o.count(OutcomeFailed)
		return failure(err.Error())
	}
	if !decision.Allowed {
		o.count(OutcomeDenied)
		return failure(decision.Reason)
	}

	if req.ClientSeq != nil {
		dup, err := o.dedupe.IsDuplicate(ctx, req.SenderID, *req.ClientSeq)
		if err != nil {
			o.count(OutcomeFailed)
			return failure(fmt.Sprintf("dedupe check: %v", err))
		}
		if dup {
			if existing := o.lookupExisting(ctx, req); existing != nil {
				o.count(OutcomeDuplicate)
				return &SendResult{Success: true, IsDuplicate: true, Message: existing}
			}
			// Filter false positive with no confirmed row: fall through
		}
	}

	convID, kind := conversationOf(req.SenderID, req.RecipientID, req.GroupID)
	seqNo, err := o.seq.Next(ctx, convID)
	if err != nil {
		o.count(OutcomeFailed)
		return failure(fmt.Sprintf("assigning seq: %v", err))
	}

	msg, err := o.buildMessage(req, content, seqNo)
	if err != nil {
		o.count(OutcomeFailed)
		return failure(err.Error())
	}
	if res := o.commit(ctx, req, msg); res != nil {
		return res
	}

	return o.deliver(ctx, msg, content, convID, kind)
}

func (o *Orchestrator) checkPermission(ctx context.Context, req *SendRequest) (permission.Decision, error) {
	if req.GroupID != "" {
		return o.perm.CheckGroup(ctx, req.SenderID, req.GroupID)
	}
	return o.perm.CheckSingle(ctx, req.SenderID, req.RecipientID)
}

// lookupExisting resolves a duplicate hit to the originally stored row.
func (o *Orchestrator) lookupExisting(ctx context.Context, req *SendRequest) *store.Message {
	existing, err := o.store.FindByClientSeq(ctx, req.SenderID, *req.ClientSeq)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("duplicate hit but lookup failed",
				"sender_id", req.SenderID, "client_seq", *req.ClientSeq, "error", err)
		}
		return nil
	}
	return existing
}

func (o *Orchestrator) buildMessage(req *SendRequest, content store.Content, seqNo int64) (*store.Message, error) {
	raw, err := store.EncodeContent(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	return &store.Message{
		ID:              uuid.New().String(),
		ClientSeq:       req.ClientSeq,
		Seq:             seqNo,
		Type:            req.Type,
		Content:         raw,
		SenderID:        req.SenderID,
		RecipientID:     req.RecipientID,
		GroupID:         req.GroupID,
		ReplyToID:       req.ReplyToID,
		ForwardFromID:   req.ForwardFromID,
		Status:          store.StatusSending,
		NeedReadReceipt: req.NeedReadReceipt,
		CreatedAt:       time.Now(),
		Extra:           req.Extra,
	}, nil
}

// commit inserts the row and marks the dedupe engine in one logical
// transaction: a failed insert rolls the dedupe mark back, a failed mark
// rolls the insert back. Returns a non-nil result only on failure paths.
func (o *Orchestrator) commit(ctx context.Context, req *SendRequest, msg *store.Message) *SendResult {
	txID := uuid.New().String()
	err := o.store.WithTx(ctx, func(tx store.MessageTx) error {
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if req.ClientSeq != nil {
			if err := o.dedupe.MarkProcessedTx(ctx, req.SenderID, *req.ClientSeq, txID); err != nil {
				return fmt.Errorf("marking dedupe: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if rbErr := o.dedupe.RollbackTx(ctx, txID); rbErr != nil {
			o.logger.Error("dedupe rollback failed", "tx_id", txID, "error", rbErr)
		}
		if errors.Is(err, store.ErrDuplicateMessage) && req.ClientSeq != nil {
			// Lost a race with a concurrent identical submission
			if existing := o.lookupExisting(ctx, req); existing != nil {
				o.count(OutcomeDuplicate)
				return &SendResult{Success: true, IsDuplicate: true, Message: existing}
			}
		}
		o.count(OutcomeFailed)
		return failure(fmt.Sprintf("storing message: %v", err))
	}
	if err := o.dedupe.CommitTx(ctx, txID); err != nil {
		o.logger.Warn("dedupe commit failed, tx key will expire", "tx_id", txID, "error", err)
	}
	return nil
}

// deliver pushes a committed row through the broker and finalizes status.
func (o *Orchestrator) deliver(ctx context.Context, msg *store.Message, content store.Content, convID string, kind broker.ChannelKind) *SendResult {
	payload, err := broker.EncodePayload(content)
	if err != nil {
		o.markFailed(ctx, msg)
		o.count(OutcomeFailed)
		return &SendResult{Message: msg, Error: fmt.Sprintf("encoding payload: %v", err)}
	}

	err = o.sendWithRetry(ctx, broker.SendRequest{
		ChannelID:   convID,
		ChannelType: kind,
		FromUID:     msg.SenderID,
		Payload:     payload,
		ClientMsgNo: msg.ID,
	}, msg.ID)
	if err != nil {
		o.markFailed(ctx, msg)
		o.count(OutcomeFailed)
		o.logger.Warn("broker send exhausted",
			"message_id", msg.ID, "channel_id", convID, "error", err)
		return &SendResult{Message: msg, Error: fmt.Sprintf("broker send: %v", err)}
	}

	if _, err := o.store.UpdateMessageStatus(ctx, msg.ID, store.StatusSent); err != nil {
		o.logger.Error("status update to sent failed", "message_id", msg.ID, "error", err)
	} else {
		msg.Status = store.StatusSent
	}

	o.submitFanout(msg)
	o.count(OutcomeSent)
	return &SendResult{Success: true, Message: msg}
}

// submitFanout schedules conversation projection off the send path.
func (o *Orchestrator) submitFanout(msg *store.Message) {
	o.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.fanout.Apply(ctx, msg); err != nil {
			if o.metrics != nil {
				o.metrics.FanoutFailures.Inc()
			}
			o.logger.Error("fan-out failed", "message_id", msg.ID, "error", err)
		}
	})
}

// sendWithRetry applies the exponential backoff policy: attempt i waits
// initial*2^(i-1) plus jitter up to the initial wait. Permanent broker
// rejections and caller cancellation stop the loop early.
func (o *Orchestrator) sendWithRetry(ctx context.Context, req broker.SendRequest, msgID string) error {
	var lastErr error
	for attempt := 0; attempt < o.retryAttempts; attempt++ {
		if attempt > 0 {
			wait := o.retryInitial<<uint(attempt-1) + time.Duration(rand.Int63n(int64(o.retryInitial)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			if o.metrics != nil {
				o.metrics.BrokerRetries.Inc()
			}
			if err := o.store.IncrementRetryCount(ctx, msgID); err != nil {
				o.logger.Warn("retry count update failed", "message_id", msgID, "error", err)
			}
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		_, err := o.broker.SendMessage(ctx, req)
		if err == nil {
			return nil
		}
		var se *broker.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// markFailed moves a row out of sending after delivery gave up.
// markFailed records the terminal failed status. The write runs on a context
// detached from the caller's cancellation: a canceled send must still land on
// status=failed rather than strand the row in sending.
func (o *Orchestrator) markFailed(ctx context.Context, msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.store.UpdateMessageStatus(ctx, msg.ID, store.StatusFailed); err != nil {
		o.logger.Error("status update to failed failed", "message_id", msg.ID, "error", err)
		return
	}
	msg.Status = store.StatusFailed
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.Sends.WithLabelValues(outcome).Inc()
	}
}
