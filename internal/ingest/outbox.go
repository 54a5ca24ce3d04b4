// ABOUTME: Outbox sweep: crash recovery for rows stranded in sending
// ABOUTME: Stale sending rows are marked failed so retryFailedMessage can pick them up

package ingest

import (
	"context"
	"time"

	"github.com/halcyon-im/halcyon/internal/store"
)

const (
	// DefaultSweepInterval is how often the sweep scans for stranded rows.
	DefaultSweepInterval = time.Minute
	// DefaultSweepCutoff is how long a row may sit in sending before the
	// sweep considers its pipeline dead. Comfortably above the ~7s retry
	// budget.
	DefaultSweepCutoff = 5 * time.Minute

	sweepBatch = 200
)

// SweepOutbox makes one pass: rows in sending older than cutoff move to
// failed. Returns the number of rows swept.
func (o *Orchestrator) SweepOutbox(ctx context.Context, cutoff time.Duration) (int, error) {
	if cutoff <= 0 {
		cutoff = DefaultSweepCutoff
	}
	var swept int
	for {
		stale, err := o.store.ListByStatus(ctx, store.StatusSending, time.Now().Add(-cutoff), sweepBatch)
		if err != nil {
			return swept, err
		}
		for _, msg := range stale {
			changed, err := o.store.UpdateMessageStatus(ctx, msg.ID, store.StatusFailed)
			if err != nil {
				return swept, err
			}
			if changed {
				swept++
				o.logger.Warn("swept stranded message to failed",
					"message_id", msg.ID, "created_at", msg.CreatedAt)
			}
		}
		if len(stale) < sweepBatch {
			return swept, nil
		}
	}
}

// RunOutboxSweep drives periodic sweeps until ctx is done.
func (o *Orchestrator) RunOutboxSweep(ctx context.Context, interval, cutoff time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("outbox sweep started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox sweep stopped")
			return
		case <-ticker.C:
			if n, err := o.SweepOutbox(ctx, cutoff); err != nil {
				o.logger.Error("outbox sweep failed", "error", err)
			} else if n > 0 {
				o.logger.Info("outbox sweep completed", "swept", n)
			}
		}
	}
}
