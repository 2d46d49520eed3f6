package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

const defaultReaperBatch = 100

// Report counts what one reaper pass did.
type Report struct {
	Completed    int
	Failed       int
	Inconsistent int
	Skipped      int
	Deferred     int
}

// PendingReaper resolves transactions left pending by a crash between the
// compare-and-swap and the status update.
type PendingReaper struct {
	store      ledger.Store
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	stopCh     chan struct{}
}

func NewPendingReaper(store ledger.Store, interval, staleAfter time.Duration, logger *slog.Logger) *PendingReaper {
	return &PendingReaper{
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  defaultReaperBatch,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start runs passes on every tick until ctx is done or Stop is called.
func (r *PendingReaper) Start(ctx context.Context) {
	r.logger.Info("pending reaper started", "interval", r.interval, "stale_after", r.staleAfter)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("pending reaper pass", "error", err)
			}
		}
	}
}

func (r *PendingReaper) Stop() {
	close(r.stopCh)
}

// RunOnce reconciles one batch of stale pending transactions.
func (r *PendingReaper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	stale, err := r.store.ListStalePending(ctx, r.now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return report, err
	}

	for _, tx := range stale {
		res, err := r.store.Reconcile(ctx, tx.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			r.logger.Error("reconcile pending transaction", "transaction_id", tx.ID, "error", err)
			continue
		}
		switch res {
		case ledger.ResolutionCompleted:
			report.Completed++
		case ledger.ResolutionFailed:
			report.Failed++
		case ledger.ResolutionInconsistent:
			report.Inconsistent++
			r.logger.Warn("pending transaction left unresolved, balance does not match ledger",
				"transaction_id", tx.ID, "account_id", tx.AccountID, "amount", tx.Amount.StringFixed(2))
		case ledger.ResolutionDeferred:
			report.Deferred++
		default:
			report.Skipped++
		}
	}

	if len(stale) > 0 {
		r.logger.Info("pending reaper pass finished",
			"completed", report.Completed, "failed", report.Failed,
			"inconsistent", report.Inconsistent, "deferred", report.Deferred, "skipped", report.Skipped)
	}
	return report, nil
}
