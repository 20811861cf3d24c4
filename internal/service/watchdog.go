package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trustbridge/escrow-service/internal/metrics"
	"github.com/trustbridge/escrow-service/internal/repo"
)

// Watchdog periodically escalates stale ACTIVE transactions into the
// dispute vault. Each escalation rides the normal idempotency-guard path
// with a (transaction, UTC day) key, so any number of concurrent sweepers
// escalate a transaction at most once without sweep-level locking.
type Watchdog struct {
	repo      repo.RepositoryInterface
	svc       *EscrowService
	threshold func() time.Duration
	batchSize int
	log       *zap.SugaredLogger
}

func NewWatchdog(r repo.RepositoryInterface, svc *EscrowService, threshold func() time.Duration, batchSize int, logger *zap.SugaredLogger) *Watchdog {
	return &Watchdog{repo: r, svc: svc, threshold: threshold, batchSize: batchSize, log: logger}
}

// Sweep escalates one batch of stale transactions. Every transaction is its
// own atomic unit; the sweep is cancellable between transactions.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-w.threshold())
	stale, err := w.repo.StaleActive(ctx, cutoff, w.batchSize)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, txn := range stale {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		res, err := w.svc.EscalateInactivity(ctx, txn.ID)
		if err != nil {
			w.log.Errorf("escalate %s: %v", txn.ID, err)
			continue
		}
		if !res.Duplicate && strings.HasPrefix(res.Outcome, "applied") {
			escalated++
			metrics.WatchdogEscalations.Inc()
		}
	}
	return escalated, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				w.log.Errorf("watchdog sweep: %v", err)
				continue
			}
			if n > 0 {
				w.log.Infof("watchdog escalated %d transactions", n)
			}
		}
	}
}
