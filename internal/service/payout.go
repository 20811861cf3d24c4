package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/metrics"
	"github.com/trustbridge/escrow-service/internal/model"
	"github.com/trustbridge/escrow-service/internal/repo"
)

// PayoutRequest is the call into the external disbursement capability.
type PayoutRequest struct {
	IdempotencyKey string
	PayoutID       string
	VendorID       string
	Currency       string
	Amount         decimal.Decimal
}

// PayoutHandle identifies an in-flight disbursement at the capability.
type PayoutHandle struct {
	HandleID string
}

// Disburser is the external disbursement capability. Implementations must
// treat IdempotencyKey as the exactly-once key of the send.
type Disburser interface {
	Send(ctx context.Context, req PayoutRequest) (PayoutHandle, error)
}

// PayoutOutcomeEvent is the capability's asynchronous report on a send.
type PayoutOutcomeEvent struct {
	EventID  string
	HandleID string
	Status   string // CONFIRMED or FAILED
	Reason   string
}

// PayoutConfig bounds the retry behaviour.
type PayoutConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration
}

// PayoutOrchestrator turns RELEASED transitions into external disbursements:
// it dispatches due payouts, retries failures with exponential backoff up to
// a bound, and parks exhausted or cancelled payouts in MANUAL_REVIEW.
type PayoutOrchestrator struct {
	repo      repo.RepositoryInterface
	disburser Disburser
	cfg       PayoutConfig
	log       *zap.SugaredLogger
}

func NewPayoutOrchestrator(r repo.RepositoryInterface, d Disburser, cfg PayoutConfig, logger *zap.SugaredLogger) *PayoutOrchestrator {
	return &PayoutOrchestrator{repo: r, disburser: d, cfg: cfg, log: logger}
}

// RunDue dispatches every payout whose next attempt is due. Each payout is
// its own unit of work; a failure moves on to the next row.
func (o *PayoutOrchestrator) RunDue(ctx context.Context) (int, error) {
	due, err := o.repo.DuePayouts(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for i := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := o.dispatch(ctx, &due[i]); err != nil {
			o.log.Errorf("dispatch payout %s: %v", due[i].ID, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatch performs one send attempt. The vendor's KYC status is re-checked
// right before the call; an unverified vendor parks the payout instead of
// burning an attempt.
func (o *PayoutOrchestrator) dispatch(ctx context.Context, p *model.Payout) error {
	vendor, err := o.repo.GetUser(ctx, o.repo.DB(ctx), p.VendorID)
	if err != nil && !errors.Is(err, escrow.ErrNotFound) {
		return err
	}
	if vendor == nil || !vendor.KYCVerified {
		p.Status = model.PayoutKYCBlocked
		p.NextAttemptAt = nil
		metrics.PayoutAttempts.WithLabelValues(model.PayoutKYCBlocked).Inc()
		return o.repo.UpdatePayout(ctx, o.repo.DB(ctx), p)
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	handle, err := o.disburser.Send(sendCtx, PayoutRequest{
		IdempotencyKey: p.IdempotencyKey,
		PayoutID:       p.ID,
		VendorID:       p.VendorID,
		Currency:       p.Currency,
		Amount:         p.Amount,
	})
	cancel()
	if err != nil {
		o.markFailure(p, err)
		metrics.PayoutAttempts.WithLabelValues(p.Status).Inc()
		return o.repo.UpdatePayout(ctx, o.repo.DB(ctx), p)
	}

	p.Status = model.PayoutSent
	p.Attempts++
	p.HandleID = &handle.HandleID
	p.NextAttemptAt = nil
	p.LastError = nil
	metrics.PayoutAttempts.WithLabelValues(model.PayoutSent).Inc()
	return o.repo.UpdatePayout(ctx, o.repo.DB(ctx), p)
}

// markFailure advances the retry schedule: exponential backoff until the
// attempt bound, then MANUAL_REVIEW. Never silently dropped.
func (o *PayoutOrchestrator) markFailure(p *model.Payout, cause error) {
	p.Attempts++
	msg := truncate(cause.Error(), 255)
	p.LastError = &msg
	if p.Attempts >= o.cfg.MaxAttempts {
		p.Status = model.PayoutManualReview
		p.NextAttemptAt = nil
		return
	}
	p.Status = model.PayoutFailed
	backoff := o.cfg.BackoffBase << uint(p.Attempts-1)
	if backoff > o.cfg.BackoffMax {
		backoff = o.cfg.BackoffMax
	}
	next := time.Now().Add(backoff)
	p.NextAttemptAt = &next
}

// IngestPayoutOutcome applies the capability's asynchronous CONFIRMED or
// FAILED report. The report's event id goes through the same durable dedup
// gate as every other inbound event.
func (o *PayoutOrchestrator) IngestPayoutOutcome(ctx context.Context, ev PayoutOutcomeEvent) error {
	if ev.EventID == "" || ev.HandleID == "" {
		return fmt.Errorf("%w: payout outcome missing event or handle id", escrow.ErrValidation)
	}
	return o.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := o.repo.GetProcessedEvent(ctx, tx, ev.EventID)
		if err != nil {
			return err
		}
		if prior != nil {
			return nil
		}
		p, err := o.repo.GetPayoutByHandle(ctx, tx, ev.HandleID)
		if err != nil {
			return err
		}

		outcome := "payout:" + ev.Status
		switch ev.Status {
		case model.PayoutConfirmed:
			if p.Status != model.PayoutConfirmed {
				p.Status = model.PayoutConfirmed
				p.NextAttemptAt = nil
				p.LastError = nil
				if err := o.repo.UpdatePayout(ctx, tx, p); err != nil {
					return err
				}
				metrics.PayoutAttempts.WithLabelValues(model.PayoutConfirmed).Inc()
			}
		case model.PayoutFailed:
			if p.Status == model.PayoutSent {
				o.markFailure(p, fmt.Errorf("disbursement failed: %s", ev.Reason))
				if err := o.repo.UpdatePayout(ctx, tx, p); err != nil {
					return err
				}
				metrics.PayoutAttempts.WithLabelValues(p.Status).Inc()
			}
		default:
			return fmt.Errorf("%w: unknown payout outcome %q", escrow.ErrValidation, ev.Status)
		}

		return o.repo.CreateProcessedEvent(ctx, tx, &model.ProcessedEvent{
			EventID:       ev.EventID,
			TransactionID: p.TransactionID,
			Outcome:       outcome,
		})
	})
}

// OnVendorVerified marks the vendor KYC-verified and resumes any payouts
// parked in KYC_BLOCKED.
func (o *PayoutOrchestrator) OnVendorVerified(ctx context.Context, vendorID string) (int, error) {
	resumed := 0
	err := o.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.repo.SetUserKYCVerified(ctx, tx, vendorID); err != nil {
			return err
		}
		blocked, err := o.repo.BlockedPayouts(ctx, tx, vendorID)
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range blocked {
			blocked[i].Status = model.PayoutRequested
			blocked[i].NextAttemptAt = &now
			if err := o.repo.UpdatePayout(ctx, tx, &blocked[i]); err != nil {
				return err
			}
			resumed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return resumed, nil
}

// Cancel moves a queued payout straight to MANUAL_REVIEW. Admin-only; a
// confirmed payout cannot be cancelled.
func (o *PayoutOrchestrator) Cancel(ctx context.Context, payoutID, adminID string) error {
	admin, err := o.repo.GetUser(ctx, o.repo.DB(ctx), adminID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return fmt.Errorf("%w: unknown admin %s", escrow.ErrForbidden, adminID)
		}
		return err
	}
	if admin.Role != model.RoleAdmin || !admin.IsActive {
		return fmt.Errorf("%w: user %s is not an active admin", escrow.ErrForbidden, adminID)
	}
	return o.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := o.repo.GetPayout(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		if p.Status == model.PayoutConfirmed {
			return fmt.Errorf("%w: payout %s already confirmed", escrow.ErrInvalidTransition, payoutID)
		}
		p.Status = model.PayoutManualReview
		p.NextAttemptAt = nil
		return o.repo.UpdatePayout(ctx, tx, p)
	})
}
