package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/metrics"
	"github.com/trustbridge/escrow-service/internal/model"
	"github.com/trustbridge/escrow-service/internal/repo"
)

// maxConflictRetries bounds the internal retry loop on version conflicts.
// Retrying is safe because replayed transitions are no-ops.
const maxConflictRetries = 3

// EscrowService drives every inbound event through the idempotency guard
// and the state machine, committing all effects of one transition in a
// single database transaction.
type EscrowService struct {
	repo   repo.RepositoryInterface
	policy func() escrow.Policy
	log    *zap.SugaredLogger
}

// NewEscrowService returns EscrowService. policy is consulted per event so
// hot-reloaded configuration applies without a restart.
func NewEscrowService(r repo.RepositoryInterface, policy func() escrow.Policy, logger *zap.SugaredLogger) *EscrowService {
	return &EscrowService{repo: r, policy: policy, log: logger}
}

// Result is the caller-visible outcome of one ingested event.
type Result struct {
	Transaction *model.Transaction
	Outcome     string
	Duplicate   bool
}

// CreateTransactionRequest opens a new escrow invoice.
type CreateTransactionRequest struct {
	BuyerID     string
	VendorID    string
	Currency    string
	Amount      decimal.Decimal
	Description string
}

// ChargeConfirmedEvent is the payment-provider confirmation feed payload.
type ChargeConfirmedEvent struct {
	EventID        string
	TransactionRef string
	Amount         decimal.Decimal
	Currency       string
	ProcessorFee   decimal.Decimal
}

// CreateTransaction opens a PENDING escrow transaction.
func (s *EscrowService) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*model.Transaction, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", escrow.ErrValidation)
	}
	if _, err := escrow.MinorUnits(req.Currency); err != nil {
		return nil, err
	}
	if req.BuyerID == "" || req.VendorID == "" || req.BuyerID == req.VendorID {
		return nil, fmt.Errorf("%w: buyer and vendor must be distinct parties", escrow.ErrValidation)
	}

	now := time.Now()
	txn := &model.Transaction{
		ID:             uuid.NewString(),
		Reference:      newReference(now),
		BuyerID:        req.BuyerID,
		VendorID:       req.VendorID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		Status:         model.StatusPending,
		Description:    req.Description,
		LastActivityAt: now,
		Version:        1,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := s.repo.AppendAudit(ctx, tx, &model.AuditLog{
			TransactionID: txn.ID,
			Seq:           1,
			PriorState:    "NONE",
			Event:         "transaction.created",
			Outcome:       "applied:" + model.StatusPending,
			Actor:         "buyer:" + req.BuyerID,
		}); err != nil {
			return err
		}
		return s.outbox(ctx, tx, txn, "transaction.created", "applied:"+model.StatusPending)
	})
	if err != nil {
		return nil, err
	}
	if cerr := s.repo.CacheTransaction(ctx, txn); cerr != nil {
		s.log.Warn(cerr)
	}
	return txn, nil
}

// newReference builds the human-readable reference, e.g. TB-20240101-9F3A21C0.
func newReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TB-%s-%s", now.UTC().Format("20060102"), suffix)
}

// IngestChargeConfirmed applies a confirmed-payment event from the provider
// feed. The provider event id is the idempotency key.
func (s *EscrowService) IngestChargeConfirmed(ctx context.Context, ev ChargeConfirmedEvent) (*Result, error) {
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: missing provider event id", escrow.ErrValidation)
	}
	txn, err := s.resolve(ctx, ev.TransactionRef)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, ev.EventID, txn.ID, escrow.Event{
		Type:         escrow.EventChargeConfirmed,
		Actor:        "provider",
		Amount:       ev.Amount,
		Currency:     ev.Currency,
		ProcessorFee: ev.ProcessorFee,
	})
}

// Activate moves a FUNDED transaction to ACTIVE once both parties
// acknowledged commencement. Under the auto-activate policy the funding
// event performs this directly and a later explicit call is a replay.
func (s *EscrowService) Activate(ctx context.Context, transactionID, actor string) (*Result, error) {
	return s.process(ctx, "activate:"+transactionID, transactionID, escrow.Event{
		Type:  escrow.EventActivate,
		Actor: actor,
	})
}

// ConfirmRelease releases an ACTIVE transaction: fee and net are computed,
// custody drops to zero, and a payout to the vendor is queued. eventID may
// be empty for internally triggered confirmations.
func (s *EscrowService) ConfirmRelease(ctx context.Context, transactionID, eventID, actor string, processorFee decimal.Decimal) (*Result, error) {
	if eventID == "" {
		eventID = "release:" + transactionID
	}
	return s.process(ctx, eventID, transactionID, escrow.Event{
		Type:         escrow.EventReleaseConfirmed,
		Actor:        actor,
		ProcessorFee: processorFee,
	})
}

// ConfirmRefund cancels an ACTIVE transaction by mutual agreement: the full
// held gross returns to the buyer and no fee is taken. eventID may be empty
// for internally triggered refunds.
func (s *EscrowService) ConfirmRefund(ctx context.Context, transactionID, eventID, actor string) (*Result, error) {
	if eventID == "" {
		eventID = "refund:" + transactionID
	}
	return s.process(ctx, eventID, transactionID, escrow.Event{
		Type:  escrow.EventRefundAgreed,
		Actor: actor,
	})
}

// RaiseDispute moves an ACTIVE transaction into the dispute vault.
func (s *EscrowService) RaiseDispute(ctx context.Context, transactionID, eventID, actor, reason string) (*Result, error) {
	if eventID == "" {
		eventID = fmt.Sprintf("dispute:%s:%s", transactionID, time.Now().UTC().Format("2006-01-02"))
	}
	return s.process(ctx, eventID, transactionID, escrow.Event{
		Type:          escrow.EventDisputeRaised,
		Actor:         actor,
		DisputeReason: reason,
	})
}

// EscalateInactivity is the watchdog's synthetic event. The dedup key is
// transaction id plus UTC calendar day, so overlapping sweeps cannot
// double-escalate.
func (s *EscrowService) EscalateInactivity(ctx context.Context, transactionID string) (*Result, error) {
	key := fmt.Sprintf("inactivity:%s:%s", transactionID, time.Now().UTC().Format("2006-01-02"))
	return s.process(ctx, key, transactionID, escrow.Event{
		Type:  escrow.EventInactivityTimeout,
		Actor: "system",
	})
}

// ResolveDispute applies an admin resolution to a DISPUTED transaction.
// The admin id is an explicit capability: it must belong to an active
// admin user or the call fails with ErrForbidden. The dedup key carries the
// requested resolution, so only a repeat of the same resolution is a
// duplicate; a conflicting resolution reaches the state machine and is
// rejected there.
func (s *EscrowService) ResolveDispute(ctx context.Context, transactionID, adminID, resolution string, processorFee decimal.Decimal) (*Result, error) {
	admin, err := s.repo.GetUser(ctx, s.repo.DB(ctx), adminID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown admin %s", escrow.ErrForbidden, adminID)
		}
		return nil, err
	}
	if admin.Role != model.RoleAdmin || !admin.IsActive {
		return nil, fmt.Errorf("%w: user %s is not an active admin", escrow.ErrForbidden, adminID)
	}
	return s.process(ctx, fmt.Sprintf("resolve:%s:%s", transactionID, resolution), transactionID, escrow.Event{
		Type:         escrow.EventDisputeResolved,
		Actor:        "admin:" + adminID,
		Resolution:   resolution,
		ProcessorFee: processorFee,
	})
}

// GetTransaction is the read-only query surface, served from the redis
// snapshot when warm.
func (s *EscrowService) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if txn, err := s.repo.GetCachedTransaction(ctx, id); err == nil {
		return txn, nil
	}
	txn, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), id)
	if err != nil {
		return nil, err
	}
	if cerr := s.repo.CacheTransaction(ctx, txn); cerr != nil {
		s.log.Warn(cerr)
	}
	return txn, nil
}

// GetAuditTrail lists a transaction's audit entries in applied order.
func (s *EscrowService) GetAuditTrail(ctx context.Context, id string) ([]model.AuditLog, error) {
	return s.repo.AuditTrail(ctx, id)
}

// Repo exposes the underlying repository (unit tests helper).
func (s *EscrowService) Repo() repo.RepositoryInterface { return s.repo }

// resolve looks a transaction up by human reference, falling back to id.
func (s *EscrowService) resolve(ctx context.Context, ref string) (*model.Transaction, error) {
	txn, err := s.repo.GetTransactionByRef(ctx, s.repo.DB(ctx), ref)
	if errors.Is(err, escrow.ErrNotFound) {
		return s.repo.GetTransaction(ctx, s.repo.DB(ctx), ref)
	}
	return txn, err
}

// process is the single pipeline every event takes: idempotency guard,
// state machine, atomic commit of wallet deltas + transaction update +
// audit entry + dedup record, bounded retry on version conflict.
func (s *EscrowService) process(ctx context.Context, eventID, transactionID string, ev escrow.Event) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		res, err := s.attempt(ctx, eventID, transactionID, ev)
		if err == nil {
			label := "applied"
			if res.Duplicate {
				label = "duplicate"
				metrics.DuplicateEvents.Inc()
			} else if strings.HasPrefix(res.Outcome, "replay") {
				label = "replay"
			}
			metrics.EventsIngested.WithLabelValues(string(ev.Type), label).Inc()
			if res.Transaction != nil {
				if cerr := s.repo.CacheTransaction(ctx, res.Transaction); cerr != nil {
					s.log.Warn(cerr)
				}
			}
			return res, nil
		}
		if errors.Is(err, escrow.ErrConflict) {
			metrics.VersionConflicts.Inc()
			lastErr = err
			continue
		}
		if errors.Is(err, escrow.ErrValidation) ||
			errors.Is(err, escrow.ErrInvalidTransition) ||
			errors.Is(err, escrow.ErrInsufficientBalance) {
			s.auditRejection(ctx, transactionID, ev, err)
			metrics.EventsIngested.WithLabelValues(string(ev.Type), "rejected").Inc()
			return nil, err
		}
		return nil, err
	}
	return nil, fmt.Errorf("event %s exhausted conflict retries: %w", eventID, lastErr)
}

// attempt runs one pass of the pipeline inside one database transaction.
func (s *EscrowService) attempt(ctx context.Context, eventID, transactionID string, ev escrow.Event) (*Result, error) {
	var res *Result
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		// Idempotency guard: a recorded event returns its prior outcome
		// without re-running business logic.
		prior, err := s.repo.GetProcessedEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if prior != nil {
			txn, err := s.repo.GetTransaction(ctx, tx, prior.TransactionID)
			if err != nil {
				return err
			}
			res = &Result{Transaction: txn, Outcome: prior.Outcome, Duplicate: true}
			return nil
		}

		txn, err := s.repo.GetTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		decision, err := escrow.Decide(txn, ev, s.policy())
		if err != nil {
			return err
		}

		if decision.Replay {
			outcome := "replay:" + txn.Status
			if err := s.audit(ctx, tx, txn.ID, txn.Status, ev, outcome); err != nil {
				return err
			}
			if err := s.repo.CreateProcessedEvent(ctx, tx, &model.ProcessedEvent{
				EventID: eventID, TransactionID: txn.ID, Outcome: outcome,
			}); err != nil {
				return err
			}
			res = &Result{Transaction: txn, Outcome: outcome}
			return nil
		}

		for _, d := range decision.Deltas {
			if err := s.applyDelta(ctx, tx, d); err != nil {
				return err
			}
		}

		now := time.Now()
		priorState := txn.Status
		oldVersion := txn.Version
		txn.Status = decision.Next
		txn.LastActivityAt = now
		switch decision.Next {
		case model.StatusFunded:
			txn.FundedAt = &now
		case model.StatusActive:
			if txn.FundedAt == nil {
				txn.FundedAt = &now
			}
		case model.StatusReleased:
			txn.ReleasedAt = &now
		case model.StatusDisputed:
			txn.DisputedAt = &now
		}
		if ev.Type == escrow.EventChargeConfirmed {
			fee := ev.ProcessorFee
			txn.ProcessorFee = &fee
		}
		if decision.Fees != nil {
			txn.PlatformFee = &decision.Fees.PlatformFee
			txn.ProcessorFee = &decision.Fees.ProcessorFee
			txn.NetPayout = &decision.Fees.Net
		}
		if decision.OpenDispute != "" {
			reason := decision.OpenDispute
			txn.DisputeReason = &reason
		}
		if decision.CloseDispute != "" {
			resolution := decision.CloseDispute
			txn.Resolution = &resolution
		}
		if err := s.repo.UpdateTransaction(ctx, tx, txn, oldVersion); err != nil {
			return err
		}

		outcome := "applied:" + decision.Next
		if err := s.audit(ctx, tx, txn.ID, priorState, ev, outcome); err != nil {
			return err
		}
		if err := s.repo.CreateProcessedEvent(ctx, tx, &model.ProcessedEvent{
			EventID: eventID, TransactionID: txn.ID, Outcome: outcome,
		}); err != nil {
			return err
		}

		if decision.OpenDispute != "" {
			if err := s.repo.CreateDispute(ctx, tx, &model.Dispute{
				TransactionID: txn.ID,
				Reason:        decision.OpenDispute,
				OpenedAt:      now,
			}); err != nil {
				return err
			}
			metrics.DisputesOpened.WithLabelValues(decision.OpenDispute).Inc()
		}
		if decision.CloseDispute != "" {
			if err := s.repo.CloseDispute(ctx, tx, txn.ID, ev.Actor, decision.CloseDispute, now); err != nil {
				return err
			}
		}
		if decision.Payout != nil {
			if err := s.queuePayout(ctx, tx, txn, *decision.Payout, eventID); err != nil {
				return err
			}
		}
		if err := s.outbox(ctx, tx, txn, string(ev.Type), outcome); err != nil {
			return err
		}

		res = &Result{Transaction: txn, Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applyDelta adjusts one wallet under its own optimistic lock; a balance
// that would go negative aborts the whole transition.
func (s *EscrowService) applyDelta(ctx context.Context, tx *gorm.DB, d escrow.WalletDelta) error {
	w, err := s.repo.GetOrCreateWallet(ctx, tx, d.PartyID, d.Currency)
	if err != nil {
		return err
	}
	balance := w.Balance.Add(d.Available)
	held := w.HeldBalance.Add(d.Held)
	if balance.IsNegative() || held.IsNegative() {
		return fmt.Errorf("%w: wallet %s/%s", escrow.ErrInsufficientBalance, d.PartyID, d.Currency)
	}
	return s.repo.UpdateWallet(ctx, tx, w.ID, balance, held, w.Version)
}

// queuePayout writes the payout row in the same atomic unit as the RELEASED
// transition. The releasing event id keys the external send, and unverified
// vendors park in KYC_BLOCKED instead of failing. The row is the
// awaiting-payout marker for the credited vendor funds: it stays live until
// the disbursement capability reports CONFIRMED.
func (s *EscrowService) queuePayout(ctx context.Context, tx *gorm.DB, txn *model.Transaction, intent escrow.PayoutIntent, eventID string) error {
	status := model.PayoutKYCBlocked
	vendor, err := s.repo.GetUser(ctx, tx, intent.VendorID)
	if err != nil && !errors.Is(err, escrow.ErrNotFound) {
		return err
	}
	var next *time.Time
	if vendor != nil && vendor.KYCVerified {
		status = model.PayoutRequested
		now := time.Now()
		next = &now
	}
	return s.repo.CreatePayout(ctx, tx, &model.Payout{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		VendorID:       intent.VendorID,
		Currency:       intent.Currency,
		Amount:         intent.Amount,
		Status:         status,
		NextAttemptAt:  next,
		IdempotencyKey: eventID,
	})
}

func (s *EscrowService) audit(ctx context.Context, tx *gorm.DB, transactionID, priorState string, ev escrow.Event, outcome string) error {
	seq, err := s.repo.NextAuditSeq(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	return s.repo.AppendAudit(ctx, tx, &model.AuditLog{
		TransactionID: transactionID,
		Seq:           seq,
		PriorState:    priorState,
		Event:         string(ev.Type),
		Outcome:       truncate(outcome, 128),
		Actor:         ev.Actor,
	})
}

// auditRejection records a rejected attempt in its own commit, after the
// main transaction rolled back.
func (s *EscrowService) auditRejection(ctx context.Context, transactionID string, ev escrow.Event, cause error) {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		priorState := "UNKNOWN"
		if txn, err := s.repo.GetTransaction(ctx, tx, transactionID); err == nil {
			priorState = txn.Status
		}
		return s.audit(ctx, tx, transactionID, priorState, ev, "rejected: "+cause.Error())
	})
	if err != nil {
		s.log.Errorf("audit rejection for %s: %v", transactionID, err)
	}
}

func (s *EscrowService) outbox(ctx context.Context, tx *gorm.DB, txn *model.Transaction, event, outcome string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": txn.ID,
		"reference":      txn.Reference,
		"event":          event,
		"status":         txn.Status,
		"outcome":        outcome,
		"currency":       txn.Currency,
		"amount":         txn.Amount,
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Transaction",
		AggregateID: txn.ID,
		EventType:   event,
		Payload:     string(payload),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
