package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/model"
)

// RepositoryInterface restricts Repo methods (unit test mocking seam).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	GetTransactionByRef(ctx context.Context, tx *gorm.DB, ref string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, oldVersion uint64) error
	StaleActive(ctx context.Context, cutoff time.Time, limit int) ([]model.Transaction, error)

	GetOrCreateWallet(ctx context.Context, tx *gorm.DB, partyID, currency string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, balance, held decimal.Decimal, oldVersion uint64) error
	SumHeldBalances(ctx context.Context, tx *gorm.DB, currency string) (decimal.Decimal, error)
	SumEscrowedGross(ctx context.Context, tx *gorm.DB, currency string) (decimal.Decimal, error)

	GetProcessedEvent(ctx context.Context, tx *gorm.DB, eventID string) (*model.ProcessedEvent, error)
	CreateProcessedEvent(ctx context.Context, tx *gorm.DB, rec *model.ProcessedEvent) error

	NextAuditSeq(ctx context.Context, tx *gorm.DB, transactionID string) (uint64, error)
	AppendAudit(ctx context.Context, tx *gorm.DB, entry *model.AuditLog) error
	AuditTrail(ctx context.Context, transactionID string) ([]model.AuditLog, error)

	CreateDispute(ctx context.Context, tx *gorm.DB, d *model.Dispute) error
	GetDispute(ctx context.Context, tx *gorm.DB, transactionID string) (*model.Dispute, error)
	CloseDispute(ctx context.Context, tx *gorm.DB, transactionID, resolver, resolution string, at time.Time) error

	CreatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout) error
	GetPayout(ctx context.Context, tx *gorm.DB, id string) (*model.Payout, error)
	GetPayoutByHandle(ctx context.Context, tx *gorm.DB, handleID string) (*model.Payout, error)
	UpdatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout) error
	DuePayouts(ctx context.Context, now time.Time, limit int) ([]model.Payout, error)
	BlockedPayouts(ctx context.Context, tx *gorm.DB, vendorID string) ([]model.Payout, error)

	GetUser(ctx context.Context, tx *gorm.DB, id string) (*model.User, error)
	SetUserKYCVerified(ctx context.Context, tx *gorm.DB, id string) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheTransaction(ctx context.Context, t *model.Transaction) error
	GetCachedTransaction(ctx context.Context, id string) (*model.Transaction, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// isDuplicateKey reports whether err is a unique-constraint violation. The
// postgres and sqlite drivers disagree on the error shape, so the gorm
// sentinel is backed by a message check.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// CreateTransaction inserts a new PENDING transaction.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTransactionByRef(ctx context.Context, tx *gorm.DB, ref string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("reference = ?", ref).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction commits t's mutable fields conditioned on the version
// read at the start of the pipeline. RowsAffected 0 means a concurrent
// transition won the version slot and the caller must re-read and retry.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND version = ?", t.ID, oldVersion).
		Updates(map[string]interface{}{
			"status":           t.Status,
			"platform_fee":     t.PlatformFee,
			"processor_fee":    t.ProcessorFee,
			"net_payout":       t.NetPayout,
			"dispute_reason":   t.DisputeReason,
			"resolution":       t.Resolution,
			"funded_at":        t.FundedAt,
			"released_at":      t.ReleasedAt,
			"disputed_at":      t.DisputedAt,
			"last_activity_at": t.LastActivityAt,
			"version":          oldVersion + 1,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return escrow.ErrConflict
	}
	t.Version = oldVersion + 1
	return nil
}

// StaleActive lists ACTIVE transactions with no activity since cutoff.
func (r *Repository) StaleActive(ctx context.Context, cutoff time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", model.StatusActive, cutoff).
		Order("last_activity_at").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// GetOrCreateWallet loads the (party, currency) wallet, creating a zero
// wallet on first touch.
func (r *Repository) GetOrCreateWallet(ctx context.Context, tx *gorm.DB, partyID, currency string) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.WithContext(ctx).Where("party_id = ? AND currency = ?", partyID, currency).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = model.Wallet{PartyID: partyID, Currency: currency, Balance: decimal.Zero, HeldBalance: decimal.Zero}
	if err := tx.WithContext(ctx).Create(&w).Error; err != nil {
		// a concurrent first touch won the insert; surface as a conflict so
		// the caller's retry re-reads the committed row
		if isDuplicateKey(err) {
			return nil, escrow.ErrConflict
		}
		return nil, err
	}
	return &w, nil
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, balance, held decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":      balance,
			"held_balance": held,
			"version":      oldVersion + 1,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return escrow.ErrConflict
	}
	return nil
}

// SumHeldBalances totals held custody across wallets for one currency.
func (r *Repository) SumHeldBalances(ctx context.Context, tx *gorm.DB, currency string) (decimal.Decimal, error) {
	var row struct{ Total decimal.Decimal }
	err := tx.WithContext(ctx).Model(&model.Wallet{}).
		Select("COALESCE(SUM(held_balance), 0) AS total").
		Where("currency = ?", currency).
		Scan(&row).Error
	return row.Total, err
}

// SumEscrowedGross totals gross amounts of FUNDED/ACTIVE transactions.
func (r *Repository) SumEscrowedGross(ctx context.Context, tx *gorm.DB, currency string) (decimal.Decimal, error) {
	var row struct{ Total decimal.Decimal }
	err := tx.WithContext(ctx).Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("currency = ? AND status IN ?", currency, []string{model.StatusFunded, model.StatusActive}).
		Scan(&row).Error
	return row.Total, err
}

// GetProcessedEvent checks the dedup gate.
func (r *Repository) GetProcessedEvent(ctx context.Context, tx *gorm.DB, eventID string) (*model.ProcessedEvent, error) {
	var rec model.ProcessedEvent
	err := tx.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// CreateProcessedEvent inserts the dedup record; the unique primary key is
// the exclusivity gate under concurrent delivery. Losing the insert race is
// a conflict: the retrying caller re-reads the winner's recorded outcome.
func (r *Repository) CreateProcessedEvent(ctx context.Context, tx *gorm.DB, rec *model.ProcessedEvent) error {
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrConflict
		}
		return err
	}
	return nil
}

// NextAuditSeq returns the next per-transaction audit sequence number.
func (r *Repository) NextAuditSeq(ctx context.Context, tx *gorm.DB, transactionID string) (uint64, error) {
	var count int64
	if err := tx.WithContext(ctx).Model(&model.AuditLog{}).
		Where("transaction_id = ?", transactionID).Count(&count).Error; err != nil {
		return 0, err
	}
	return uint64(count) + 1, nil
}

// AppendAudit writes one immutable trail entry. A sequence-number collision
// means a concurrent transition claimed the slot first.
func (r *Repository) AppendAudit(ctx context.Context, tx *gorm.DB, entry *model.AuditLog) error {
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrConflict
		}
		return err
	}
	return nil
}

// AuditTrail lists a transaction's entries in applied order.
func (r *Repository) AuditTrail(ctx context.Context, transactionID string) ([]model.AuditLog, error) {
	var entries []model.AuditLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("seq").
		Find(&entries).Error
	return entries, err
}

func (r *Repository) CreateDispute(ctx context.Context, tx *gorm.DB, d *model.Dispute) error {
	return tx.WithContext(ctx).Create(d).Error
}

func (r *Repository) GetDispute(ctx context.Context, tx *gorm.DB, transactionID string) (*model.Dispute, error) {
	var d model.Dispute
	if err := tx.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *Repository) CloseDispute(ctx context.Context, tx *gorm.DB, transactionID, resolver, resolution string, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.Dispute{}).
		Where("transaction_id = ? AND resolved_at IS NULL", transactionID).
		Updates(map[string]interface{}{
			"resolver":    resolver,
			"resolution":  resolution,
			"resolved_at": at,
		}).Error
}

func (r *Repository) CreatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout) error {
	return tx.WithContext(ctx).Create(p).Error
}

func (r *Repository) GetPayout(ctx context.Context, tx *gorm.DB, id string) (*model.Payout, error) {
	var p model.Payout
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetPayoutByHandle(ctx context.Context, tx *gorm.DB, handleID string) (*model.Payout, error) {
	var p model.Payout
	if err := tx.WithContext(ctx).Where("handle_id = ?", handleID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) UpdatePayout(ctx context.Context, tx *gorm.DB, p *model.Payout) error {
	return tx.WithContext(ctx).Model(&model.Payout{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"status":          p.Status,
			"attempts":        p.Attempts,
			"next_attempt_at": p.NextAttemptAt,
			"handle_id":       p.HandleID,
			"last_error":      p.LastError,
			"updated_at":      time.Now(),
		}).Error
}

// DuePayouts lists payouts ready for a dispatch attempt.
func (r *Repository) DuePayouts(ctx context.Context, now time.Time, limit int) ([]model.Payout, error) {
	var ps []model.Payout
	err := r.db.WithContext(ctx).
		Where("status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			[]string{model.PayoutRequested, model.PayoutFailed}, now).
		Order("created_at").
		Limit(limit).
		Find(&ps).Error
	return ps, err
}

// BlockedPayouts lists a vendor's KYC_BLOCKED payouts.
func (r *Repository) BlockedPayouts(ctx context.Context, tx *gorm.DB, vendorID string) ([]model.Payout, error) {
	var ps []model.Payout
	err := tx.WithContext(ctx).
		Where("vendor_id = ? AND status = ?", vendorID, model.PayoutKYCBlocked).
		Find(&ps).Error
	return ps, err
}

func (r *Repository) GetUser(ctx context.Context, tx *gorm.DB, id string) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *Repository) SetUserKYCVerified(ctx context.Context, tx *gorm.DB, id string) error {
	return tx.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"kyc_verified": true, "updated_at": time.Now()}).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", evt.AggregateID, evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheTransaction stores a read-model snapshot in redis.
func (r *Repository) CacheTransaction(ctx context.Context, t *model.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, "txn:"+t.ID, data, 5*time.Minute).Err()
}

// GetCachedTransaction reads the redis snapshot.
func (r *Repository) GetCachedTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	data, err := r.rdb.Get(ctx, "txn:"+id).Bytes()
	if err != nil {
		return nil, err
	}
	var t model.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
