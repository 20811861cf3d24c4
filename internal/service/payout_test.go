package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/model"
)

type fakeDisburser struct {
	mu    sync.Mutex
	calls []PayoutRequest
	fail  bool
}

func (f *fakeDisburser) Send(_ context.Context, req PayoutRequest) (PayoutHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail {
		return PayoutHandle{}, fmt.Errorf("%w: provider 502", escrow.ErrExternalService)
	}
	return PayoutHandle{HandleID: "handle-" + req.IdempotencyKey}, nil
}

func testPayoutCfg(maxAttempts int) PayoutConfig {
	return PayoutConfig{
		MaxAttempts: maxAttempts,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		SendTimeout: 5 * time.Second,
	}
}

func seedPayout(t *testing.T, h *harness, id, status string, next *time.Time) {
	require.NoError(t, h.db.Create(&model.Payout{
		ID:             id,
		TransactionID:  "txn-" + id,
		VendorID:       "vendor-1",
		Currency:       "NGN",
		Amount:         d("8350"),
		Status:         status,
		NextAttemptAt:  next,
		IdempotencyKey: "evt-release-" + id,
	}).Error)
}

func (h *harness) payout(t *testing.T, id string) model.Payout {
	var p model.Payout
	require.NoError(t, h.db.First(&p, "id = ?", id).Error)
	return p
}

func TestPayout_KYCGateAndResume(t *testing.T) {
	h := newHarness(t, "po_kyc")
	h.seedUsers(t, false)
	disb := &fakeDisburser{}
	orch := NewPayoutOrchestrator(h.repo, disb, testPayoutCfg(5), zap.NewNop().Sugar())
	ctx := context.Background()

	seedPayout(t, h, "p1", model.PayoutKYCBlocked, nil)

	// parked payouts are not due and never reach the capability
	n, err := orch.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, disb.calls)

	resumed, err := orch.OnVendorVerified(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, model.PayoutRequested, h.payout(t, "p1").Status)

	n, err = orch.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := h.payout(t, "p1")
	assert.Equal(t, model.PayoutSent, p.Status)
	require.NotNil(t, p.HandleID)
	assert.Equal(t, "handle-evt-release-p1", *p.HandleID)
	require.Len(t, disb.calls, 1)
	assert.Equal(t, "evt-release-p1", disb.calls[0].IdempotencyKey)
	assert.True(t, disb.calls[0].Amount.Equal(d("8350")))
}

func TestPayout_UnverifiedVendorParksBeforeSend(t *testing.T) {
	h := newHarness(t, "po_park")
	h.seedUsers(t, false)
	disb := &fakeDisburser{}
	orch := NewPayoutOrchestrator(h.repo, disb, testPayoutCfg(5), zap.NewNop().Sugar())

	// queued while the vendor was verified, vendor lapsed before dispatch
	now := time.Now()
	seedPayout(t, h, "p1", model.PayoutRequested, &now)

	n, err := orch.RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.PayoutKYCBlocked, h.payout(t, "p1").Status)
	assert.Empty(t, disb.calls, "an unverified vendor must not burn a send attempt")
}

func TestPayout_OutcomeConfirmedIsIdempotent(t *testing.T) {
	h := newHarness(t, "po_confirm")
	h.seedUsers(t, true)
	disb := &fakeDisburser{}
	orch := NewPayoutOrchestrator(h.repo, disb, testPayoutCfg(5), zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now()
	seedPayout(t, h, "p1", model.PayoutRequested, &now)
	_, err := orch.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, model.PayoutSent, h.payout(t, "p1").Status)

	err = orch.IngestPayoutOutcome(ctx, PayoutOutcomeEvent{
		EventID:  "evt-outcome-1",
		HandleID: "handle-evt-release-p1",
		Status:   model.PayoutConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PayoutConfirmed, h.payout(t, "p1").Status)

	// redelivered outcome report, even contradictory, is absorbed by the gate
	err = orch.IngestPayoutOutcome(ctx, PayoutOutcomeEvent{
		EventID:  "evt-outcome-1",
		HandleID: "handle-evt-release-p1",
		Status:   model.PayoutFailed,
		Reason:   "late bounce",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PayoutConfirmed, h.payout(t, "p1").Status)
}

func TestPayout_RetryBackoffToManualReview(t *testing.T) {
	h := newHarness(t, "po_retry")
	h.seedUsers(t, true)
	disb := &fakeDisburser{fail: true}
	orch := NewPayoutOrchestrator(h.repo, disb, testPayoutCfg(2), zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now()
	seedPayout(t, h, "p1", model.PayoutRequested, &now)

	_, err := orch.RunDue(ctx)
	require.NoError(t, err)
	p := h.payout(t, "p1")
	assert.Equal(t, model.PayoutFailed, p.Status)
	assert.Equal(t, 1, p.Attempts)
	require.NotNil(t, p.NextAttemptAt)
	assert.True(t, p.NextAttemptAt.After(time.Now().Add(20*time.Second)), "first retry waits the backoff base")
	require.NotNil(t, p.LastError)

	// a failed payout is invisible to the dispatcher until its backoff elapses
	n, err := orch.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, disb.calls, 1)

	past := time.Now().Add(-time.Second)
	require.NoError(t, h.db.Model(&model.Payout{}).Where("id = ?", "p1").
		Update("next_attempt_at", past).Error)

	_, err = orch.RunDue(ctx)
	require.NoError(t, err)
	p = h.payout(t, "p1")
	assert.Equal(t, model.PayoutManualReview, p.Status)
	assert.Equal(t, 2, p.Attempts)
	assert.Nil(t, p.NextAttemptAt)

	// MANUAL_REVIEW is out of the retry loop for good
	n, err = orch.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, disb.calls, 2)
}

func TestPayout_SentFailureReschedules(t *testing.T) {
	h := newHarness(t, "po_bounce")
	h.seedUsers(t, true)
	disb := &fakeDisburser{}
	orch := NewPayoutOrchestrator(h.repo, disb, testPayoutCfg(5), zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now()
	seedPayout(t, h, "p1", model.PayoutRequested, &now)
	_, err := orch.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, model.PayoutSent, h.payout(t, "p1").Status)

	err = orch.IngestPayoutOutcome(ctx, PayoutOutcomeEvent{
		EventID:  "evt-outcome-1",
		HandleID: "handle-evt-release-p1",
		Status:   model.PayoutFailed,
		Reason:   "beneficiary account closed",
	})
	require.NoError(t, err)

	p := h.payout(t, "p1")
	assert.Equal(t, model.PayoutFailed, p.Status)
	assert.Equal(t, 2, p.Attempts)
	require.NotNil(t, p.NextAttemptAt)
}

func TestPayout_Cancel(t *testing.T) {
	h := newHarness(t, "po_cancel")
	h.seedUsers(t, true)
	orch := NewPayoutOrchestrator(h.repo, &fakeDisburser{}, testPayoutCfg(5), zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now()
	seedPayout(t, h, "p1", model.PayoutRequested, &now)

	err := orch.Cancel(ctx, "p1", "vendor-1")
	assert.ErrorIs(t, err, escrow.ErrForbidden)
	assert.Equal(t, model.PayoutRequested, h.payout(t, "p1").Status)

	require.NoError(t, orch.Cancel(ctx, "p1", "admin-1"))
	assert.Equal(t, model.PayoutManualReview, h.payout(t, "p1").Status)

	seedPayout(t, h, "p2", model.PayoutConfirmed, nil)
	err = orch.Cancel(ctx, "p2", "admin-1")
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)
}
