package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trustbridge/escrow-service/internal/model"
)

func seedActive(t *testing.T, h *harness, id, ref string, lastActivity time.Time) {
	require.NoError(t, h.db.Create(&model.Transaction{
		ID: id, Reference: ref,
		BuyerID: "buyer-1", VendorID: "vendor-1",
		Currency: "NGN", Amount: d("10000"),
		Status:         model.StatusActive,
		LastActivityAt: lastActivity,
		Version:        1,
	}).Error)
}

func TestWatchdog_EscalatesStaleOnly(t *testing.T) {
	h := newHarness(t, "wd_stale")
	h.seedUsers(t, true)
	threshold := 14 * 24 * time.Hour

	seedActive(t, h, "stale-1", "TB-20240101-WD000001", time.Now().Add(-threshold-time.Second))
	seedActive(t, h, "fresh-1", "TB-20240101-WD000002", time.Now().Add(-time.Hour))

	wd := NewWatchdog(h.repo, h.svc, func() time.Duration { return threshold }, 100, zap.NewNop().Sugar())
	n, err := wd.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var stale, fresh model.Transaction
	require.NoError(t, h.db.First(&stale, "id = ?", "stale-1").Error)
	require.NoError(t, h.db.First(&fresh, "id = ?", "fresh-1").Error)
	assert.Equal(t, model.StatusDisputed, stale.Status)
	assert.Equal(t, model.StatusActive, fresh.Status)

	var dispute model.Dispute
	require.NoError(t, h.db.First(&dispute, "transaction_id = ?", "stale-1").Error)
	assert.Equal(t, model.DisputeReasonInactivity, dispute.Reason)
}

func TestWatchdog_RepeatedSweepsEscalateOnce(t *testing.T) {
	h := newHarness(t, "wd_repeat")
	h.seedUsers(t, true)
	threshold := 14 * 24 * time.Hour
	seedActive(t, h, "stale-1", "TB-20240101-WD000003", time.Now().Add(-threshold-time.Second))

	wd := NewWatchdog(h.repo, h.svc, func() time.Duration { return threshold }, 100, zap.NewNop().Sugar())
	ctx := context.Background()

	total := 0
	for i := 0; i < 3; i++ {
		n, err := wd.Sweep(ctx)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 1, total, "overlapping sweeps must escalate exactly once")

	var disputes int64
	require.NoError(t, h.db.Model(&model.Dispute{}).Where("transaction_id = ?", "stale-1").Count(&disputes).Error)
	assert.Equal(t, int64(1), disputes)

	var applied int64
	require.NoError(t, h.db.Model(&model.AuditLog{}).
		Where("transaction_id = ? AND outcome = ?", "stale-1", "applied:"+model.StatusDisputed).
		Count(&applied).Error)
	assert.Equal(t, int64(1), applied)
}

func TestWatchdog_BatchBound(t *testing.T) {
	h := newHarness(t, "wd_batch")
	h.seedUsers(t, true)
	threshold := 14 * 24 * time.Hour
	for i := 0; i < 3; i++ {
		seedActive(t, h, "stale-"+string(rune('a'+i)), "TB-20240101-WDB0000"+string(rune('1'+i)),
			time.Now().Add(-threshold-time.Minute))
	}

	wd := NewWatchdog(h.repo, h.svc, func() time.Duration { return threshold }, 2, zap.NewNop().Sugar())
	ctx := context.Background()

	n, err := wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
