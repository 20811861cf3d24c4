package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/rates"
	"github.com/trustbridge/escrow-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.EscrowService, orch *service.PayoutOrchestrator, oracle rates.Oracle) {
	v1 := r.Group("/v1")
	{
		v1.POST("/transactions", createTransactionHandler(svc))
		v1.GET("/transactions/:id", getTransactionHandler(svc, oracle))
		v1.GET("/transactions/:id/audit", auditTrailHandler(svc))
		v1.POST("/transactions/:id/activate", activateHandler(svc))
		v1.POST("/transactions/:id/release", releaseHandler(svc))
		v1.POST("/transactions/:id/refund", refundHandler(svc))
		v1.POST("/transactions/:id/dispute", disputeHandler(svc))
		v1.POST("/transactions/:id/resolve", resolveHandler(svc))
		v1.POST("/events/charge-confirmed", chargeConfirmedHandler(svc))
		v1.POST("/events/payout-outcome", payoutOutcomeHandler(orch))
		v1.POST("/vendors/:id/kyc-verified", vendorVerifiedHandler(orch))
		v1.POST("/payouts/:id/cancel", cancelPayoutHandler(orch))
	}
}

// writeError maps the engine's error taxonomy onto HTTP statuses without
// leaking internal state: permanent rejections are 4xx, transients tell the
// caller to retry later.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, escrow.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrExternalService):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type createTransactionReq struct {
	BuyerID     string `json:"buyer_id" binding:"required"`
	VendorID    string `json:"vendor_id" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func createTransactionHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTransactionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		txn, err := svc.CreateTransaction(c, service.CreateTransactionRequest{
			BuyerID:     req.BuyerID,
			VendorID:    req.VendorID,
			Currency:    req.Currency,
			Amount:      amt,
			Description: req.Description,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, txn)
	}
}

func getTransactionHandler(svc *service.EscrowService, oracle rates.Oracle) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn, err := svc.GetTransaction(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		resp := gin.H{"transaction": txn}
		// Display conversion only; settlement stays in the transaction's
		// own currency.
		if q := c.Query("display_currency"); q != "" && q != txn.Currency {
			if converted, cerr := rates.Convert(c, oracle, txn.Amount, txn.Currency, q); cerr == nil {
				resp["display"] = gin.H{"currency": q, "amount": converted}
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func auditTrailHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := svc.GetAuditTrail(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type chargeConfirmedReq struct {
	EventID        string `json:"event_id" binding:"required"`
	TransactionRef string `json:"transaction_ref" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	ProcessorFee   string `json:"processor_fee"`
}

func chargeConfirmedHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chargeConfirmedReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		procFee := decimal.Zero
		if req.ProcessorFee != "" {
			if procFee, err = decimal.NewFromString(req.ProcessorFee); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processor_fee"})
				return
			}
		}
		res, err := svc.IngestChargeConfirmed(c, service.ChargeConfirmedEvent{
			EventID:        req.EventID,
			TransactionRef: req.TransactionRef,
			Amount:         amt,
			Currency:       req.Currency,
			ProcessorFee:   procFee,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "duplicate": res.Duplicate, "status": res.Transaction.Status})
	}
}

type actorReq struct {
	Actor string `json:"actor" binding:"required"`
}

func activateHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actorReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.Activate(c, c.Param("id"), req.Actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "status": res.Transaction.Status})
	}
}

type releaseReq struct {
	EventID      string `json:"event_id"`
	Actor        string `json:"actor" binding:"required"`
	ProcessorFee string `json:"processor_fee"`
}

func releaseHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req releaseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		procFee := decimal.Zero
		if req.ProcessorFee != "" {
			var err error
			if procFee, err = decimal.NewFromString(req.ProcessorFee); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processor_fee"})
				return
			}
		}
		res, err := svc.ConfirmRelease(c, c.Param("id"), req.EventID, req.Actor, procFee)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "duplicate": res.Duplicate, "status": res.Transaction.Status})
	}
}

type refundReq struct {
	EventID string `json:"event_id"`
	Actor   string `json:"actor" binding:"required"`
}

func refundHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.ConfirmRefund(c, c.Param("id"), req.EventID, req.Actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "duplicate": res.Duplicate, "status": res.Transaction.Status})
	}
}

type disputeReq struct {
	EventID string `json:"event_id"`
	Actor   string `json:"actor" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func disputeHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req disputeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.RaiseDispute(c, c.Param("id"), req.EventID, req.Actor, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "status": res.Transaction.Status})
	}
}

type resolveReq struct {
	AdminID      string `json:"admin_id" binding:"required"`
	Resolution   string `json:"resolution" binding:"required"`
	ProcessorFee string `json:"processor_fee"`
}

func resolveHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		procFee := decimal.Zero
		if req.ProcessorFee != "" {
			var err error
			if procFee, err = decimal.NewFromString(req.ProcessorFee); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processor_fee"})
				return
			}
		}
		res, err := svc.ResolveDispute(c, c.Param("id"), req.AdminID, req.Resolution, procFee)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "duplicate": res.Duplicate, "status": res.Transaction.Status})
	}
}

type payoutOutcomeReq struct {
	EventID  string `json:"event_id" binding:"required"`
	HandleID string `json:"handle_id" binding:"required"`
	Status   string `json:"status" binding:"required"`
	Reason   string `json:"reason"`
}

func payoutOutcomeHandler(orch *service.PayoutOrchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payoutOutcomeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := orch.IngestPayoutOutcome(c, service.PayoutOutcomeEvent{
			EventID:  req.EventID,
			HandleID: req.HandleID,
			Status:   req.Status,
			Reason:   req.Reason,
		}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	}
}

func vendorVerifiedHandler(orch *service.PayoutOrchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		resumed, err := orch.OnVendorVerified(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"resumed_payouts": resumed})
	}
}

type cancelPayoutReq struct {
	AdminID string `json:"admin_id" binding:"required"`
}

func cancelPayoutHandler(orch *service.PayoutOrchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelPayoutReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := orch.Cancel(c, c.Param("id"), req.AdminID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "MANUAL_REVIEW"})
	}
}
