// Package escrow holds the pure decision core of the ledger engine: given a
// transaction's current persisted state and an inbound event, it determines
// the next state, the wallet balance deltas, and whether the event is a
// replay that must be a no-op. It performs no I/O and reads no clock.
package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trustbridge/escrow-service/internal/model"
)

// EventType identifies the kind of inbound event.
type EventType string

const (
	EventChargeConfirmed   EventType = "charge.confirmed"
	EventActivate          EventType = "escrow.activate"
	EventReleaseConfirmed  EventType = "escrow.release_confirmed"
	EventRefundAgreed      EventType = "escrow.refund_agreed"
	EventDisputeRaised     EventType = "escrow.dispute_raised"
	EventInactivityTimeout EventType = "escrow.inactivity_timeout"
	EventDisputeResolved   EventType = "escrow.dispute_resolved"
)

// Event is the normalized form every inbound trigger is reduced to before
// it reaches the state machine.
type Event struct {
	Type          EventType
	Actor         string
	Amount        decimal.Decimal
	Currency      string
	ProcessorFee  decimal.Decimal
	DisputeReason string
	Resolution    string
}

// Policy is the configuration input the state machine depends on.
type Policy struct {
	FeeRate      decimal.Decimal
	AutoActivate bool
}

// WalletDelta is a signed balance adjustment for one (party, currency)
// wallet, applied atomically with the state transition.
type WalletDelta struct {
	PartyID   string
	Currency  string
	Available decimal.Decimal
	Held      decimal.Decimal
}

// PayoutIntent asks the payout orchestrator to disburse Amount to the
// vendor once the transition committed.
type PayoutIntent struct {
	VendorID string
	Currency string
	Amount   decimal.Decimal
}

// Decision is the state machine's verdict on one event.
type Decision struct {
	Next         string
	Replay       bool
	Deltas       []WalletDelta
	Fees         *FeeBreakdown
	OpenDispute  string // dispute reason, empty when no dispute opens
	CloseDispute string // resolution, empty when no dispute closes
	Payout       *PayoutIntent
}

// Decide evaluates ev against txn's current state under pol. It returns
// ErrValidation for malformed or mismatched events, ErrInvalidTransition for
// events that do not apply to the current state, and a Replay decision when
// the transaction is already in the event's target state.
func Decide(txn *model.Transaction, ev Event, pol Policy) (Decision, error) {
	switch ev.Type {
	case EventChargeConfirmed:
		return decideCharge(txn, ev, pol)
	case EventActivate:
		return decideActivate(txn)
	case EventReleaseConfirmed:
		return decideRelease(txn, ev, pol)
	case EventRefundAgreed:
		return decideRefund(txn)
	case EventDisputeRaised, EventInactivityTimeout:
		return decideDispute(txn, ev)
	case EventDisputeResolved:
		return decideResolution(txn, ev, pol)
	default:
		return Decision{}, fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.Type)
	}
}

func decideCharge(txn *model.Transaction, ev Event, pol Policy) (Decision, error) {
	if !ev.Amount.Equal(txn.Amount) || ev.Currency != txn.Currency {
		return Decision{}, fmt.Errorf("%w: charge %s %s does not match transaction %s %s",
			ErrValidation, ev.Amount, ev.Currency, txn.Amount, txn.Currency)
	}
	target := model.StatusFunded
	if pol.AutoActivate {
		target = model.StatusActive
	}
	if txn.Status == target {
		return Decision{Next: txn.Status, Replay: true}, nil
	}
	if txn.Status != model.StatusPending {
		return Decision{}, fmt.Errorf("%w: charge.confirmed in state %s", ErrInvalidTransition, txn.Status)
	}
	return Decision{
		Next: target,
		Deltas: []WalletDelta{{
			PartyID:  model.PlatformEscrowParty,
			Currency: txn.Currency,
			Held:     txn.Amount,
		}},
	}, nil
}

func decideActivate(txn *model.Transaction) (Decision, error) {
	switch txn.Status {
	case model.StatusActive:
		return Decision{Next: txn.Status, Replay: true}, nil
	case model.StatusFunded:
		return Decision{Next: model.StatusActive}, nil
	default:
		return Decision{}, fmt.Errorf("%w: activate in state %s", ErrInvalidTransition, txn.Status)
	}
}

func decideRelease(txn *model.Transaction, ev Event, pol Policy) (Decision, error) {
	if txn.Status == model.StatusReleased {
		return Decision{Next: txn.Status, Replay: true}, nil
	}
	if txn.Status != model.StatusActive {
		return Decision{}, fmt.Errorf("%w: release in state %s", ErrInvalidTransition, txn.Status)
	}
	return releaseDecision(txn, ev.ProcessorFee, pol, "")
}

// releaseDecision builds the shared balance mechanics of a release: held
// custody drops to zero, the vendor is credited net, platform revenue is
// credited the fee. The processor fee leaves the platform entirely; when the
// release event carries none, the fee reported at funding time is used.
func releaseDecision(txn *model.Transaction, processorFee decimal.Decimal, pol Policy, resolution string) (Decision, error) {
	if processorFee.IsZero() && txn.ProcessorFee != nil {
		processorFee = *txn.ProcessorFee
	}
	fees, err := ComputeFees(txn.Amount, pol.FeeRate, processorFee, txn.Currency)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Next: model.StatusReleased,
		Fees: &fees,
		Deltas: []WalletDelta{
			{PartyID: model.PlatformEscrowParty, Currency: txn.Currency, Held: txn.Amount.Neg()},
			{PartyID: txn.VendorID, Currency: txn.Currency, Available: fees.Net},
			{PartyID: model.PlatformRevenueParty, Currency: txn.Currency, Available: fees.PlatformFee},
		},
		CloseDispute: resolution,
		Payout: &PayoutIntent{
			VendorID: txn.VendorID,
			Currency: txn.Currency,
			Amount:   fees.Net,
		},
	}, nil
}

// decideRefund is the mutual-cancellation path out of ACTIVE: the full held
// gross returns to the buyer and no fee is taken.
func decideRefund(txn *model.Transaction) (Decision, error) {
	switch txn.Status {
	case model.StatusRefunded:
		return Decision{Next: txn.Status, Replay: true}, nil
	case model.StatusActive:
		return Decision{
			Next: model.StatusRefunded,
			Deltas: []WalletDelta{
				{PartyID: model.PlatformEscrowParty, Currency: txn.Currency, Held: txn.Amount.Neg()},
				{PartyID: txn.BuyerID, Currency: txn.Currency, Available: txn.Amount},
			},
		}, nil
	default:
		return Decision{}, fmt.Errorf("%w: refund in state %s", ErrInvalidTransition, txn.Status)
	}
}

func decideDispute(txn *model.Transaction, ev Event) (Decision, error) {
	reason := ev.DisputeReason
	if ev.Type == EventInactivityTimeout {
		reason = model.DisputeReasonInactivity
	}
	switch reason {
	case model.DisputeReasonInactivity, model.DisputeReasonBuyer, model.DisputeReasonVendor:
	default:
		return Decision{}, fmt.Errorf("%w: unknown dispute reason %q", ErrValidation, reason)
	}
	switch txn.Status {
	case model.StatusDisputed:
		return Decision{Next: txn.Status, Replay: true}, nil
	case model.StatusActive:
		return Decision{Next: model.StatusDisputed, OpenDispute: reason}, nil
	default:
		return Decision{}, fmt.Errorf("%w: dispute in state %s", ErrInvalidTransition, txn.Status)
	}
}

func decideResolution(txn *model.Transaction, ev Event, pol Policy) (Decision, error) {
	switch ev.Resolution {
	case model.ResolutionRelease, model.ResolutionRefund, model.ResolutionSplit:
	default:
		return Decision{}, fmt.Errorf("%w: unknown resolution %q", ErrValidation, ev.Resolution)
	}
	if txn.Terminal() {
		if txn.Resolution != nil && *txn.Resolution == ev.Resolution {
			return Decision{Next: txn.Status, Replay: true}, nil
		}
		return Decision{}, fmt.Errorf("%w: resolve in terminal state %s", ErrInvalidTransition, txn.Status)
	}
	if txn.Status != model.StatusDisputed {
		return Decision{}, fmt.Errorf("%w: resolve in state %s", ErrInvalidTransition, txn.Status)
	}

	switch ev.Resolution {
	case model.ResolutionRelease:
		return releaseDecision(txn, ev.ProcessorFee, pol, model.ResolutionRelease)
	case model.ResolutionRefund:
		return Decision{
			Next: model.StatusRefunded,
			Deltas: []WalletDelta{
				{PartyID: model.PlatformEscrowParty, Currency: txn.Currency, Held: txn.Amount.Neg()},
				{PartyID: txn.BuyerID, Currency: txn.Currency, Available: txn.Amount},
			},
			CloseDispute: model.ResolutionRefund,
		}, nil
	default: // split
		mu, err := MinorUnits(txn.Currency)
		if err != nil {
			return Decision{}, err
		}
		buyerShare := txn.Amount.Div(decimal.NewFromInt(2)).RoundDown(mu)
		vendorShare := txn.Amount.Sub(buyerShare)
		return Decision{
			Next: model.StatusReleased,
			Deltas: []WalletDelta{
				{PartyID: model.PlatformEscrowParty, Currency: txn.Currency, Held: txn.Amount.Neg()},
				{PartyID: txn.BuyerID, Currency: txn.Currency, Available: buyerShare},
				{PartyID: txn.VendorID, Currency: txn.Currency, Available: vendorShare},
			},
			CloseDispute: model.ResolutionSplit,
			Payout: &PayoutIntent{
				VendorID: txn.VendorID,
				Currency: txn.Currency,
				Amount:   vendorShare,
			},
		}, nil
	}
}
