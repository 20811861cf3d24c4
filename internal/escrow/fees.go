package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Supported settlement currencies. All four use two minor-unit digits.
var minorUnits = map[string]int32{
	"NGN": 2,
	"GHS": 2,
	"KES": 2,
	"USD": 2,
}

// MinorUnits returns the number of minor-unit digits for a currency, or an
// error for a currency the platform does not settle.
func MinorUnits(currency string) (int32, error) {
	mu, ok := minorUnits[currency]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported currency %q", ErrValidation, currency)
	}
	return mu, nil
}

// FeeBreakdown is the exact decomposition of a released transaction's gross
// amount: PlatformFee + Net + ProcessorFee == Gross.
type FeeBreakdown struct {
	PlatformFee  decimal.Decimal
	ProcessorFee decimal.Decimal
	Net          decimal.Decimal
}

// ComputeFees decomposes gross into platform fee, processor fee and vendor
// net. The platform fee is truncated (rounded toward zero) to the currency's
// minor unit; any truncation remainder stays inside net, so the breakdown
// always sums back to gross exactly.
func ComputeFees(gross, feeRate, processorFee decimal.Decimal, currency string) (FeeBreakdown, error) {
	mu, err := MinorUnits(currency)
	if err != nil {
		return FeeBreakdown{}, err
	}
	if gross.LessThanOrEqual(decimal.Zero) {
		return FeeBreakdown{}, fmt.Errorf("%w: gross amount must be positive", ErrValidation)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeeBreakdown{}, fmt.Errorf("%w: fee rate %s out of range [0,1)", ErrValidation, feeRate)
	}
	if processorFee.IsNegative() {
		return FeeBreakdown{}, fmt.Errorf("%w: processor fee must not be negative", ErrValidation)
	}

	fee := gross.Mul(feeRate).RoundDown(mu)
	net := gross.Sub(fee).Sub(processorFee)
	if net.IsNegative() {
		return FeeBreakdown{}, fmt.Errorf("%w: fees %s exceed gross %s", ErrValidation, fee.Add(processorFee), gross)
	}
	return FeeBreakdown{PlatformFee: fee, ProcessorFee: processorFee, Net: net}, nil
}
