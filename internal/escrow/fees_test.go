package escrow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestComputeFees_ReferenceScenario(t *testing.T) {
	// gross=10000, feeRate=15%, processorFee=150 -> fee=1500, net=8350
	fees, err := ComputeFees(d("10000"), d("0.15"), d("150"), "NGN")
	assert.NoError(t, err)
	assert.True(t, fees.PlatformFee.Equal(d("1500")), "fee=%s", fees.PlatformFee)
	assert.True(t, fees.Net.Equal(d("8350")), "net=%s", fees.Net)
}

func TestComputeFees_SumsBackToGross(t *testing.T) {
	cases := []struct {
		gross, rate, processor string
	}{
		{"10000", "0.15", "150"},
		{"100.01", "0.15", "0"},
		{"0.03", "0.15", "0"},
		{"999999.99", "0.025", "12.34"},
		{"7", "0.333", "0.01"},
	}
	for _, tc := range cases {
		fees, err := ComputeFees(d(tc.gross), d(tc.rate), d(tc.processor), "USD")
		assert.NoError(t, err, "gross=%s", tc.gross)
		sum := fees.PlatformFee.Add(fees.Net).Add(fees.ProcessorFee)
		assert.True(t, sum.Equal(d(tc.gross)), "gross=%s sum=%s", tc.gross, sum)
	}
}

func TestComputeFees_TruncatesTowardZero(t *testing.T) {
	// 100.01 * 0.15 = 15.0015 -> truncated to 15.00, never 15.01
	fees, err := ComputeFees(d("100.01"), d("0.15"), decimal.Zero, "USD")
	assert.NoError(t, err)
	assert.True(t, fees.PlatformFee.Equal(d("15.00")), "fee=%s", fees.PlatformFee)
	assert.True(t, fees.Net.Equal(d("85.01")), "net=%s", fees.Net)
}

func TestComputeFees_Rejections(t *testing.T) {
	_, err := ComputeFees(d("100"), d("0.15"), decimal.Zero, "EUR")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ComputeFees(d("-5"), d("0.15"), decimal.Zero, "USD")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ComputeFees(d("100"), d("1.5"), decimal.Zero, "USD")
	assert.ErrorIs(t, err, ErrValidation)

	// processor fee swallows the whole gross
	_, err = ComputeFees(d("100"), d("0.15"), d("90"), "USD")
	assert.ErrorIs(t, err, ErrValidation)
}
