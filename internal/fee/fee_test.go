package fee

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeReferenceScenario(t *testing.T) {
	b := Compute(dec("100000"), dec("6.5"))
	assert.True(t, b.Fee.Equal(dec("6500.00")), b.Fee.String())
	assert.True(t, b.Net.Equal(dec("93500.00")), b.Net.String())
}

func TestComputeRounding(t *testing.T) {
	tests := []struct {
		amount, pct, fee, net string
	}{
		{"0.01", "5", "0.00", "0.01"},
		{"0.10", "5", "0.01", "0.09"}, // 0.005 rounds up
		{"333.33", "6.5", "21.67", "311.66"},
		{"1234.56", "7.25", "89.51", "1145.05"},
		{"99.99", "8", "8.00", "91.99"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"@"+tt.pct, func(t *testing.T) {
			b := Compute(dec(tt.amount), dec(tt.pct))
			assert.True(t, b.Fee.Equal(dec(tt.fee)), "fee %s", b.Fee)
			assert.True(t, b.Net.Equal(dec(tt.net)), "net %s", b.Net)
		})
	}
}

func TestNetPlusFeeEqualsAmount(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	pcts := []decimal.Decimal{dec("5"), dec("5.5"), dec("6.5"), dec("7.25"), dec("8")}
	for i := 0; i < 5000; i++ {
		cents := r.Int63n(100_000_000) + 1
		amount := decimal.New(cents, -2)
		pct := pcts[i%len(pcts)]

		b := Compute(amount, pct)
		require.True(t, b.Net.Add(b.Fee).Equal(amount), "amount=%s pct=%s", amount, pct)
		require.True(t, b.Fee.Equal(b.Fee.Round(2)))
		require.False(t, b.Net.IsNegative())
	}
}

func TestValidatePercentage(t *testing.T) {
	for _, ok := range []string{"5", "5.00", "6.5", "8"} {
		assert.NoError(t, ValidatePercentage(dec(ok)), ok)
	}
	for _, bad := range []string{"4.99", "8.01", "0", "-5", "10", "6.555"} {
		assert.Error(t, ValidatePercentage(dec(bad)), bad)
	}
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(dec("0.01")))
	assert.NoError(t, ValidateAmount(dec("100000")))
	assert.Error(t, ValidateAmount(dec("0")))
	assert.Error(t, ValidateAmount(dec("-1")))
	assert.Error(t, ValidateAmount(dec("1.005")))
}
