package cvs

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementTiers(t *testing.T) {
	cases := []struct {
		name        string
		amount      int64
		licenseType string
		want        int64
	}{
		{"exclusive upper", 100, "EXCLUSIVE", 10},
		{"enterprise", 100, "Enterprise Seat", 10},
		{"commercial", 100, "Commercial License", 5},
		{"standard", 100, "standard", 2},
		{"empty type", 100, "", 2},
		{"zero amount", 0, "exclusive", 0},
		{"floors", 99, "commercial", 4},
		{"exclusive wins over commercial", 100, "commercial-exclusive", 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Increment(big.NewInt(tc.amount), tc.licenseType)
			assert.Equal(t, 0, got.Cmp(big.NewInt(tc.want)), "got %s", got)
		})
	}
}

func TestIncrementEighteenDecimals(t *testing.T) {
	amount, _ := new(big.Int).SetString("5000000000000000000", 10)
	want, _ := new(big.Int).SetString("250000000000000000", 10)

	got := Increment(amount, "commercial")
	assert.Equal(t, want.String(), got.String())

	next := Next(big.NewInt(1000), amount, "commercial")
	assert.Equal(t, "250000000000001000", next.String())
}

func TestIncrementNilAndNegative(t *testing.T) {
	assert.Equal(t, 0, Increment(nil, "exclusive").Sign())
	assert.Equal(t, 0, Increment(big.NewInt(-5), "exclusive").Sign())
	assert.Equal(t, "7", Next(nil, big.NewInt(70), "exclusive").String())
}

func TestRate(t *testing.T) {
	bps, tier := Rate("Exclusive Commercial")
	assert.Equal(t, int64(1000), bps)
	assert.Equal(t, TierPremium, tier)

	bps, tier = Rate("COMMERCIAL")
	assert.Equal(t, int64(500), bps)
	assert.Equal(t, TierCommercial, tier)

	bps, tier = Rate("personal")
	assert.Equal(t, int64(200), bps)
	assert.Equal(t, TierStandard, tier)
}
