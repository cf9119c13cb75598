// Package cvs maps license sales to Collateral Value Score increments.
package cvs

import (
	"math/big"
	"strings"
)

const bpsDenominator = 10000

// Tier names reported alongside the rate.
const (
	TierPremium    = "premium"
	TierCommercial = "commercial"
	TierStandard   = "standard"
)

const (
	premiumBps    int64 = 1000
	commercialBps int64 = 500
	standardBps   int64 = 200
)

// MaxRateBps is the highest rate any license type can map to.
const MaxRateBps = premiumBps

// Rate returns the rate in basis points applied to a license type.
func Rate(licenseType string) (int64, string) {
	lt := strings.ToLower(licenseType)
	switch {
	case strings.Contains(lt, "exclusive"), strings.Contains(lt, "enterprise"):
		return premiumBps, TierPremium
	case strings.Contains(lt, "commercial"):
		return commercialBps, TierCommercial
	default:
		return standardBps, TierStandard
	}
}

// Increment returns floor(saleAmount * rate(licenseType)).
// A nil or negative amount yields zero.
func Increment(saleAmount *big.Int, licenseType string) *big.Int {
	if saleAmount == nil || saleAmount.Sign() <= 0 {
		return new(big.Int)
	}
	bps, _ := Rate(licenseType)
	out := new(big.Int).Mul(saleAmount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Next returns current + Increment(saleAmount, licenseType).
func Next(current *big.Int, saleAmount *big.Int, licenseType string) *big.Int {
	base := new(big.Int)
	if current != nil {
		base.Set(current)
	}
	return base.Add(base, Increment(saleAmount, licenseType))
}
