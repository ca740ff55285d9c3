// Package units converts between display amounts, credits and the integer
// smallest units of on-chain assets. Nothing here touches floating point.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative      = errors.New("amount must not be negative")
	ErrSubUnitAmount = errors.New("amount has more precision than the asset supports")
)

// Pow10 returns 10^decimals.
func Pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// SettlementFromCredits converts a credit count into the settlement asset's
// smallest unit: credits * 10^decimals / creditsPerUnit, truncated.
func SettlementFromCredits(credits int64, decimals uint8, creditsPerUnit int64) *big.Int {
	if creditsPerUnit <= 0 {
		creditsPerUnit = 1
	}
	out := new(big.Int).Mul(big.NewInt(credits), Pow10(decimals))
	return out.Quo(out, big.NewInt(creditsPerUnit))
}

// RewardFromCredits converts a credit count into the reward token's smallest
// unit. One credit is one whole reward token.
func RewardFromCredits(credits int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(credits), Pow10(decimals))
}

// FromDecimal scales a display amount into smallest units. Amounts carrying
// digits below the smallest unit are rejected rather than rounded.
func FromDecimal(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegative
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrSubUnitAmount, amount.String(), decimals)
	}
	return scaled.BigInt(), nil
}

// ToDecimal renders a smallest-unit amount as a display amount.
func ToDecimal(amount *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// CreditsFromDecimal converts a display amount into credits using the
// credits-per-unit ratio; fractional credits are rejected.
func CreditsFromDecimal(amount decimal.Decimal, creditsPerUnit int64) (int64, error) {
	c := amount.Mul(decimal.NewFromInt(creditsPerUnit))
	if !c.Equal(c.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s is not a whole number of credits", ErrSubUnitAmount, amount.String())
	}
	return c.IntPart(), nil
}
