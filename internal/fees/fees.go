// Package fees computes the commission/processing-fee/net split for a payout.
//
// All arithmetic is done in integer pence. Decimal values only appear at
// presentation boundaries (API input/output), via Parse and Format.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrFeeExceedsAmount = errors.New("fees exceed gross amount")
)

// Pence is a currency amount in integer minor units.
type Pence int64

// Tier is a seller's commission tier (subscription level).
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
	TierPGAPro   Tier = "pga-pro"
)

// Rail is a payout delivery channel.
type Rail string

const (
	RailBank   Rail = "bank"
	RailWallet Rail = "wallet"
)

// Valid reports whether r names a known rail.
func (r Rail) Valid() bool {
	return r == RailBank || r == RailWallet
}

// Commission rates in basis points by tier.
const (
	rateFree     = 500 // 5%
	ratePro      = 300 // 3%
	rateBusiness = 300 // 3%
	ratePGAPro   = 100 // 1%
)

// Bank rail processing: 2.9% of (gross - 20p) + 20p. Wallet rail: flat 20p.
const (
	bankFeeBps  = 290
	fixedFee    = Pence(20)
	bpsPerWhole = 10000
)

// CommissionRate returns the commission rate in basis points for a tier.
// Unknown tiers get the free tier's rate, which fails safe toward the
// platform rather than undercharging.
func CommissionRate(tier Tier) int64 {
	switch tier {
	case TierFree:
		return rateFree
	case TierPro:
		return ratePro
	case TierBusiness:
		return rateBusiness
	case TierPGAPro:
		return ratePGAPro
	default:
		return rateFree
	}
}

// Split is the outcome of dividing a gross amount between the platform
// and the seller.
type Split struct {
	Gross          Pence `json:"gross"`
	CommissionRate int64 `json:"commissionRateBps"`
	Commission     Pence `json:"commission"`
	ProcessingFee  Pence `json:"processingFee"`
	Net            Pence `json:"net"`
}

// ComputeSplit divides gross between commission, processing fee, and seller
// net for the given tier and rail. Commission + ProcessingFee + Net always
// equals Gross. Returns ErrFeeExceedsAmount if the net would be negative.
func ComputeSplit(gross Pence, tier Tier, rail Rail) (Split, error) {
	if gross <= 0 {
		return Split{}, ErrInvalidAmount
	}

	rate := CommissionRate(tier)
	commission := mulBps(gross, rate)

	// The bank rail's percentage applies to the gross net of the fixed
	// fee: £100.00 on 2.9%+20p charges 289p + 20p, not 290p + 20p.
	fee := fixedFee
	if rail == RailBank {
		base := gross - fixedFee
		if base < 0 {
			base = 0
		}
		fee += mulBps(base, bankFeeBps)
	}

	net := gross - commission - fee
	if net < 0 {
		return Split{}, ErrFeeExceedsAmount
	}

	return Split{
		Gross:          gross,
		CommissionRate: rate,
		Commission:     commission,
		ProcessingFee:  fee,
		Net:            net,
	}, nil
}

// mulBps multiplies an amount by a basis-point rate, rounding half-up.
func mulBps(amount Pence, bps int64) Pence {
	return Pence((int64(amount)*bps + bpsPerWhole/2) / bpsPerWhole)
}

// Parse converts a decimal string amount ("100.00") into pence.
// Rejects more than two decimal places and non-positive amounts.
func Parse(s string) (Pence, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	minor := d.Mul(decimal.NewFromInt(100))
	if !minor.IsInteger() {
		return 0, errors.New("amount has more than two decimal places")
	}
	if !minor.IsPositive() {
		return 0, ErrInvalidAmount
	}
	return Pence(minor.IntPart()), nil
}

// Format renders pence as a decimal string with two places ("93.91").
func Format(p Pence) string {
	return decimal.New(int64(p), -2).StringFixed(2)
}
