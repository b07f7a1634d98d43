// Package amm implements the constant-product automated market maker for
// binary prediction markets.
//
// A market holds two reserves (yes, no) whose product k = yes*no is preserved
// across trades net of fee injection. The implied probability of the YES
// outcome is no/(yes+no): buying YES adds AGP to the NO reserve and removes
// YES shares, pushing the probability up.
//
// Reserves and shares use shopspring/decimal at full precision so the
// invariant does not drift across many trades. AGP amounts are int64; the 2%
// fee is truncated toward zero on the integer amount.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

var (
	// ErrTradeTooSmall is returned when the fee consumes the trade or the
	// pool math yields zero (or negative) shares/payout.
	ErrTradeTooSmall = errors.New("amm: trade too small")

	// ErrInvalidSide is returned for a side outside {yes, no}.
	ErrInvalidSide = errors.New("amm: side must be yes or no")

	// ErrInvalidLiquidity is returned when a pool is seeded with less than
	// MinLiquidity AGP.
	ErrInvalidLiquidity = errors.New("amm: liquidity must be at least 2 AGP")

	// MinReserve is the epsilon floor for either reserve. A pool can never be
	// drained below it, which keeps the probability strictly inside (0,1).
	MinReserve = decimal.NewFromFloat(0.001)
)

// FeePercent is the fee withheld on every trade, in whole percent.
const FeePercent = 2

// MinLiquidity is the smallest pool seed that leaves both reserves positive.
const MinLiquidity = 2

// Pool is a two-sided share inventory. It is a value type: trade methods
// return the resulting reserves rather than mutating in place, so callers
// decide when (and whether) state is committed.
type Pool struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// NewPool seeds a pool 50/50 from the given liquidity, yielding an initial
// probability of exactly 0.5.
func NewPool(liquidity int64) (Pool, error) {
	if liquidity < MinLiquidity {
		return Pool{}, ErrInvalidLiquidity
	}
	half := decimal.NewFromInt(liquidity).Div(decimal.NewFromInt(2))
	return Pool{Yes: half, No: half}, nil
}

// K returns the live constant-product invariant. Stored k fields are cache
// only; all trade math derives the invariant from the current reserves.
func (p Pool) K() decimal.Decimal {
	return p.Yes.Mul(p.No)
}

// Probability returns the implied probability of the YES outcome:
// no/(yes+no). With both reserves above the epsilon floor the result is
// strictly inside (0,1); equal reserves give exactly 0.5.
func Probability(yes, no decimal.Decimal) decimal.Decimal {
	return no.Div(yes.Add(no))
}

// Probability returns the pool's implied YES probability.
func (p Pool) Probability() decimal.Decimal {
	return Probability(p.Yes, p.No)
}

// BuyResult describes the outcome of a buy quote.
type BuyResult struct {
	Pool     Pool            // reserves after the trade
	Shares   decimal.Decimal // shares delivered to the buyer
	Fee      int64           // AGP withheld
	AvgPrice decimal.Decimal // net AGP per share
}

// Buy quotes the purchase of shares on one side for a gross AGP amount.
//
// The 2% fee is truncated from the gross amount; the net is added to the
// opposite reserve and the purchased reserve is recovered via k, so the
// invariant never decreases (fees are injected, never leaked). Shares
// delivered are the purchased reserve's decrease.
func (p Pool) Buy(side model.Side, amount int64) (BuyResult, error) {
	if !side.Valid() {
		return BuyResult{}, ErrInvalidSide
	}

	fee := amount * FeePercent / 100
	net := amount - fee
	if net <= 0 {
		return BuyResult{}, ErrTradeTooSmall
	}

	k := p.K()
	netD := decimal.NewFromInt(net)

	var next Pool
	var shares decimal.Decimal
	if side == model.SideYes {
		next.No = p.No.Add(netD)
		next.Yes = k.Div(next.No)
		shares = p.Yes.Sub(next.Yes)
	} else {
		next.Yes = p.Yes.Add(netD)
		next.No = k.Div(next.Yes)
		shares = p.No.Sub(next.No)
	}
	next = next.clamped()

	if !shares.IsPositive() {
		return BuyResult{}, ErrTradeTooSmall
	}

	return BuyResult{
		Pool:     next,
		Shares:   shares,
		Fee:      fee,
		AvgPrice: netD.Div(shares),
	}, nil
}

// SellResult describes the outcome of a sell quote.
type SellResult struct {
	Pool     Pool            // reserves after the trade
	Amount   int64           // net AGP delivered to the seller
	Fee      int64           // AGP withheld
	AvgPrice decimal.Decimal // net AGP per share
}

// Sell quotes the sale of shares back to the pool.
//
// Shares return to the sold side's reserve; the opposite reserve is recovered
// via k and its decrease is the gross payout. The gross is floored to whole
// AGP before the fee is truncated from it: fee after the pool-delta
// conversion, the canonical order for this engine.
//
// Callers are responsible for verifying the seller actually holds the shares.
func (p Pool) Sell(side model.Side, shares decimal.Decimal) (SellResult, error) {
	if !side.Valid() {
		return SellResult{}, ErrInvalidSide
	}
	if !shares.IsPositive() {
		return SellResult{}, ErrTradeTooSmall
	}

	k := p.K()

	var next Pool
	var gross decimal.Decimal
	if side == model.SideYes {
		next.Yes = p.Yes.Add(shares)
		next.No = k.Div(next.Yes)
		gross = p.No.Sub(next.No)
	} else {
		next.No = p.No.Add(shares)
		next.Yes = k.Div(next.No)
		gross = p.Yes.Sub(next.Yes)
	}
	next = next.clamped()

	grossAGP := gross.IntPart() // truncate to whole AGP
	fee := grossAGP * FeePercent / 100
	net := grossAGP - fee
	if net <= 0 {
		return SellResult{}, ErrTradeTooSmall
	}

	return SellResult{
		Pool:     next,
		Amount:   net,
		Fee:      fee,
		AvgPrice: decimal.NewFromInt(net).Div(shares),
	}, nil
}

// clamped enforces the epsilon floor on both reserves.
func (p Pool) clamped() Pool {
	if p.Yes.LessThan(MinReserve) {
		p.Yes = MinReserve
	}
	if p.No.LessThan(MinReserve) {
		p.No = MinReserve
	}
	return p
}

// Payout returns the terminal AGP value of a position given the resolved
// outcome: floor(winning-side shares). Losing shares pay zero.
func Payout(pos *model.Position, outcome model.Side) int64 {
	won := pos.Shares(outcome)
	if !won.IsPositive() {
		return 0
	}
	return won.IntPart()
}

// PredictionBonus returns the 20% bonus added atop a non-zero payout,
// rounded half away from zero. The bonus is an explicit platform subsidy:
// it is minted, not drawn from the pool.
func PredictionBonus(payout int64) int64 {
	if payout <= 0 {
		return 0
	}
	return decimal.NewFromInt(payout).
		Mul(decimal.NewFromFloat(0.2)).
		Round(0).
		IntPart()
}

// Brier returns the squared error between a stated probability and the
// realized outcome (yes=1, no=0). Lower is better: 0 perfect, 1 worst.
func Brier(probability float64, outcome model.Side) float64 {
	realized := 0.0
	if outcome == model.SideYes {
		realized = 1.0
	}
	diff := probability - realized
	return diff * diff
}
