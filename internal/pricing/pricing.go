// Package pricing provides the fee-aware price arithmetic the strategy is
// built on. Everything here is a pure function of its inputs; trading
// decisions always go through RequiredSellPrice, while ProfitBreakdown is
// for audit and reporting only.
package pricing

import (
	"fmt"

	"dcabot/internal/ports"
)

// FeeRates holds the fee fractions applied to each side of a round trip.
// Rates are fractions, e.g. 0.001 for 0.1%.
type FeeRates struct {
	Buy  float64
	Sell float64
}

// RiskBuffer is the multiple of the breakeven margin below which a margin is
// accepted but flagged as risky.
const RiskBuffer = 1.5

// RequiredSellPrice returns the sell price needed so that the net realized
// margin on a round trip is at least desiredMargin regardless of the order
// kind used for the exit.
//
// The buy fee is folded into an effective buy price first, then the sell fee
// is compensated on top of the target:
//
//	effectiveBuy = buyPrice / (1 - buyFeeRate)
//	required     = effectiveBuy * (1 + desiredMargin) / (1 - sellFeeRate)
func RequiredSellPrice(buyPrice, desiredMargin float64, fees FeeRates) float64 {
	effectiveBuy := buyPrice / (1 - fees.Buy)
	return effectiveBuy * (1 + desiredMargin) / (1 - fees.Sell)
}

// MinimumViableMargin returns the breakeven margin: the smallest desired
// margin for which a round trip does not lose money to fees.
func MinimumViableMargin(fees FeeRates) float64 {
	return (fees.Buy + fees.Sell) / (1 - fees.Sell)
}

// BuyTriggerPrice returns the price level that arms the next dip buy:
// triggerPercent percent below the reference (last buy) price.
func BuyTriggerPrice(referencePrice, triggerPercent float64) float64 {
	return referencePrice * (1 - triggerPercent/100)
}

// MarginAdvice is the outcome of validating a desired profit margin.
type MarginAdvice struct {
	Risky            bool    // accepted, but inside the risk buffer above breakeven
	MinimumViable    float64 // breakeven margin for the given fees
	SuggestedMinimum float64 // breakeven * RiskBuffer
}

// ValidateMargin checks a desired margin against the fee breakeven.
// Margins below breakeven fail with ErrMarginTooLow; margins below
// RiskBuffer times breakeven succeed with the Risky advisory set.
func ValidateMargin(desired float64, fees FeeRates) (MarginAdvice, error) {
	minViable := MinimumViableMargin(fees)
	advice := MarginAdvice{
		MinimumViable:    minViable,
		SuggestedMinimum: minViable * RiskBuffer,
	}
	if desired < minViable {
		return advice, fmt.Errorf("desired margin %.5f below breakeven %.5f: %w",
			desired, minViable, ports.ErrMarginTooLow)
	}
	advice.Risky = desired < advice.SuggestedMinimum
	return advice, nil
}

// Breakdown is a full fee-aware accounting of a round trip over a fixed
// base-asset amount.
type Breakdown struct {
	GrossBuyCost  float64
	BuyFee        float64
	NetBuyCost    float64
	GrossProceeds float64
	SellFee       float64
	NetProceeds   float64
	GrossProfit   float64
	NetProfit     float64
	ProfitMargin  float64 // net profit relative to net buy cost
	TotalFees     float64
}

// ProfitBreakdown computes the audit breakdown for buying and selling the
// given amount at the given prices. Never used for trading decisions; those
// go through RequiredSellPrice.
func ProfitBreakdown(buyPrice, sellPrice, amount float64, fees FeeRates) Breakdown {
	grossBuy := buyPrice * amount
	buyFee := grossBuy * fees.Buy
	netBuy := grossBuy + buyFee

	grossSell := sellPrice * amount
	sellFee := grossSell * fees.Sell
	netSell := grossSell - sellFee

	b := Breakdown{
		GrossBuyCost:  grossBuy,
		BuyFee:        buyFee,
		NetBuyCost:    netBuy,
		GrossProceeds: grossSell,
		SellFee:       sellFee,
		NetProceeds:   netSell,
		GrossProfit:   grossSell - grossBuy,
		NetProfit:     netSell - netBuy,
		TotalFees:     buyFee + sellFee,
	}
	if netBuy > 0 {
		b.ProfitMargin = b.NetProfit / netBuy
	}
	return b
}
