package domain

import "time"

// Order represents an exchange order as tracked by the simulated matching
// engine. Identifiers are unique per gateway instance and never reused.
type Order struct {
	ID              string
	Symbol          string
	Side            OrderSide
	Kind            OrderKind
	RequestedAmount float64  // base-asset amount requested
	RequestedPrice  *float64 // limit price; nil for market orders
	Status          OrderStatus
	FilledAmount    float64 // base-asset amount executed
	FilledFunds     float64 // gross quote-asset value of the execution
	Fee             float64 // quote-asset fee charged on execution
	CreatedAt       time.Time
	FilledAt        *time.Time
}

// AverageFillPrice returns filledFunds/filledAmount, the average price across
// all fills of the order, or 0 if nothing has executed.
func (o *Order) AverageFillPrice() float64 {
	if o.FilledAmount <= 0 {
		return 0
	}
	return o.FilledFunds / o.FilledAmount
}

// Balance is the two-currency account pair the strategy trades between.
type Balance struct {
	Quote float64 // e.g. USDT
	Base  float64 // e.g. BTC
}
