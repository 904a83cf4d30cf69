package domain

import "time"

// Position represents a single accumulation lot: an observed buy fill that is
// tracked against its own fee-compensated profit target until fully sold.
type Position struct {
	ID       int64   // Unique identifier for the position (usually from DB)
	Symbol   string  // Trading symbol (e.g., "BTCUSDT")
	BuyPrice float64 // Average fill price of the buy that opened the lot
	Amount   float64 // Remaining base-asset amount still held
	OpenedAt time.Time
	Status   PositionStatus

	// Exit fields are set only once part or all of the lot has been sold.
	ExitPrice *float64
	ClosedAt  *time.Time

	// LinkedSellOrderID holds the identifier of the offsetting sell order
	// placed when the lot was opened, if one is outstanding.
	LinkedSellOrderID *string

	// RealizedPnL is the quote-asset profit locked in by sells against this
	// lot. Zero while nothing has been sold.
	RealizedPnL float64
}

// IsOpen reports whether the position still holds any amount.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusPartial
}
