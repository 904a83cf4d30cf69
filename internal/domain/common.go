package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind distinguishes market orders from resting limit orders.
type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
)

// OrderStatus represents the lifecycle status of an order.
// Filled and Cancelled are terminal; an order never leaves a terminal status.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status is final (filled or cancelled).
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusPartial PositionStatus = "partial" // part of the amount sold, remainder still open
	StatusClosed  PositionStatus = "closed"
)
