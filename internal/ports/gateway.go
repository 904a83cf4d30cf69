package ports

import (
	"context"

	"dcabot/internal/domain"
)

// OrderRequest describes an order to be placed through a Gateway.
// Amount is always the base-asset quantity; Price is required for limit
// orders and ignored for market orders.
type OrderRequest struct {
	Symbol string
	Side   domain.OrderSide
	Kind   domain.OrderKind
	Amount float64
	Price  float64
}

// OrderState is the gateway's view of an order at query time.
// FilledFunds is the gross quote-asset value of everything executed so far,
// so FilledFunds/FilledAmount is the average fill price across partial fills.
type OrderState struct {
	ID           string
	Status       domain.OrderStatus
	FilledAmount float64
	FilledFunds  float64
	Fee          float64
}

// Gateway abstracts "place/query/cancel orders and read price/balance".
// It is implemented by the live exchange client and by the simulated
// matching engine; the trading engine and order tracker consume only this
// contract and cannot tell the two apart.
type Gateway interface {
	// GetCurrentPrice retrieves the last traded price for the symbol.
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance retrieves the available (free) balance for a currency.
	GetBalance(ctx context.Context, currency string) (float64, error)

	// PlaceOrder submits an order and returns its gateway-assigned ID.
	// Identifiers are unique per gateway instance and never reused.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// GetOrderStatus retrieves the current state of an order by ID.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderState, error)

	// CancelOrder cancels an open order. Returns false if the order was not
	// open (already filled, already cancelled, or unknown).
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}
