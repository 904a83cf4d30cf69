package ports

import (
	"context"

	"dcabot/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving
// accumulation lots. Durability is best-effort: callers log persistence
// failures and keep trading.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpen retrieves all open/partial positions ordered by opened_at ascending.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindClosed retrieves all closed positions ordered by closed_at ascending.
	FindClosed(ctx context.Context) ([]*domain.Position, error)
}

// SimStateRepository persists the simulated matching engine's private state:
// virtual balances and its order book (resting orders double as trade history
// once they reach a terminal status).
type SimStateRepository interface {
	// SaveBalance overwrites the persisted balance pair.
	SaveBalance(ctx context.Context, bal domain.Balance) error
	// LoadBalance returns the persisted balance pair.
	// Returns (zero, false, nil) when no state has been persisted yet.
	LoadBalance(ctx context.Context) (domain.Balance, bool, error)
	// SaveOrder inserts or updates an order record by ID.
	SaveOrder(ctx context.Context, order *domain.Order) error
	// LoadOrders returns all persisted orders ordered by creation time.
	LoadOrders(ctx context.Context) ([]*domain.Order, error)
	// ClearSimState deletes balances and orders (simulation reset).
	ClearSimState(ctx context.Context) error
}
