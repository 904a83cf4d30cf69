// Package simgw implements the Gateway contract as a simulated matching
// engine for paper trading. Money is virtual but prices come from a live,
// read-only feed, so fill behavior tracks real market movement.
package simgw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ports"

	"github.com/google/uuid"
)

// PriceSource is the read-only feed the simulator fills against. The live
// gateway satisfies it, as does any test stub.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Config holds configuration for the simulated matching engine.
type Config struct {
	Logger ports.Logger
	Feed   PriceSource
	Repo   ports.SimStateRepository // optional; state is memory-only when nil

	InitialQuoteBalance float64
	QuoteAsset          string // e.g. "USDT"
	BaseAsset           string // e.g. "BTC"
	MakerFeeRate        float64
	TakerFeeRate        float64
}

// Engine emulates order placement, fills, and cancels against the live price
// feed. Market orders fill instantly at the taker rate; limit orders rest
// until a SettlePending pass observes a crossing price and fill at the maker
// rate, reproducing the real fee-tier incentive for preferring limit orders.
//
// Safe for concurrent use: the trading worker places and settles orders while
// ForceStop cancels them from another goroutine.
type Engine struct {
	cfg    Config
	logger ports.Logger

	mu      sync.Mutex
	balance domain.Balance
	orders  map[string]*domain.Order
	pending []string // resting order IDs in placement order
	history []string // all order IDs in placement order
}

// New creates a simulated matching engine, reloading persisted balances and
// resting orders when a repository is configured.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for simulated gateway")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("price feed is required for simulated gateway")
	}
	if cfg.QuoteAsset == "" || cfg.BaseAsset == "" {
		return nil, fmt.Errorf("quote and base asset names are required: %w", ports.ErrConfigurationError)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		balance: domain.Balance{Quote: cfg.InitialQuoteBalance},
		orders:  make(map[string]*domain.Order),
	}

	if cfg.Repo != nil {
		ctx := context.Background()
		if bal, found, err := cfg.Repo.LoadBalance(ctx); err != nil {
			cfg.Logger.Error(ctx, err, "Failed to load simulator balance, using initial")
		} else if found {
			e.balance = bal
		}
		if orders, err := cfg.Repo.LoadOrders(ctx); err != nil {
			cfg.Logger.Error(ctx, err, "Failed to load simulator orders, starting empty")
		} else {
			for _, o := range orders {
				e.orders[o.ID] = o
				e.history = append(e.history, o.ID)
				if o.Status == domain.OrderOpen {
					e.pending = append(e.pending, o.ID)
				}
			}
		}
		cfg.Logger.Info(ctx, "Simulator state loaded", map[string]interface{}{
			"quoteBalance": e.balance.Quote,
			"baseBalance":  e.balance.Base,
			"orders":       len(e.orders),
			"pending":      len(e.pending),
		})
	}
	return e, nil
}

// GetCurrentPrice delegates to the live feed; simulation never distorts prices.
func (e *Engine) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return e.cfg.Feed.GetCurrentPrice(ctx, symbol)
}

// GetBalance returns the virtual balance for the given currency.
func (e *Engine) GetBalance(ctx context.Context, currency string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch currency {
	case e.cfg.QuoteAsset:
		return e.balance.Quote, nil
	case e.cfg.BaseAsset:
		return e.balance.Base, nil
	}
	return 0, nil
}

// PlaceOrder submits an order. Market orders execute immediately at the feed
// price; limit orders rest until a settlement pass fills them.
func (e *Engine) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	if req.Amount <= 0 {
		return "", fmt.Errorf("order amount must be positive: %w", ports.ErrInvalidRequest)
	}
	if req.Kind == domain.Limit && req.Price <= 0 {
		return "", fmt.Errorf("limit order requires a positive price: %w", ports.ErrInvalidRequest)
	}

	switch req.Kind {
	case domain.Market:
		return e.placeMarket(ctx, req)
	case domain.Limit:
		return e.placeLimit(ctx, req)
	}
	return "", fmt.Errorf("unsupported order kind %q: %w", req.Kind, ports.ErrInvalidRequest)
}

func (e *Engine) placeMarket(ctx context.Context, req ports.OrderRequest) (string, error) {
	price, err := e.cfg.Feed.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("market order needs a price: %w: %w", ports.ErrPriceUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	gross := req.Amount * price
	fee := gross * e.cfg.TakerFeeRate

	switch req.Side {
	case domain.Buy:
		if e.balance.Quote < gross+fee {
			return "", fmt.Errorf("quote balance %.8f below cost %.8f: %w", e.balance.Quote, gross+fee, ports.ErrInsufficientFunds)
		}
		e.balance.Quote -= gross + fee
		e.balance.Base += req.Amount
	case domain.Sell:
		if e.balance.Base < req.Amount {
			return "", fmt.Errorf("base balance %.8f below amount %.8f: %w", e.balance.Base, req.Amount, ports.ErrInsufficientFunds)
		}
		e.balance.Base -= req.Amount
		e.balance.Quote += gross - fee
	default:
		return "", fmt.Errorf("unsupported order side %q: %w", req.Side, ports.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:              uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Kind:            domain.Market,
		RequestedAmount: req.Amount,
		Status:          domain.OrderFilled,
		FilledAmount:    req.Amount,
		FilledFunds:     gross,
		Fee:             fee,
		CreatedAt:       now,
		FilledAt:        &now,
	}
	e.recordLocked(order)
	e.persistLocked(ctx, order)

	e.logger.Info(ctx, "Simulated market order filled", map[string]interface{}{
		"orderID": order.ID,
		"side":    order.Side,
		"price":   price,
		"amount":  req.Amount,
		"fee":     fee,
	})
	return order.ID, nil
}

func (e *Engine) placeLimit(ctx context.Context, req ports.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Placement-time sufficiency check on the gross cost. The definitive
	// check happens again at fill time, where a shortfall silently leaves
	// the order resting.
	gross := req.Amount * req.Price
	switch req.Side {
	case domain.Buy:
		if e.balance.Quote < gross {
			return "", fmt.Errorf("quote balance %.8f below cost %.8f: %w", e.balance.Quote, gross, ports.ErrInsufficientFunds)
		}
	case domain.Sell:
		if e.balance.Base < req.Amount {
			return "", fmt.Errorf("base balance %.8f below amount %.8f: %w", e.balance.Base, req.Amount, ports.ErrInsufficientFunds)
		}
	default:
		return "", fmt.Errorf("unsupported order side %q: %w", req.Side, ports.ErrInvalidRequest)
	}

	price := req.Price
	order := &domain.Order{
		ID:              uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Kind:            domain.Limit,
		RequestedAmount: req.Amount,
		RequestedPrice:  &price,
		Status:          domain.OrderOpen,
		CreatedAt:       time.Now().UTC(),
	}
	e.recordLocked(order)
	e.pending = append(e.pending, order.ID)
	e.persistLocked(ctx, order)

	e.logger.Info(ctx, "Simulated limit order resting", map[string]interface{}{
		"orderID": order.ID,
		"side":    order.Side,
		"limit":   req.Price,
		"amount":  req.Amount,
	})
	return order.ID, nil
}

// GetOrderStatus retrieves the current state of an order by ID.
func (e *Engine) GetOrderStatus(ctx context.Context, orderID string) (*ports.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	return &ports.OrderState{
		ID:           order.ID,
		Status:       order.Status,
		FilledAmount: order.FilledAmount,
		FilledFunds:  order.FilledFunds,
		Fee:          order.Fee,
	}, nil
}

// CancelOrder cancels a resting order. Returns false when the order is not
// open; cancellation never reverses a fill.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok || order.Status != domain.OrderOpen {
		return false, nil
	}
	order.Status = domain.OrderCancelled
	e.removePendingLocked(orderID)
	e.persistLocked(ctx, order)
	e.logger.Info(ctx, "Simulated order cancelled", map[string]interface{}{"orderID": orderID})
	return true, nil
}

// SettlePending runs one matching pass over the resting orders: a limit buy
// fills when the current price is at or below its limit, a limit sell when at
// or above, both at the maker fee rate. An order whose balance requirement is
// not met at fill time is skipped silently and keeps resting, matching real
// exchange behavior for resting orders.
func (e *Engine) SettlePending(ctx context.Context, symbol string) {
	price, err := e.cfg.Feed.GetCurrentPrice(ctx, symbol)
	if err != nil {
		e.logger.Debug(ctx, "Settlement pass skipped, price unavailable", map[string]interface{}{"error": err.Error()})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var filled int
	for _, id := range append([]string(nil), e.pending...) {
		order, ok := e.orders[id]
		if !ok || order.Status != domain.OrderOpen || order.RequestedPrice == nil {
			continue
		}
		limit := *order.RequestedPrice

		crosses := (order.Side == domain.Buy && price <= limit) ||
			(order.Side == domain.Sell && price >= limit)
		if !crosses {
			continue
		}
		if e.fillLimitLocked(ctx, order, limit) {
			filled++
		}
	}
	if filled > 0 {
		e.logger.Info(ctx, "Settlement pass filled resting orders", map[string]interface{}{
			"filled": filled,
			"price":  price,
		})
	}
}

// fillLimitLocked executes a resting order at its limit price. Returns false
// when the balance no longer covers the fill; the order stays pending.
func (e *Engine) fillLimitLocked(ctx context.Context, order *domain.Order, fillPrice float64) bool {
	gross := order.RequestedAmount * fillPrice
	fee := gross * e.cfg.MakerFeeRate

	switch order.Side {
	case domain.Buy:
		if e.balance.Quote < gross+fee {
			return false
		}
		e.balance.Quote -= gross + fee
		e.balance.Base += order.RequestedAmount
	case domain.Sell:
		if e.balance.Base < order.RequestedAmount {
			return false
		}
		e.balance.Base -= order.RequestedAmount
		e.balance.Quote += gross - fee
	}

	now := time.Now().UTC()
	order.Status = domain.OrderFilled
	order.FilledAmount = order.RequestedAmount
	order.FilledFunds = gross
	order.Fee = fee
	order.FilledAt = &now
	e.removePendingLocked(order.ID)
	e.persistLocked(ctx, order)
	return true
}

// ResetBalances reinitializes the virtual account to the configured starting
// quote balance and discards all order history.
func (e *Engine) ResetBalances(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.balance = domain.Balance{Quote: e.cfg.InitialQuoteBalance}
	e.orders = make(map[string]*domain.Order)
	e.pending = nil
	e.history = nil

	if e.cfg.Repo != nil {
		if err := e.cfg.Repo.ClearSimState(ctx); err != nil {
			e.logger.Error(ctx, err, "Failed to clear persisted simulator state, continuing")
		}
		if err := e.cfg.Repo.SaveBalance(ctx, e.balance); err != nil {
			e.logger.Error(ctx, err, "Failed to persist reset simulator balance, continuing")
		}
	}
	e.logger.Info(ctx, "Simulation reset to initial state", map[string]interface{}{"quoteBalance": e.balance.Quote})
}

// TradeHistory returns copies of all terminal orders in placement order.
func (e *Engine) TradeHistory() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(e.history))
	for _, id := range e.history {
		if o, ok := e.orders[id]; ok && o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// PendingCount returns the number of resting orders.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) recordLocked(order *domain.Order) {
	e.orders[order.ID] = order
	e.history = append(e.history, order.ID)
}

func (e *Engine) removePendingLocked(orderID string) {
	for i, id := range e.pending {
		if id == orderID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// persistLocked saves the order and current balance best-effort.
func (e *Engine) persistLocked(ctx context.Context, order *domain.Order) {
	if e.cfg.Repo == nil {
		return
	}
	if err := e.cfg.Repo.SaveOrder(ctx, order); err != nil {
		e.logger.Error(ctx, err, "Failed to persist simulator order, continuing", map[string]interface{}{"orderID": order.ID})
	}
	if err := e.cfg.Repo.SaveBalance(ctx, e.balance); err != nil {
		e.logger.Error(ctx, err, "Failed to persist simulator balance, continuing")
	}
}
