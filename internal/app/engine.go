// Package app contains the trading engine and the order tracker: the state
// machine that drives the dip-buying loop and reconciles asynchronous fills
// against the position ledger.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ledger"
	"dcabot/internal/metrics"
	"dcabot/internal/ports"
	"dcabot/internal/pricing"

	"github.com/jpillora/backoff"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "Stopped"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateError    State = "Error"
)

// Config holds the trading engine's strategy and runtime parameters.
type Config struct {
	Symbol     string
	QuoteAsset string
	BaseAsset  string

	ProfitMargin      float64 // desired net margin per round trip, e.g. 0.005
	BuyTriggerPercent float64 // dip below last buy that triggers another buy, e.g. 0.5
	OrderKind         domain.OrderKind
	Fees              pricing.FeeRates

	MaxOpenPositions   int
	MinTradeAmount     float64 // minimum buy notional in quote currency
	InitialBuyFraction float64 // share of quote balance for the buy placed at start
	FirstTierFraction  float64 // sizing tier when no positions are open
	NextTierFraction   float64 // sizing tier for subsequent positions

	TickInterval     time.Duration
	ForceStopTimeout time.Duration

	PriceRetryMin      time.Duration
	PriceRetryMax      time.Duration
	PriceRetryAttempts int
}

func (c *Config) applyDefaults() {
	if c.OrderKind == "" {
		c.OrderKind = domain.Limit
	}
	if c.MaxOpenPositions <= 0 {
		c.MaxOpenPositions = 5
	}
	if c.InitialBuyFraction <= 0 {
		c.InitialBuyFraction = 0.95
	}
	if c.FirstTierFraction <= 0 {
		c.FirstTierFraction = 0.30
	}
	if c.NextTierFraction <= 0 {
		c.NextTierFraction = 0.15
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.ForceStopTimeout <= 0 {
		c.ForceStopTimeout = 5 * time.Second
	}
	if c.PriceRetryMin <= 0 {
		c.PriceRetryMin = 200 * time.Millisecond
	}
	if c.PriceRetryMax <= 0 {
		c.PriceRetryMax = 2 * time.Second
	}
	if c.PriceRetryAttempts <= 0 {
		c.PriceRetryAttempts = 3
	}
}

// pendingSettler is implemented by the simulated gateway, whose resting
// orders only fill when a matching pass runs.
type pendingSettler interface {
	SettlePending(ctx context.Context, symbol string)
}

// balanceResetter is implemented by the simulated gateway.
type balanceResetter interface {
	ResetBalances(ctx context.Context)
}

// Engine drives the dollar-cost-accumulation strategy: a single worker loop
// that reconciles fills, buys dips, and sells each position once its
// fee-aware target clears. Start, Stop, ForceStop, and GetStatus are safe to
// call concurrently with the worker.
type Engine struct {
	cfg     Config
	logger  ports.Logger
	gateway ports.Gateway
	book    *ledger.Ledger
	tracker *Tracker
	metrics *metrics.Metrics

	settler  pendingSettler
	resetter balanceResetter

	mu           sync.Mutex
	state        State
	pendingExit  bool
	profitMargin float64
	orderKind    domain.OrderKind
	currentPrice float64
	quoteBalance float64
	baseBalance  float64
	lastErr      error
	loopCancel   context.CancelFunc
	done         chan struct{}
}

// Status is a consistent snapshot of the engine for dashboards and CLIs.
type Status struct {
	State        State
	PendingExit  bool
	LastError    string
	CurrentPrice float64
	QuoteBalance float64
	BaseBalance  float64
	ProfitMargin float64
	OrderKind    domain.OrderKind

	OpenPositions     int
	TotalBaseAmount   float64
	AverageBuyPrice   float64
	ProfitableCount   int
	PendingBuyOrders  int
	PendingSellOrders int

	Unrealized ledger.UnrealizedPnL
	Realized   ledger.RealizedPnL
}

// NewEngine creates a trading engine. m may be nil when metrics are disabled.
func NewEngine(cfg Config, logger ports.Logger, gateway ports.Gateway, book *ledger.Ledger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger is required for trading engine")
	}
	if gateway == nil {
		return nil, errors.New("gateway is required for trading engine")
	}
	if book == nil {
		return nil, errors.New("ledger is required for trading engine")
	}
	if cfg.Symbol == "" || cfg.QuoteAsset == "" || cfg.BaseAsset == "" {
		return nil, fmt.Errorf("symbol and asset names are required: %w", ports.ErrConfigurationError)
	}
	if cfg.MinTradeAmount <= 0 {
		return nil, fmt.Errorf("minimum trade amount must be positive: %w", ports.ErrConfigurationError)
	}
	cfg.applyDefaults()
	if cfg.OrderKind != domain.Market && cfg.OrderKind != domain.Limit {
		return nil, fmt.Errorf("unsupported order kind %q: %w", cfg.OrderKind, ports.ErrConfigurationError)
	}

	tracker, err := NewTracker(logger, gateway, book, cfg.Fees, m)
	if err != nil {
		return nil, err
	}
	// Positions reloaded from storage may still carry a resting sell on the
	// exchange; resume tracking those so their fills are applied.
	for _, pos := range book.OpenPositions() {
		tracker.AdoptSell(pos, cfg.ProfitMargin)
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		gateway:      gateway,
		book:         book,
		tracker:      tracker,
		metrics:      m,
		state:        StateStopped,
		profitMargin: cfg.ProfitMargin,
		orderKind:    cfg.OrderKind,
	}
	e.settler, _ = gateway.(pendingSettler)
	e.resetter, _ = gateway.(balanceResetter)
	return e, nil
}

// Start validates connectivity, balance, and margin, places the initial buy,
// and launches the worker loop. Any validation failure leaves the engine
// Stopped.
func (e *Engine) Start(ctx context.Context) error {
	op := "Start"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning || e.state == StateStopping {
		return ports.ErrEngineRunning
	}
	if e.state == StateError {
		return fmt.Errorf("%s: engine is in error state, reset first: %w", op, e.lastErr)
	}

	advice, err := pricing.ValidateMargin(e.profitMargin, e.cfg.Fees)
	if err != nil {
		e.logger.Error(ctx, err, op+": margin validation failed", map[string]interface{}{
			"margin":          e.profitMargin,
			"minimumViable":   advice.MinimumViable,
			"suggestedMargin": advice.SuggestedMinimum,
		})
		return err
	}
	if advice.Risky {
		e.logger.Warn(ctx, op+": margin barely covers fees", map[string]interface{}{
			"margin":          e.profitMargin,
			"suggestedMargin": advice.SuggestedMinimum,
		})
	}

	price, err := e.gateway.GetCurrentPrice(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Error(ctx, err, op+": gateway connectivity check failed")
		return err
	}
	balance, err := e.gateway.GetBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		e.logger.Error(ctx, err, op+": balance check failed")
		return err
	}
	if balance < e.cfg.MinTradeAmount {
		err := fmt.Errorf("%s: quote balance %.2f below minimum trade amount %.2f: %w",
			op, balance, e.cfg.MinTradeAmount, ports.ErrInsufficientFunds)
		e.logger.Error(ctx, err, op+": refusing to start")
		return err
	}

	e.currentPrice = price
	e.quoteBalance = balance
	e.pendingExit = false
	e.lastErr = nil

	// The strategy always opens its first position at start rather than
	// waiting for a dip. A placement failure here is retryable, not fatal:
	// the loop's buy path picks it up on a later tick.
	if err := e.placeBuyLocked(ctx, balance*e.cfg.InitialBuyFraction, price); err != nil {
		e.logger.Error(ctx, err, op+": initial buy failed, loop will retry")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.done = make(chan struct{})
	e.state = StateRunning

	e.logger.Info(ctx, "Trading engine started", map[string]interface{}{
		"symbol":       e.cfg.Symbol,
		"price":        price,
		"quoteBalance": balance,
		"margin":       e.profitMargin,
		"orderKind":    e.orderKind,
		"tickInterval": e.cfg.TickInterval.String(),
	})

	// The loop context is released whichever way the loop ends, including a
	// natural exit after a graceful drain.
	go func() {
		defer cancel()
		e.run(loopCtx)
	}()
	return nil
}

// Stop requests a graceful drain: the loop keeps running, sells positions as
// their targets clear, and stops once none remain open. Non-blocking.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return ports.ErrEngineNotRunning
	}
	e.pendingExit = true
	e.state = StateStopping
	e.logger.Info(ctx, "Graceful stop requested, draining open positions", map[string]interface{}{
		"openPositions": e.book.OpenCount(),
		"pendingOrders": e.tracker.PendingCount(),
	})
	return nil
}

// ForceStop cancels every outstanding order, halts the loop within the
// configured join timeout, and leaves open positions untouched. The residual
// exposure is the caller's explicit choice.
func (e *Engine) ForceStop(ctx context.Context) error {
	op := "ForceStop"
	e.mu.Lock()
	if e.state != StateRunning && e.state != StateStopping {
		e.mu.Unlock()
		return ports.ErrEngineNotRunning
	}
	e.tracker.CancelAll(ctx)
	cancel := e.loopCancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(e.cfg.ForceStopTimeout):
			e.logger.Warn(ctx, op+": worker did not exit within timeout", map[string]interface{}{
				"timeout": e.cfg.ForceStopTimeout.String(),
			})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateStopped
	e.pendingExit = false
	e.logger.Info(ctx, "Trading engine force-stopped", map[string]interface{}{
		"openPositions": e.book.OpenCount(),
	})
	return nil
}

// Reset force-stops a live loop, clears the ledger and pending records, and
// reinitializes simulated balances. It also clears the Error state.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	running := e.state == StateRunning || e.state == StateStopping
	e.mu.Unlock()
	if running {
		if err := e.ForceStop(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker.Clear()
	e.book.ClearAll(ctx)
	if e.resetter != nil {
		e.resetter.ResetBalances(ctx)
	}
	e.state = StateStopped
	e.pendingExit = false
	e.lastErr = nil
	e.currentPrice = 0
	e.quoteBalance = 0
	e.baseBalance = 0
	e.logger.Info(ctx, "Trading engine reset")
	return nil
}

// SetProfitMargin updates the desired margin after revalidating it against
// the fee breakeven. A rejected margin leaves the prior value in effect.
func (e *Engine) SetProfitMargin(ctx context.Context, margin float64) error {
	advice, err := pricing.ValidateMargin(margin, e.cfg.Fees)
	if err != nil {
		e.logger.Warn(ctx, "Rejected profit margin update", map[string]interface{}{
			"requested":       margin,
			"minimumViable":   advice.MinimumViable,
			"suggestedMargin": advice.SuggestedMinimum,
		})
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.profitMargin
	e.profitMargin = margin
	e.logger.Info(ctx, "Profit margin updated", map[string]interface{}{
		"previous": prev,
		"margin":   margin,
		"risky":    advice.Risky,
	})
	return nil
}

// SetOrderType switches the order kind used for future buys.
func (e *Engine) SetOrderType(ctx context.Context, kind domain.OrderKind) error {
	if kind != domain.Market && kind != domain.Limit {
		return fmt.Errorf("unsupported order kind %q: %w", kind, ports.ErrInvalidRequest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderKind = kind
	e.logger.Info(ctx, "Order type updated", map[string]interface{}{"kind": kind})
	return nil
}

// GetStatus returns a snapshot built behind a single lock acquisition, so
// balances, positions, and pending counts are mutually consistent.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:             e.state,
		PendingExit:       e.pendingExit,
		CurrentPrice:      e.currentPrice,
		QuoteBalance:      e.quoteBalance,
		BaseBalance:       e.baseBalance,
		ProfitMargin:      e.profitMargin,
		OrderKind:         e.orderKind,
		OpenPositions:     e.book.OpenCount(),
		TotalBaseAmount:   e.book.TotalBaseAmount(),
		PendingBuyOrders:  e.tracker.PendingBuyCount(),
		PendingSellOrders: e.tracker.PendingSellCount(),
		Unrealized:        e.book.UnrealizedPnLAt(e.currentPrice),
		Realized:          e.book.RealizedPnLTotal(),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	if avg, ok := e.book.AverageBuyPrice(); ok {
		st.AverageBuyPrice = avg
	}
	st.ProfitableCount = e.book.ProfitableCount(e.currentPrice, e.profitMargin, e.cfg.Fees)
	return st
}

// run is the single worker loop. It owns all trading state mutations; the
// cross-thread entry points only set flags or cancel through the gateway.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("trading loop panic: %v", r)
			e.mu.Lock()
			e.state = StateError
			e.lastErr = err
			e.mu.Unlock()
			e.logger.Error(context.Background(), err, "Trading loop halted on unexpected fault")
		}
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stopped := e.tick(ctx); stopped {
				return
			}
		}
	}
}

// tick runs one loop iteration: settle simulated fills, reconcile pending
// orders, refresh price and balances, then either drain (exit requested) or
// look for the next dip buy. Returns true when the loop should terminate.
func (e *Engine) tick(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settler != nil {
		e.settler.SettlePending(ctx, e.cfg.Symbol)
	}
	e.tracker.Reconcile(ctx, e.profitMargin)
	e.ensureSellsLocked(ctx)

	price, err := e.fetchPriceLocked(ctx)
	if err != nil {
		// Transient by design: no state transition, next tick retries.
		e.logger.Warn(ctx, "Price unavailable this tick, skipping", map[string]interface{}{"error": err.Error()})
		return false
	}
	e.currentPrice = price
	e.refreshBalancesLocked(ctx)
	e.metrics.Observe(e.book.OpenCount(), e.book.RealizedPnLTotal().Absolute, price)

	if e.pendingExit {
		return e.drainLocked(ctx, price)
	}

	e.maybeBuyLocked(ctx, price)
	return false
}

// fetchPriceLocked retries the price feed with exponential backoff inside a
// single tick before giving up until the next one.
func (e *Engine) fetchPriceLocked(ctx context.Context) (float64, error) {
	b := &backoff.Backoff{
		Min:    e.cfg.PriceRetryMin,
		Max:    e.cfg.PriceRetryMax,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < e.cfg.PriceRetryAttempts; attempt++ {
		price, err := e.gateway.GetCurrentPrice(ctx, e.cfg.Symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return 0, fmt.Errorf("%w: %w", ports.ErrPriceUnavailable, lastErr)
}

func (e *Engine) refreshBalancesLocked(ctx context.Context) {
	if bal, err := e.gateway.GetBalance(ctx, e.cfg.QuoteAsset); err == nil {
		e.quoteBalance = bal
	}
	if bal, err := e.gateway.GetBalance(ctx, e.cfg.BaseAsset); err == nil {
		e.baseBalance = bal
	}
}

// ensureSellsLocked places the target sell for any open position that lost
// its linked order (placement failed earlier, or the order vanished).
func (e *Engine) ensureSellsLocked(ctx context.Context) {
	for _, pos := range e.book.OpenPositions() {
		if pos.LinkedSellOrderID != nil {
			continue
		}
		if err := e.tracker.PlaceSellFor(ctx, pos, e.profitMargin); err != nil {
			e.logger.Error(ctx, err, "Failed to place target sell, will retry", map[string]interface{}{
				"positionID": pos.ID,
			})
		}
	}
}

// drainLocked runs one graceful-exit pass: cancel outstanding buys, sell
// every position whose target already clears at the current price, and stop
// once nothing remains open. Positions below target keep their resting sells
// and wait for the market; a graceful stop never locks in a loss.
func (e *Engine) drainLocked(ctx context.Context, price float64) bool {
	op := "Drain"

	for _, rec := range e.tracker.PendingBuys() {
		e.tracker.Cancel(ctx, rec.OrderID)
	}

	for _, pos := range e.book.OpenPositions() {
		target := pricing.RequiredSellPrice(pos.BuyPrice, e.profitMargin, e.cfg.Fees)
		if price < target {
			continue
		}
		if pos.LinkedSellOrderID != nil {
			// A refused cancel means the resting sell just filled; the next
			// reconciliation pass applies it.
			if !e.tracker.Cancel(ctx, *pos.LinkedSellOrderID) {
				continue
			}
		}
		// Market order regardless of the configured preference: the target
		// already clears and termination progress matters more than the
		// maker fee discount.
		e.sellMarketLocked(ctx, pos)
	}

	if e.book.OpenCount() == 0 && e.tracker.PendingCount() == 0 {
		e.state = StateStopped
		e.pendingExit = false
		e.logger.Info(ctx, op+": all positions drained, engine stopped", map[string]interface{}{
			"realizedPnL": e.book.RealizedPnLTotal().Absolute,
		})
		return true
	}
	e.logger.Info(ctx, op+": waiting for remaining positions to clear", map[string]interface{}{
		"openPositions": e.book.OpenCount(),
		"pendingOrders": e.tracker.PendingCount(),
		"price":         price,
	})
	return false
}

func (e *Engine) sellMarketLocked(ctx context.Context, pos *domain.Position) {
	orderID, err := e.gateway.PlaceOrder(ctx, ports.OrderRequest{
		Symbol: pos.Symbol,
		Side:   domain.Sell,
		Kind:   domain.Market,
		Amount: pos.Amount,
	})
	if err != nil {
		e.logger.Error(ctx, err, "Drain sell placement failed, will retry", map[string]interface{}{
			"positionID": pos.ID,
		})
		return
	}
	e.metrics.OrderPlaced(string(domain.Sell), string(domain.Market))
	pos.LinkedSellOrderID = &orderID
	e.tracker.Track(ctx, &PendingOrderRecord{
		OrderID:     orderID,
		Symbol:      pos.Symbol,
		Side:        domain.Sell,
		Kind:        domain.Market,
		Intent:      ClosesPosition,
		Position:    pos,
		SubmittedAt: time.Now().UTC(),
	}, e.profitMargin)
}

// maybeBuyLocked opens the next position when the price has dipped far
// enough below the last buy, capacity remains, and no buy is already
// outstanding.
func (e *Engine) maybeBuyLocked(ctx context.Context, price float64) {
	if e.tracker.PendingBuyCount() > 0 {
		return
	}
	if e.book.OpenCount() >= e.cfg.MaxOpenPositions {
		return
	}
	if !e.book.ShouldBuyMore(price, e.cfg.BuyTriggerPercent) {
		return
	}
	notional := e.nextBuyNotional(e.quoteBalance)
	if notional <= 0 {
		e.logger.Debug(ctx, "Dip triggered but balance below minimum trade amount", map[string]interface{}{
			"quoteBalance": e.quoteBalance,
			"minTrade":     e.cfg.MinTradeAmount,
		})
		return
	}
	if err := e.placeBuyLocked(ctx, notional, price); err != nil {
		e.logger.Error(ctx, err, "Buy placement failed, eligible next tick", map[string]interface{}{
			"notional": notional,
			"price":    price,
		})
	}
}

// nextBuyNotional sizes a buy in quote currency: a larger tier for the first
// position, a smaller one afterwards, floored at the minimum trade amount
// when the balance still covers it.
func (e *Engine) nextBuyNotional(balance float64) float64 {
	fraction := e.cfg.NextTierFraction
	if e.book.OpenCount() == 0 {
		fraction = e.cfg.FirstTierFraction
	}
	notional := balance * fraction
	if notional < e.cfg.MinTradeAmount {
		if balance >= e.cfg.MinTradeAmount {
			return e.cfg.MinTradeAmount
		}
		return 0
	}
	return notional
}

// placeBuyLocked submits a buy for the given quote notional at the current
// price and registers it with the tracker. Limit buys are priced at the
// observed price, which ShouldBuyMore already vetted against the trigger.
func (e *Engine) placeBuyLocked(ctx context.Context, notional, price float64) error {
	if price <= 0 {
		return fmt.Errorf("cannot size buy without a price: %w", ports.ErrPriceUnavailable)
	}
	amount := notional / price

	req := ports.OrderRequest{
		Symbol: e.cfg.Symbol,
		Side:   domain.Buy,
		Kind:   e.orderKind,
		Amount: amount,
	}
	if e.orderKind == domain.Limit {
		req.Price = price
	}

	orderID, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("placing buy for %.4f %s: %w", notional, e.cfg.QuoteAsset, err)
	}
	e.metrics.OrderPlaced(string(domain.Buy), string(e.orderKind))
	e.logger.Info(ctx, "Buy order placed", map[string]interface{}{
		"orderID":  orderID,
		"kind":     e.orderKind,
		"notional": notional,
		"amount":   amount,
		"price":    price,
	})

	e.tracker.Track(ctx, &PendingOrderRecord{
		OrderID:     orderID,
		Symbol:      e.cfg.Symbol,
		Side:        domain.Buy,
		Kind:        e.orderKind,
		Intent:      OpensPosition,
		TargetPrice: price,
		SubmittedAt: time.Now().UTC(),
	}, e.profitMargin)
	return nil
}
