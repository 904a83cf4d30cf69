package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ledger"
	"dcabot/internal/metrics"
	"dcabot/internal/ports"
	"dcabot/internal/pricing"
)

// OrderIntent says what a pending order is for.
type OrderIntent int

const (
	// OpensPosition marks a buy whose fill creates a new ledger position.
	OpensPosition OrderIntent = iota
	// ClosesPosition marks a sell tied to an existing position.
	ClosesPosition
)

// PendingOrderRecord ties an outstanding order to its intent. Exactly one
// record exists per outstanding order; it is removed only when a terminal
// status is observed, which is what guarantees at-most-one ledger mutation
// per order.
type PendingOrderRecord struct {
	OrderID     string
	Symbol      string
	Side        domain.OrderSide
	Kind        domain.OrderKind
	Intent      OrderIntent
	Position    *domain.Position // set when Intent is ClosesPosition
	TargetPrice float64
	SubmittedAt time.Time
}

// Tracker reconciles outstanding orders against the gateway and applies their
// terminal status to the ledger exactly once. It is not safe for concurrent
// use on its own; the engine serializes access behind its own lock.
type Tracker struct {
	logger  ports.Logger
	gateway ports.Gateway
	book    *ledger.Ledger
	fees    pricing.FeeRates
	metrics *metrics.Metrics

	records map[string]*PendingOrderRecord
	seq     []string // registration order, for deterministic reconciliation
}

// NewTracker creates an order tracker. metrics may be nil.
func NewTracker(logger ports.Logger, gateway ports.Gateway, book *ledger.Ledger, fees pricing.FeeRates, m *metrics.Metrics) (*Tracker, error) {
	if logger == nil {
		return nil, errors.New("logger is required for order tracker")
	}
	if gateway == nil {
		return nil, errors.New("gateway is required for order tracker")
	}
	if book == nil {
		return nil, errors.New("ledger is required for order tracker")
	}
	return &Tracker{
		logger:  logger,
		gateway: gateway,
		book:    book,
		fees:    fees,
		metrics: m,
		records: make(map[string]*PendingOrderRecord),
	}, nil
}

// Track registers a just-placed order, then immediately polls it once: an
// order the gateway already reports terminal (market orders in simulation
// fill instantly) is applied on the spot instead of waiting a tick.
func (t *Tracker) Track(ctx context.Context, rec *PendingOrderRecord, margin float64) {
	t.register(rec)

	state, err := t.gateway.GetOrderStatus(ctx, rec.OrderID)
	if err != nil {
		// Not fatal; the next reconciliation pass polls again.
		t.logger.Debug(ctx, "Initial order poll failed, will reconcile next tick", map[string]interface{}{
			"orderID": rec.OrderID,
			"error":   err.Error(),
		})
		return
	}
	if state.Status.IsTerminal() {
		t.deregister(rec.OrderID)
		t.apply(ctx, rec, state, margin)
	}
}

// Reconcile polls every outstanding order once and applies terminal statuses
// to the ledger. Poll failures leave the record in place for the next tick.
func (t *Tracker) Reconcile(ctx context.Context, margin float64) {
	op := "Reconcile"
	for _, orderID := range append([]string(nil), t.seq...) {
		rec, ok := t.records[orderID]
		if !ok {
			continue
		}

		state, err := t.gateway.GetOrderStatus(ctx, orderID)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				// The gateway no longer knows the order. Nothing can ever be
				// applied from it, so drop the record rather than poll forever.
				t.logger.Warn(ctx, op+": order vanished from gateway, dropping record", map[string]interface{}{"orderID": orderID})
				t.deregister(orderID)
				if rec.Intent == ClosesPosition && rec.Position != nil {
					rec.Position.LinkedSellOrderID = nil
				}
				continue
			}
			t.logger.Warn(ctx, op+": order poll failed, retrying next tick", map[string]interface{}{
				"orderID": orderID,
				"error":   err.Error(),
			})
			continue
		}
		if !state.Status.IsTerminal() {
			continue
		}

		// Single deregistration path: remove first, then mutate the ledger.
		// Re-observing the same terminal status later is a no-op because the
		// record no longer exists.
		t.deregister(orderID)
		t.apply(ctx, rec, state, margin)
	}
}

// apply performs the ledger mutation for a terminal order.
func (t *Tracker) apply(ctx context.Context, rec *PendingOrderRecord, state *ports.OrderState, margin float64) {
	switch rec.Intent {
	case OpensPosition:
		t.applyBuy(ctx, rec, state, margin)
	case ClosesPosition:
		t.applySell(ctx, rec, state)
	}
}

// applyBuy turns an executed buy into a ledger position and submits the
// offsetting sell. A cancelled buy that partially executed still opens a
// position for the executed part; money changed hands and must be tracked.
func (t *Tracker) applyBuy(ctx context.Context, rec *PendingOrderRecord, state *ports.OrderState, margin float64) {
	op := "ApplyBuyFill"
	if state.FilledAmount <= 0 {
		t.logger.Info(ctx, op+": buy ended without execution", map[string]interface{}{
			"orderID": rec.OrderID,
			"status":  state.Status,
		})
		return
	}

	fillPrice := state.FilledFunds / state.FilledAmount
	pos, err := t.book.AddPosition(ctx, rec.Symbol, fillPrice, state.FilledAmount)
	if err != nil {
		t.logger.Error(ctx, err, op+": failed to record position for executed buy", map[string]interface{}{
			"orderID":   rec.OrderID,
			"fillPrice": fillPrice,
			"amount":    state.FilledAmount,
		})
		return
	}
	t.metrics.FillApplied(string(domain.Buy))
	t.logger.Info(ctx, op+": position opened", map[string]interface{}{
		"orderID":    rec.OrderID,
		"positionID": pos.ID,
		"fillPrice":  fillPrice,
		"amount":     pos.Amount,
		"fee":        state.Fee,
	})

	// A buy fill always produces exactly one offsetting sell intent. If the
	// placement fails here the position is left without a linked sell and the
	// engine's ensure pass retries next tick.
	if err := t.PlaceSellFor(ctx, pos, margin); err != nil {
		t.logger.Error(ctx, err, op+": failed to place offsetting sell, will retry", map[string]interface{}{
			"positionID": pos.ID,
		})
	}
}

// applySell closes (or partially closes) the linked position. A sell
// cancelled after partial execution closes only the executed amount; the
// remainder stays open for a fresh sell order.
func (t *Tracker) applySell(ctx context.Context, rec *PendingOrderRecord, state *ports.OrderState) {
	op := "ApplySellFill"
	pos := rec.Position
	if pos == nil {
		t.logger.Error(ctx, errors.New("sell record has no position"), op+": dropping orphaned sell", map[string]interface{}{"orderID": rec.OrderID})
		return
	}
	pos.LinkedSellOrderID = nil

	if state.FilledAmount <= 0 {
		t.logger.Info(ctx, op+": sell ended without execution, position stays open", map[string]interface{}{
			"orderID":    rec.OrderID,
			"positionID": pos.ID,
			"status":     state.Status,
		})
		return
	}

	fillPrice := state.FilledFunds / state.FilledAmount
	if err := t.book.ClosePosition(ctx, pos, fillPrice, state.FilledAmount); err != nil {
		t.logger.Error(ctx, err, op+": failed to close position for executed sell", map[string]interface{}{
			"orderID":    rec.OrderID,
			"positionID": pos.ID,
			"fillPrice":  fillPrice,
			"amount":     state.FilledAmount,
		})
		return
	}
	t.metrics.FillApplied(string(domain.Sell))
	t.logger.Info(ctx, op+": position reduced", map[string]interface{}{
		"orderID":    rec.OrderID,
		"positionID": pos.ID,
		"fillPrice":  fillPrice,
		"amountSold": state.FilledAmount,
		"status":     pos.Status,
		"fee":        state.Fee,
	})
}

// AdoptSell registers the resting sell a reloaded position was persisted
// with, so reconciliation resumes polling it after a process restart. The
// target is recomputed from the position; the exchange-side order is
// untouched. A position without a linked sell is left for the ensure pass.
func (t *Tracker) AdoptSell(pos *domain.Position, margin float64) {
	if pos == nil || pos.LinkedSellOrderID == nil {
		return
	}
	t.register(&PendingOrderRecord{
		OrderID:     *pos.LinkedSellOrderID,
		Symbol:      pos.Symbol,
		Side:        domain.Sell,
		Kind:        domain.Limit,
		Intent:      ClosesPosition,
		Position:    pos,
		TargetPrice: pricing.RequiredSellPrice(pos.BuyPrice, margin, t.fees),
		SubmittedAt: pos.OpenedAt,
	})
}

// PlaceSellFor submits the limit sell that realizes the position's profit
// target and registers it as pending against the position.
func (t *Tracker) PlaceSellFor(ctx context.Context, pos *domain.Position, margin float64) error {
	target := pricing.RequiredSellPrice(pos.BuyPrice, margin, t.fees)
	orderID, err := t.gateway.PlaceOrder(ctx, ports.OrderRequest{
		Symbol: pos.Symbol,
		Side:   domain.Sell,
		Kind:   domain.Limit,
		Amount: pos.Amount,
		Price:  target,
	})
	if err != nil {
		return fmt.Errorf("placing target sell for position %d: %w", pos.ID, err)
	}
	t.metrics.OrderPlaced(string(domain.Sell), string(domain.Limit))

	pos.LinkedSellOrderID = &orderID
	t.register(&PendingOrderRecord{
		OrderID:     orderID,
		Symbol:      pos.Symbol,
		Side:        domain.Sell,
		Kind:        domain.Limit,
		Intent:      ClosesPosition,
		Position:    pos,
		TargetPrice: target,
		SubmittedAt: time.Now().UTC(),
	})
	t.logger.Info(ctx, "Target sell placed", map[string]interface{}{
		"orderID":     orderID,
		"positionID":  pos.ID,
		"targetPrice": target,
		"amount":      pos.Amount,
	})
	return nil
}

// Cancel cancels one tracked order. When the gateway confirms the cancel the
// record is removed immediately; when it refuses (the order already went
// terminal) the record stays for reconciliation to apply the real outcome,
// so a fill racing a cancel is applied exactly once and never lost.
func (t *Tracker) Cancel(ctx context.Context, orderID string) bool {
	rec, ok := t.records[orderID]
	if !ok {
		return false
	}
	cancelled, err := t.gateway.CancelOrder(ctx, orderID)
	if err != nil {
		t.logger.Warn(ctx, "Order cancel failed", map[string]interface{}{"orderID": orderID, "error": err.Error()})
		return false
	}
	if !cancelled {
		t.logger.Debug(ctx, "Order already terminal, reconciliation will apply it", map[string]interface{}{"orderID": orderID})
		return false
	}
	t.deregister(orderID)
	if rec.Intent == ClosesPosition && rec.Position != nil {
		rec.Position.LinkedSellOrderID = nil
	}
	return true
}

// CancelAll cancels every tracked order and drops all records, including
// those whose cancel was refused. Used by forceStop, where the caller
// explicitly accepts that an in-flight fill may go unapplied.
func (t *Tracker) CancelAll(ctx context.Context) {
	for _, orderID := range append([]string(nil), t.seq...) {
		t.Cancel(ctx, orderID)
	}
	if len(t.records) > 0 {
		t.logger.Warn(ctx, "Dropping unconfirmed pending orders", map[string]interface{}{"count": len(t.records)})
	}
	t.Clear()
}

// Clear drops every record without touching the gateway.
func (t *Tracker) Clear() {
	t.records = make(map[string]*PendingOrderRecord)
	t.seq = nil
}

// PendingCount returns the number of outstanding tracked orders.
func (t *Tracker) PendingCount() int { return len(t.records) }

// PendingBuyCount returns the number of outstanding position-opening orders.
func (t *Tracker) PendingBuyCount() int { return t.countIntent(OpensPosition) }

// PendingSellCount returns the number of outstanding position-closing orders.
func (t *Tracker) PendingSellCount() int { return t.countIntent(ClosesPosition) }

func (t *Tracker) countIntent(intent OrderIntent) int {
	n := 0
	for _, rec := range t.records {
		if rec.Intent == intent {
			n++
		}
	}
	return n
}

// PendingBuys returns the outstanding position-opening records in
// registration order.
func (t *Tracker) PendingBuys() []*PendingOrderRecord {
	var out []*PendingOrderRecord
	for _, id := range t.seq {
		if rec, ok := t.records[id]; ok && rec.Intent == OpensPosition {
			out = append(out, rec)
		}
	}
	return out
}

func (t *Tracker) register(rec *PendingOrderRecord) {
	if _, exists := t.records[rec.OrderID]; exists {
		return
	}
	t.records[rec.OrderID] = rec
	t.seq = append(t.seq, rec.OrderID)
}

func (t *Tracker) deregister(orderID string) {
	if _, ok := t.records[orderID]; !ok {
		return
	}
	delete(t.records, orderID)
	for i, id := range t.seq {
		if id == orderID {
			t.seq = append(t.seq[:i], t.seq[i+1:]...)
			break
		}
	}
}
