// Package ledger owns the set of open and closed accumulation lots plus the
// realized trade history derived from them. All mutations flow through the
// order tracker; the ledger itself never talks to an exchange.
package ledger

import (
	"context"
	"fmt"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ports"
	"dcabot/internal/pricing"
)

// Ledger tracks open and closed positions and persists every mutation
// best-effort through a PositionRepository. It is not safe for concurrent
// use; the trading engine's worker goroutine is its only writer.
type Ledger struct {
	logger ports.Logger
	repo   ports.PositionRepository

	open   []*domain.Position // ordered by OpenedAt ascending
	closed []*domain.Position // append-only
	nextID int64              // fallback IDs when persistence is unavailable
}

// New creates a ledger, reloading previously persisted positions.
// A load failure is logged and leaves the ledger empty rather than failing
// startup; durability is best-effort by design.
func New(logger ports.Logger, repo ports.PositionRepository) (*Ledger, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for ledger")
	}
	l := &Ledger{logger: logger, repo: repo, nextID: 1}

	if repo == nil {
		return l, nil
	}
	ctx := context.Background()
	open, err := repo.FindOpen(ctx)
	if err != nil {
		logger.Error(ctx, err, "Failed to load open positions, starting empty")
		return l, nil
	}
	closed, err := repo.FindClosed(ctx)
	if err != nil {
		logger.Error(ctx, err, "Failed to load closed positions, starting empty")
		return l, nil
	}
	l.open = open
	l.closed = closed
	for _, p := range append(open, closed...) {
		if p.ID >= l.nextID {
			l.nextID = p.ID + 1
		}
	}
	logger.Info(ctx, "Ledger state loaded", map[string]interface{}{
		"openPositions":   len(open),
		"closedPositions": len(closed),
	})
	return l, nil
}

// AddPosition records a new lot created from an observed buy fill.
func (l *Ledger) AddPosition(ctx context.Context, symbol string, buyPrice, amount float64) (*domain.Position, error) {
	if buyPrice <= 0 {
		return nil, fmt.Errorf("buy price must be positive: %w", ports.ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", ports.ErrInvalidRequest)
	}

	pos := &domain.Position{
		Symbol:   symbol,
		BuyPrice: buyPrice,
		Amount:   amount,
		OpenedAt: time.Now().UTC(),
		Status:   domain.StatusOpen,
	}
	l.open = append(l.open, pos)

	if l.repo != nil {
		id, err := l.repo.Create(ctx, pos)
		if err != nil {
			l.logger.Error(ctx, err, "Failed to persist new position, continuing", map[string]interface{}{"symbol": symbol})
			pos.ID = l.fallbackID()
		} else {
			pos.ID = id
			if id >= l.nextID {
				l.nextID = id + 1
			}
		}
	} else {
		pos.ID = l.fallbackID()
	}

	l.logger.Info(ctx, "New position added", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     symbol,
		"buyPrice":   buyPrice,
		"amount":     amount,
	})
	return pos, nil
}

func (l *Ledger) fallbackID() int64 {
	id := l.nextID
	l.nextID++
	return id
}

// ClosePosition applies a sell fill against a lot. amountSold at or above the
// remaining amount closes the lot fully and moves it to the closed
// collection; anything less is a partial close that reduces the remaining
// amount and keeps the lot open with status partial.
// Closing an already-closed lot is rejected and mutates nothing.
func (l *Ledger) ClosePosition(ctx context.Context, pos *domain.Position, exitPrice, amountSold float64) error {
	if pos == nil {
		return fmt.Errorf("position is nil: %w", ports.ErrInvalidRequest)
	}
	if pos.Status == domain.StatusClosed {
		return fmt.Errorf("position %d: %w", pos.ID, ports.ErrPositionClosed)
	}
	if exitPrice <= 0 || amountSold <= 0 {
		return fmt.Errorf("exit price and amount must be positive: %w", ports.ErrInvalidRequest)
	}

	full := amountSold >= pos.Amount
	sold := amountSold
	if full {
		sold = pos.Amount
	}

	pos.RealizedPnL += (exitPrice - pos.BuyPrice) * sold

	// Exit fields are set only when the lot is fully sold; a partially sold
	// lot is still open and carries no exit.
	if full {
		now := time.Now().UTC()
		pos.ExitPrice = &exitPrice
		pos.ClosedAt = &now
		pos.Status = domain.StatusClosed
		l.removeOpen(pos)
		l.closed = append(l.closed, pos)
	} else {
		pos.Status = domain.StatusPartial
		pos.Amount -= sold
	}

	if l.repo != nil {
		if err := l.repo.Update(ctx, pos); err != nil {
			l.logger.Error(ctx, err, "Failed to persist position close, continuing", map[string]interface{}{"positionID": pos.ID})
		}
	}

	l.logger.Info(ctx, "Position close applied", map[string]interface{}{
		"positionID": pos.ID,
		"exitPrice":  exitPrice,
		"amountSold": sold,
		"status":     pos.Status,
	})
	return nil
}

func (l *Ledger) removeOpen(pos *domain.Position) {
	for i, p := range l.open {
		if p == pos {
			l.open = append(l.open[:i], l.open[i+1:]...)
			return
		}
	}
}

// OpenPositions returns a copy of the open-lot slice, ordered by open time.
func (l *Ledger) OpenPositions() []*domain.Position {
	out := make([]*domain.Position, len(l.open))
	copy(out, l.open)
	return out
}

// ClosedPositions returns a copy of the closed-lot history.
func (l *Ledger) ClosedPositions() []*domain.Position {
	out := make([]*domain.Position, len(l.closed))
	copy(out, l.closed)
	return out
}

// OpenCount returns the number of open lots.
func (l *Ledger) OpenCount() int { return len(l.open) }

// LastBuyPrice returns the buy price of the most recently opened open lot.
// The second return is false when no lots are open.
func (l *Ledger) LastBuyPrice() (float64, bool) {
	if len(l.open) == 0 {
		return 0, false
	}
	last := l.open[0]
	for _, p := range l.open[1:] {
		if p.OpenedAt.After(last.OpenedAt) {
			last = p
		}
	}
	return last.BuyPrice, true
}

// AverageBuyPrice returns the amount-weighted mean buy price over open lots.
// The second return is false when no lots are open.
func (l *Ledger) AverageBuyPrice() (float64, bool) {
	var totalCost, totalAmount float64
	for _, p := range l.open {
		totalCost += p.BuyPrice * p.Amount
		totalAmount += p.Amount
	}
	if totalAmount <= 0 {
		return 0, false
	}
	return totalCost / totalAmount, true
}

// TotalBaseAmount returns the base-asset amount held across open lots.
func (l *Ledger) TotalBaseAmount() float64 {
	var total float64
	for _, p := range l.open {
		total += p.Amount
	}
	return total
}

// UnrealizedPnL summarizes the mark-to-market state of the open lots.
type UnrealizedPnL struct {
	Absolute     float64
	Percentage   float64
	TotalCost    float64
	CurrentValue float64
}

// UnrealizedPnLAt values the open lots at the given price.
func (l *Ledger) UnrealizedPnLAt(currentPrice float64) UnrealizedPnL {
	if currentPrice <= 0 || len(l.open) == 0 {
		return UnrealizedPnL{}
	}
	var totalCost, totalAmount float64
	for _, p := range l.open {
		totalCost += p.BuyPrice * p.Amount
		totalAmount += p.Amount
	}
	value := totalAmount * currentPrice
	pnl := UnrealizedPnL{
		Absolute:     value - totalCost,
		TotalCost:    totalCost,
		CurrentValue: value,
	}
	if totalCost > 0 {
		pnl.Percentage = pnl.Absolute / totalCost * 100
	}
	return pnl
}

// RealizedPnL summarizes the closed-lot history.
type RealizedPnL struct {
	Absolute      float64
	TotalTrades   int
	WinningTrades int
	WinRate       float64 // percentage
}

// RealizedPnLTotal aggregates profit, trade count, and win rate over closed lots.
func (l *Ledger) RealizedPnLTotal() RealizedPnL {
	out := RealizedPnL{TotalTrades: len(l.closed)}
	for _, p := range l.closed {
		out.Absolute += p.RealizedPnL
		if p.RealizedPnL > 0 {
			out.WinningTrades++
		}
	}
	if out.TotalTrades > 0 {
		out.WinRate = float64(out.WinningTrades) / float64(out.TotalTrades) * 100
	}
	return out
}

// ProfitableCount returns how many open lots would clear their fee-aware
// target if sold at the given price.
func (l *Ledger) ProfitableCount(currentPrice, margin float64, fees pricing.FeeRates) int {
	if currentPrice <= 0 {
		return 0
	}
	n := 0
	for _, p := range l.open {
		if pricing.RequiredSellPrice(p.BuyPrice, margin, fees) <= currentPrice {
			n++
		}
	}
	return n
}

// ShouldBuyMore reports whether the dip trigger has armed: always true with
// no open lots, otherwise true iff the current price has dropped
// triggerPercent percent below the last buy price.
func (l *Ledger) ShouldBuyMore(currentPrice, triggerPercent float64) bool {
	last, ok := l.LastBuyPrice()
	if !ok {
		return true
	}
	return currentPrice <= last*(1-triggerPercent/100)
}

// ClearAll moves every open lot to the closed collection without marking a
// sale. Used by the engine's reset path.
func (l *Ledger) ClearAll(ctx context.Context) {
	for _, p := range l.open {
		p.Status = domain.StatusClosed
		if l.repo != nil {
			if err := l.repo.Update(ctx, p); err != nil {
				l.logger.Error(ctx, err, "Failed to persist cleared position, continuing", map[string]interface{}{"positionID": p.ID})
			}
		}
	}
	l.closed = append(l.closed, l.open...)
	l.open = nil
	l.logger.Info(ctx, "All open positions cleared")
}
