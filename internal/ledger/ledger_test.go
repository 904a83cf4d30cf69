package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/domain"
	"dcabot/internal/ports"
	"dcabot/internal/pricing"
)

// Mock implementations

type mockLogger struct {
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockPositionRepo struct {
	created   []*domain.Position
	updated   []*domain.Position
	createErr error
	updateErr error
	open      []*domain.Position
	closed    []*domain.Position
	loadErr   error
	nextID    int64
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	m.created = append(m.created, pos)
	return m.nextID, nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = append(m.updated, pos)
	return nil
}

func (m *mockPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return m.open, m.loadErr
}

func (m *mockPositionRepo) FindClosed(ctx context.Context) ([]*domain.Position, error) {
	return m.closed, m.loadErr
}

func newTestLedger(t *testing.T) (*Ledger, *mockPositionRepo) {
	t.Helper()
	repo := &mockPositionRepo{}
	l, err := New(&mockLogger{}, repo)
	require.NoError(t, err)
	return l, repo
}

func TestAddPosition(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	pos, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, 50000.0, pos.BuyPrice)
	assert.Equal(t, 0.01, pos.Amount)
	assert.Len(t, repo.created, 1)
	assert.Equal(t, 1, l.OpenCount())

	_, err = l.AddPosition(ctx, "BTCUSDT", 0, 0.01)
	assert.Error(t, err, "zero buy price must be rejected")
	_, err = l.AddPosition(ctx, "BTCUSDT", 50000, 0)
	assert.Error(t, err, "zero amount must be rejected")
	assert.Equal(t, 1, l.OpenCount())
}

func TestAddPositionPersistFailureDoesNotBlock(t *testing.T) {
	logger := &mockLogger{}
	repo := &mockPositionRepo{createErr: errors.New("disk full")}
	l, err := New(logger, repo)
	require.NoError(t, err)

	pos, err := l.AddPosition(context.Background(), "BTCUSDT", 50000, 0.01)
	require.NoError(t, err, "persistence failure must not block the decision path")
	assert.NotZero(t, pos.ID)
	assert.NotEmpty(t, logger.errorMsgs)
}

func TestClosePositionFull(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	pos, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)

	require.NoError(t, l.ClosePosition(ctx, pos, 51000, 0.01))
	assert.Equal(t, domain.StatusClosed, pos.Status)
	require.NotNil(t, pos.ExitPrice)
	assert.Equal(t, 51000.0, *pos.ExitPrice)
	assert.NotNil(t, pos.ClosedAt)
	assert.InDelta(t, 10.0, pos.RealizedPnL, 1e-9)
	assert.Equal(t, 0, l.OpenCount())
	assert.Len(t, l.ClosedPositions(), 1)
	assert.Len(t, repo.updated, 1)
}

func TestClosePositionPartial(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	pos, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)

	require.NoError(t, l.ClosePosition(ctx, pos, 51000, 0.004))
	assert.Equal(t, domain.StatusPartial, pos.Status)
	assert.InDelta(t, 0.006, pos.Amount, 1e-12)
	assert.Equal(t, 1, l.OpenCount(), "partial close keeps the lot open")
	assert.InDelta(t, 4.0, pos.RealizedPnL, 1e-9)
	assert.Nil(t, pos.ExitPrice, "a lot that is still open carries no exit")
	assert.Nil(t, pos.ClosedAt)

	// Selling at least the remainder finishes the lot and sets the exit.
	require.NoError(t, l.ClosePosition(ctx, pos, 52000, 0.01))
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Equal(t, 0, l.OpenCount())
	assert.InDelta(t, 4.0+2000*0.006, pos.RealizedPnL, 1e-9)
	require.NotNil(t, pos.ExitPrice)
	assert.Equal(t, 52000.0, *pos.ExitPrice)
	assert.NotNil(t, pos.ClosedAt)
}

func TestClosePositionAlreadyClosed(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	pos, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)
	require.NoError(t, l.ClosePosition(ctx, pos, 51000, 0.01))

	pnlBefore := pos.RealizedPnL
	err = l.ClosePosition(ctx, pos, 60000, 0.01)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPositionClosed))
	assert.Equal(t, pnlBefore, pos.RealizedPnL, "re-close must never re-credit")
	assert.Len(t, l.ClosedPositions(), 1)
}

func TestLastAndAverageBuyPrice(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, ok := l.LastBuyPrice()
	assert.False(t, ok)
	_, ok = l.AverageBuyPrice()
	assert.False(t, ok)

	p1, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)
	p2, err := l.AddPosition(ctx, "BTCUSDT", 49000, 0.03)
	require.NoError(t, err)
	// Guarantee distinct open times regardless of clock resolution.
	p1.OpenedAt = time.Now().UTC().Add(-time.Minute)
	p2.OpenedAt = time.Now().UTC()

	last, ok := l.LastBuyPrice()
	require.True(t, ok)
	assert.Equal(t, 49000.0, last)

	avg, ok := l.AverageBuyPrice()
	require.True(t, ok)
	assert.InDelta(t, (50000*0.01+49000*0.03)/0.04, avg, 1e-9)

	assert.InDelta(t, 0.04, l.TotalBaseAmount(), 1e-12)
}

func TestShouldBuyMore(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	assert.True(t, l.ShouldBuyMore(50000, 0.5), "no open lots always arms the trigger")

	_, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)

	assert.False(t, l.ShouldBuyMore(50000, 0.5))
	assert.False(t, l.ShouldBuyMore(49800, 0.5))
	assert.True(t, l.ShouldBuyMore(49750, 0.5), "exactly at the trigger level buys")
	assert.True(t, l.ShouldBuyMore(49000, 0.5))
}

func TestProfitableCount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fees := pricing.FeeRates{Buy: 0.001, Sell: 0.001}

	_, err := l.AddPosition(ctx, "BTCUSDT", 99.0, 0.01) // target ~99.7
	require.NoError(t, err)
	_, err = l.AddPosition(ctx, "BTCUSDT", 105.0, 0.01) // target ~105.7
	require.NoError(t, err)

	assert.Equal(t, 1, l.ProfitableCount(100.0, 0.005, fees))
	assert.Equal(t, 2, l.ProfitableCount(106.0, 0.005, fees))
	assert.Equal(t, 0, l.ProfitableCount(0, 0.005, fees), "no price means nothing is marked profitable")
}

func TestUnrealizedPnL(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	assert.Zero(t, l.UnrealizedPnLAt(50000).Absolute)

	_, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.02)
	require.NoError(t, err)

	pnl := l.UnrealizedPnLAt(51000)
	assert.InDelta(t, 20.0, pnl.Absolute, 1e-9)
	assert.InDelta(t, 1000.0, pnl.TotalCost, 1e-9)
	assert.InDelta(t, 1020.0, pnl.CurrentValue, 1e-9)
	assert.InDelta(t, 2.0, pnl.Percentage, 1e-9)
}

func TestRealizedPnLTotal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	win, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)
	loss, err := l.AddPosition(ctx, "BTCUSDT", 52000, 0.01)
	require.NoError(t, err)

	require.NoError(t, l.ClosePosition(ctx, win, 51000, 0.01))
	require.NoError(t, l.ClosePosition(ctx, loss, 51000, 0.01))

	total := l.RealizedPnLTotal()
	assert.Equal(t, 2, total.TotalTrades)
	assert.Equal(t, 1, total.WinningTrades)
	assert.InDelta(t, 50.0, total.WinRate, 1e-9)
	assert.InDelta(t, 10.0-10.0, total.Absolute, 1e-9)
}

func TestLoadPersistedState(t *testing.T) {
	exit := 51000.0
	now := time.Now().UTC()
	repo := &mockPositionRepo{
		open: []*domain.Position{
			{ID: 3, Symbol: "BTCUSDT", BuyPrice: 50000, Amount: 0.01, OpenedAt: now, Status: domain.StatusOpen},
		},
		closed: []*domain.Position{
			{ID: 1, Symbol: "BTCUSDT", BuyPrice: 48000, Amount: 0.01, OpenedAt: now.Add(-time.Hour),
				Status: domain.StatusClosed, ExitPrice: &exit, ClosedAt: &now, RealizedPnL: 30},
		},
	}
	l, err := New(&mockLogger{}, repo)
	require.NoError(t, err)

	assert.Equal(t, 1, l.OpenCount())
	assert.Len(t, l.ClosedPositions(), 1)

	// New IDs must not collide with reloaded ones when persistence fails.
	repo.createErr = errors.New("db gone")
	pos, err := l.AddPosition(context.Background(), "BTCUSDT", 49000, 0.01)
	require.NoError(t, err)
	assert.Greater(t, pos.ID, int64(3))
}

func TestClearAll(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddPosition(ctx, "BTCUSDT", 50000, 0.01)
	require.NoError(t, err)
	_, err = l.AddPosition(ctx, "BTCUSDT", 49000, 0.01)
	require.NoError(t, err)

	l.ClearAll(ctx)
	assert.Equal(t, 0, l.OpenCount())
	assert.Len(t, l.ClosedPositions(), 2)
}
