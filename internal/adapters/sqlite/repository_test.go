package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/domain"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: noopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestPositionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := &domain.Position{
		Symbol:   "BTCUSDT",
		BuyPrice: 50000,
		Amount:   0.01,
		OpenedAt: time.Now().UTC().Truncate(time.Second),
		Status:   domain.StatusOpen,
	}
	id, err := repo.Create(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, id, pos.ID)

	open, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pos.Symbol, open[0].Symbol)
	assert.Equal(t, pos.BuyPrice, open[0].BuyPrice)
	assert.Nil(t, open[0].ExitPrice)
	assert.Nil(t, open[0].ClosedAt)

	// Close it and check it migrates between the two queries.
	exit := 51000.0
	now := time.Now().UTC().Truncate(time.Second)
	sellID := "abc-123"
	pos.Status = domain.StatusClosed
	pos.ExitPrice = &exit
	pos.ClosedAt = &now
	pos.LinkedSellOrderID = &sellID
	pos.RealizedPnL = 10
	require.NoError(t, repo.Update(ctx, pos))

	open, err = repo.FindOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := repo.FindClosed(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].ExitPrice)
	assert.Equal(t, exit, *closed[0].ExitPrice)
	require.NotNil(t, closed[0].LinkedSellOrderID)
	assert.Equal(t, sellID, *closed[0].LinkedSellOrderID)
	assert.Equal(t, 10.0, closed[0].RealizedPnL)
}

func TestPartialPositionsCountAsOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := &domain.Position{
		Symbol:   "BTCUSDT",
		BuyPrice: 50000,
		Amount:   0.006,
		OpenedAt: time.Now().UTC(),
		Status:   domain.StatusPartial,
	}
	_, err := repo.Create(ctx, pos)
	require.NoError(t, err)

	open, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestUpdateMissingPosition(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Update(context.Background(), &domain.Position{ID: 42, OpenedAt: time.Now(), Status: domain.StatusOpen})
	assert.Error(t, err)
}

func TestSimBalanceRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, found, err := repo.LoadBalance(ctx)
	require.NoError(t, err)
	assert.False(t, found, "fresh database has no balance row")

	require.NoError(t, repo.SaveBalance(ctx, domain.Balance{Quote: 50, Base: 0}))
	require.NoError(t, repo.SaveBalance(ctx, domain.Balance{Quote: 35, Base: 0.0003}))

	bal, found, err := repo.LoadBalance(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 35.0, bal.Quote)
	assert.Equal(t, 0.0003, bal.Base)
}

func TestSimOrderRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	price := 49000.0
	order := &domain.Order{
		ID:              "ord-1",
		Symbol:          "BTCUSDT",
		Side:            domain.Buy,
		Kind:            domain.Limit,
		RequestedAmount: 0.001,
		RequestedPrice:  &price,
		Status:          domain.OrderOpen,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.SaveOrder(ctx, order))

	// Fill it and upsert.
	now := time.Now().UTC().Truncate(time.Second)
	order.Status = domain.OrderFilled
	order.FilledAmount = 0.001
	order.FilledFunds = 49
	order.Fee = 0.049
	order.FilledAt = &now
	require.NoError(t, repo.SaveOrder(ctx, order))

	orders, err := repo.LoadOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderFilled, orders[0].Status)
	assert.Equal(t, 0.001, orders[0].FilledAmount)
	require.NotNil(t, orders[0].RequestedPrice)
	assert.Equal(t, price, *orders[0].RequestedPrice)
	require.NotNil(t, orders[0].FilledAt)
}

func TestClearSimState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveBalance(ctx, domain.Balance{Quote: 50}))
	require.NoError(t, repo.SaveOrder(ctx, &domain.Order{
		ID: "ord-1", Symbol: "BTCUSDT", Side: domain.Buy, Kind: domain.Market,
		RequestedAmount: 0.001, Status: domain.OrderFilled, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, repo.ClearSimState(ctx))

	orders, err := repo.LoadOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
	_, found, err := repo.LoadBalance(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}
