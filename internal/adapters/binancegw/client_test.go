package binancegw

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/domain"
	"dcabot/internal/ports"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// The client is bound to one exchange symbol at construction. Every request
// must carry that symbol, regardless of what callers pass through the
// Gateway contract: strategy-side names like "BTC-USDT" are not valid
// exchange identifiers.
func TestRequestsUseConfiguredExchangeSymbol(t *testing.T) {
	seen := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/api/v3/ticker/price":
			seen["price"] = r.Form.Get("symbol")
			fmt.Fprint(w, `[{"symbol":"BTCUSDT","price":"50000.00"}]`)
		case "/api/v3/order":
			seen["order"] = r.Form.Get("symbol")
			fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":123,"status":"NEW"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", SecretKey: "secret", Symbol: "BTCUSDT", Logger: noopLogger{}})
	require.NoError(t, err)
	c.spot.BaseURL = srv.URL

	price, err := c.GetCurrentPrice(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price)
	assert.Equal(t, "BTCUSDT", seen["price"])

	id, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Symbol: "BTC-USDT", Side: domain.Buy, Kind: domain.Limit, Amount: 0.001, Price: 50000,
	})
	require.NoError(t, err)
	assert.Equal(t, "123", id)
	assert.Equal(t, "BTCUSDT", seen["order"])
}

func TestTranslateStatus(t *testing.T) {
	assert.Equal(t, domain.OrderFilled, translateStatus("FILLED"))
	assert.Equal(t, domain.OrderCancelled, translateStatus("CANCELED"))
	assert.Equal(t, domain.OrderCancelled, translateStatus("EXPIRED"))
	assert.Equal(t, domain.OrderCancelled, translateStatus("REJECTED"))
	assert.Equal(t, domain.OrderOpen, translateStatus("NEW"))
	assert.Equal(t, domain.OrderOpen, translateStatus("PARTIALLY_FILLED"))
}
