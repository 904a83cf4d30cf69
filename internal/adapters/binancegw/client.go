// Package binancegw implements the Gateway contract against the Binance spot
// API using the go-binance library.
package binancegw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dcabot/internal/domain"
	"dcabot/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements ports.Gateway over the Binance spot REST API.
type Client struct {
	spot   *binance.Client
	logger ports.Logger
	symbol string
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Symbol     string // exchange symbol, e.g. "BTCUSDT"
	Logger     ports.Logger
}

// New creates a new Binance spot gateway.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance gateway")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("trading symbol is required: %w", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Gateway will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet.
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{spot: client, logger: cfg.Logger, symbol: cfg.Symbol}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1121, -1130: // Parameter/request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected (includes insufficient balance on spot)
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / bad key, IP, or permissions
			mappedErr = ports.ErrInvalidAPIKeys
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.spot.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetCurrentPrice retrieves the last traded price. The client is bound to
// one exchange symbol at construction; the argument satisfies the Gateway
// contract but the configured symbol is what goes on the wire, since caller
// symbols like "BTC-USDT" are not valid exchange identifiers.
func (c *Client) GetCurrentPrice(ctx context.Context, _ string) (float64, error) {
	op := "GetCurrentPrice"
	prices, err := c.spot.NewListPricesService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s: %w", c.symbol, ports.ErrPriceUnavailable)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetBalance retrieves the free balance for a specific asset (e.g. "USDT").
func (c *Client) GetBalance(ctx context.Context, currency string) (float64, error) {
	op := "GetBalance"
	account, err := c.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Balances {
		if bal.Asset == currency {
			free, err := strconv.ParseFloat(bal.Free, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.Free, currency, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return free, nil
		}
	}

	// Spot accounts omit assets never held; treat them as a zero balance.
	c.logger.Debug(ctx, op+": asset not present in account, reporting zero", map[string]interface{}{"asset": currency})
	return 0, nil
}

// PlaceOrder submits a spot order. Limit orders are GTC; the ID returned is
// the exchange order ID rendered as a string.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (string, error) {
	op := "PlaceOrder"
	if req.Amount <= 0 {
		return "", fmt.Errorf("%s: order amount must be positive: %w", op, ports.ErrInvalidRequest)
	}

	svc := c.spot.NewCreateOrderService().
		Symbol(c.symbol).
		Side(binance.SideType(req.Side)).
		Quantity(formatFloat(req.Amount))

	switch req.Kind {
	case domain.Market:
		svc = svc.Type(binance.OrderTypeMarket)
	case domain.Limit:
		if req.Price <= 0 {
			return "", fmt.Errorf("%s: limit order requires a positive price: %w", op, ports.ErrInvalidRequest)
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	default:
		return "", fmt.Errorf("%s: unsupported order kind %q: %w", op, req.Kind, ports.ErrInvalidRequest)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}

	orderID := strconv.FormatInt(order.OrderID, 10)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":  c.symbol,
		"side":    req.Side,
		"kind":    req.Kind,
		"amount":  req.Amount,
		"orderID": orderID,
		"status":  string(order.Status),
	})
	return orderID, nil
}

// GetOrderStatus retrieves the current state of an order. For filled orders
// the fee is summed over the order's trades, converted to quote terms.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*ports.OrderState, error) {
	op := "GetOrderStatus"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}

	order, err := c.spot.NewGetOrderService().Symbol(c.symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	state := &ports.OrderState{
		ID:     orderID,
		Status: translateStatus(order.Status),
	}
	state.FilledAmount, err = strconv.ParseFloat(order.ExecutedQuantity, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse executed quantity '%s': %w", order.ExecutedQuantity, err), op)
	}
	state.FilledFunds, err = strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse quote quantity '%s': %w", order.CummulativeQuoteQuantity, err), op)
	}

	if state.FilledAmount > 0 {
		fee, err := c.orderFee(ctx, id, state)
		if err != nil {
			// A fee lookup failure must not mask a successful status poll.
			c.logger.Warn(ctx, op+": fee lookup failed, reporting zero fee", map[string]interface{}{
				"orderID": orderID,
				"error":   err.Error(),
			})
		} else {
			state.Fee = fee
		}
	}
	return state, nil
}

// orderFee sums trade commissions for an order. Commission paid in the base
// asset is converted to quote terms at the average fill price.
func (c *Client) orderFee(ctx context.Context, orderID int64, state *ports.OrderState) (float64, error) {
	trades, err := c.spot.NewListTradesService().Symbol(c.symbol).OrderId(orderID).Do(ctx)
	if err != nil {
		return 0, err
	}

	avgPrice := 0.0
	if state.FilledAmount > 0 {
		avgPrice = state.FilledFunds / state.FilledAmount
	}

	var fee float64
	for _, t := range trades {
		commission, err := strconv.ParseFloat(t.Commission, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse commission '%s': %w", t.Commission, err)
		}
		if strings.HasSuffix(c.symbol, t.CommissionAsset) {
			fee += commission
		} else {
			fee += commission * avgPrice
		}
	}
	return fee, nil
}

// CancelOrder cancels an open order. Returns false without an error when the
// order is already in a terminal state, so callers can treat cancellation as
// idempotent.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%s: malformed order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": c.symbol, "orderID": orderID})

	_, err = c.spot.NewCancelOrderService().Symbol(c.symbol).OrderID(id).Do(ctx)
	if err != nil {
		handled := c.handleError(ctx, err, op)
		if errors.Is(handled, ports.ErrOrderNotFound) || errors.Is(handled, ports.ErrOrderCancelFailed) {
			return false, nil
		}
		return false, handled
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": c.symbol, "orderID": orderID})
	return true, nil
}

// --- Translation Helpers ---

// translateStatus collapses the exchange's order states onto the three the
// bot tracks. Partially filled orders remain open until the exchange reports
// a terminal state; expired and rejected orders surface as cancelled with
// whatever quantity did execute.
func translateStatus(status binance.OrderStatusType) domain.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return domain.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected,
		binance.OrderStatusTypeExpired, binance.OrderStatusTypePendingCancel:
		return domain.OrderCancelled
	default: // NEW, PARTIALLY_FILLED
		return domain.OrderOpen
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
