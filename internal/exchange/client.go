// Package exchange is the concrete adapter binding transport.RestClient
// and transport.Stream to a live exchange. Its REST signing, retry and
// backoff shape is adapted from the teacher's internal/binance package
// (FuturesClientImpl.signedGet/signedPost, calculateRetryDelay), redirected
// at the Bybit V5-shaped endpoints this engine's wire contract names:
// tickers, instruments-info, kline, orderbook, order/create, set-leverage,
// set-trading-stop, position/list.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/transport"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "5000"
)

// Config holds the exchange REST connection parameters. Credentials are
// supplied by the caller (internal/secrets), never read here.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

// Client implements transport.RestClient against a Bybit V5-shaped REST
// API using HMAC-SHA256 request signing.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "ExchangeClient").Logger(),
	}
}

var _ transport.RestClient = (*Client)(nil)

func (c *Client) GetOrderBookTop(ctx context.Context, symbol string) (transport.OrderBookTop, error) {
	body, err := c.publicGet(ctx, "/v5/market/orderbook", url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"limit":    {"1"},
	})
	if err != nil {
		return transport.OrderBookTop{}, fmt.Errorf("exchange: orderbook top: %w", err)
	}

	var resp struct {
		Result struct {
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return transport.OrderBookTop{}, err
	}
	if len(resp.Result.B) == 0 || len(resp.Result.A) == 0 {
		return transport.OrderBookTop{}, fmt.Errorf("exchange: empty orderbook for %s", symbol)
	}

	bid, err := decimal.NewFromString(resp.Result.B[0][0])
	if err != nil {
		return transport.OrderBookTop{}, fmt.Errorf("exchange: parse best bid: %w", err)
	}
	ask, err := decimal.NewFromString(resp.Result.A[0][0])
	if err != nil {
		return transport.OrderBookTop{}, fmt.Errorf("exchange: parse best ask: %w", err)
	}
	return transport.OrderBookTop{BestBid: bid, BestAsk: ask}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, params transport.PlaceOrderParams) (transport.PlaceOrderResult, error) {
	side := "Buy"
	if params.Side == domain.Short {
		side = "Sell"
	}

	body := map[string]string{
		"category":    "linear",
		"symbol":      params.Symbol,
		"side":        side,
		"orderType":   "Limit",
		"qty":         params.Qty.String(),
		"price":       params.Price.String(),
		"timeInForce": string(params.TimeInForce),
	}
	if params.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	respBody, err := c.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return transport.PlaceOrderResult{}, fmt.Errorf("exchange: place order: %w", err)
	}

	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return transport.PlaceOrderResult{}, fmt.Errorf("exchange: decode place order response: %w", err)
	}

	if resp.RetCode != 0 {
		if isPostOnlyReject(resp.RetMsg) {
			return transport.PlaceOrderResult{PostOnlyRejected: true}, nil
		}
		return transport.PlaceOrderResult{}, fmt.Errorf("exchange: place order retCode=%d: %s", resp.RetCode, resp.RetMsg)
	}

	return transport.PlaceOrderResult{OrderID: resp.Result.OrderID}, nil
}

func isPostOnlyReject(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "postonly") && strings.Contains(lower, "cross")
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.signedPost(ctx, "/v5/order/cancel", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("exchange: cancel order: %w", err)
	}
	return nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := c.signedPost(ctx, "/v5/order/cancel-all", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return fmt.Errorf("exchange: cancel all orders: %w", err)
	}
	return nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]transport.OpenOrder, error) {
	body, err := c.signedGet(ctx, "/v5/order/realtime", url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: open orders: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return nil, err
	}

	orders := make([]transport.OpenOrder, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		orders = append(orders, transport.OpenOrder{
			OrderID: o.OrderID,
			Status:  mapOrderStatus(o.OrderStatus),
		})
	}
	return orders, nil
}

func mapOrderStatus(exchangeStatus string) transport.OrderStatus {
	switch exchangeStatus {
	case "Filled":
		return transport.OrderStatusFilled
	case "Cancelled":
		return transport.OrderStatusCancelled
	case "Rejected":
		return transport.OrderStatusRejected
	case "Deactivated":
		return transport.OrderStatusDeactivated
	case "PartiallyFilled":
		return transport.OrderStatusNew
	default:
		return transport.OrderStatusNew
	}
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	lev := strconv.FormatInt(leverage, 10)
	_, err := c.signedPost(ctx, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if err != nil {
		return fmt.Errorf("exchange: set leverage: %w", err)
	}
	return nil
}

func (c *Client) SetStopLoss(ctx context.Context, symbol string, slPrice decimal.Decimal) error {
	_, err := c.signedPost(ctx, "/v5/position/trading-stop", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"stopLoss": slPrice.String(),
	})
	if err != nil {
		return fmt.Errorf("exchange: set stop loss: %w", err)
	}
	return nil
}

func (c *Client) ClosePositionMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) error {
	closeSide := "Sell"
	if side == domain.Short {
		closeSide = "Buy"
	}
	_, err := c.signedPost(ctx, "/v5/order/create", map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        closeSide,
		"orderType":   "Market",
		"qty":         qty.String(),
		"reduceOnly":  "true",
		"timeInForce": "IOC",
	})
	if err != nil {
		return fmt.Errorf("exchange: close position market: %w", err)
	}
	return nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]transport.PositionInfo, error) {
	body, err := c.signedGet(ctx, "/v5/position/list", url.Values{
		"category":    {"linear"},
		"settleCoin": {"USDT"},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: open positions: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol         string `json:"symbol"`
				Side           string `json:"side"`
				Size           string `json:"size"`
				UnrealisedPnl  string `json:"unrealisedPnl"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]transport.PositionInfo, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		qty, err := decimal.NewFromString(p.Size)
		if err != nil || qty.IsZero() {
			continue
		}
		pnl, _ := decimal.NewFromString(p.UnrealisedPnl)
		side := domain.Long
		if p.Side == "Sell" {
			side = domain.Short
		}
		positions = append(positions, transport.PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           qty,
			UnrealizedPnL: pnl,
		})
	}
	return positions, nil
}

func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (domain.CoinInfo, error) {
	body, err := c.publicGet(ctx, "/v5/market/instruments-info", url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
	})
	if err != nil {
		return domain.CoinInfo{}, fmt.Errorf("exchange: symbol info: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				BaseCoin    string `json:"baseCoin"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return domain.CoinInfo{}, err
	}
	if len(resp.Result.List) == 0 {
		return domain.CoinInfo{}, fmt.Errorf("exchange: unknown symbol %s", symbol)
	}

	entry := resp.Result.List[0]
	minQty, _ := decimal.NewFromString(entry.LotSizeFilter.MinOrderQty)
	qtyStep, _ := decimal.NewFromString(entry.LotSizeFilter.QtyStep)
	tickSize, _ := decimal.NewFromString(entry.PriceFilter.TickSize)

	return domain.CoinInfo{
		Symbol:    entry.Symbol,
		BaseAsset: entry.BaseCoin,
		MinQty:    minQty,
		QtyStep:   qtyStep,
		TickSize:  tickSize,
	}, nil
}

func (c *Client) GetTopSymbolsByVolume(ctx context.Context, limit int) ([]domain.CoinInfo, error) {
	body, err := c.publicGet(ctx, "/v5/market/tickers", url.Values{
		"category": {"linear"},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: top symbols by volume: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Turnover24h string `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return nil, err
	}

	type ranked struct {
		symbol   string
		turnover decimal.Decimal
	}
	all := make([]ranked, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		turnover, err := decimal.NewFromString(t.Turnover24h)
		if err != nil {
			continue
		}
		all = append(all, ranked{symbol: t.Symbol, turnover: turnover})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].turnover.GreaterThan(all[j].turnover) })

	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	coins := make([]domain.CoinInfo, 0, len(all))
	for _, r := range all {
		info, err := c.GetSymbolInfo(ctx, r.symbol)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", r.symbol).Msg("skipping symbol without instrument metadata")
			continue
		}
		info.Volume24h = r.turnover
		coins = append(coins, info)
	}
	return coins, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	body, err := c.publicGet(ctx, "/v5/market/kline", url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: klines: %w", err)
	}

	var resp struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &resp); err != nil {
		return nil, err
	}

	// Exchange returns newest-first; the engine wants oldest-first.
	candles := make([]domain.Candle, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		if len(row) < 6 {
			continue
		}
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func parseKlineRow(row []string) (domain.Candle, error) {
	if len(row) < 6 {
		return domain.Candle{}, fmt.Errorf("exchange: kline row has %d fields, want at least 6", len(row))
	}
	start, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline start: %w", err)
	}
	open, err := decimal.NewFromString(row[1])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline open: %w", err)
	}
	high, err := decimal.NewFromString(row[2])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline high: %w", err)
	}
	low, err := decimal.NewFromString(row[3])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline low: %w", err)
	}
	closePrice, err := decimal.NewFromString(row[4])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline close: %w", err)
	}
	volume, err := decimal.NewFromString(row[5])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("exchange: parse kline volume: %w", err)
	}
	return domain.Candle{
		TimestampMs: start,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		Confirmed:   true,
	}, nil
}

func unmarshalResult(body []byte, out interface{}) error {
	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("exchange: decode response envelope: %w", err)
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("exchange: retCode=%d: %s", envelope.RetCode, envelope.RetMsg)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("exchange: decode response body: %w", err)
	}
	return nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) publicGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s?%s", c.cfg.BaseURL, endpoint, params.Encode())
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

func (c *Client) signedGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	query := params.Encode()

	reqURL := fmt.Sprintf("%s%s?%s", c.cfg.BaseURL, endpoint, query)
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := c.sign(timestamp + c.cfg.APIKey + recvWindow + query)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		setSignedHeaders(req, c.cfg.APIKey, timestamp, signature)
		return req, nil
	})
}

func (c *Client) signedPost(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("exchange: marshal request body: %w", err)
	}

	reqURL := c.cfg.BaseURL + endpoint
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := c.sign(timestamp + c.cfg.APIKey + recvWindow + string(payload))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		setSignedHeaders(req, c.cfg.APIKey, timestamp, signature)
		return req, nil
	})
}

func setSignedHeaders(req *http.Request, apiKey, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

// doWithRetry executes a request built fresh on each attempt (timestamps
// must not be reused across retries), retrying transient failures with
// exponential backoff and jitter.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				c.sleepWithBackoff(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("exchange: read response body: %w", err)
		}

		if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			lastErr = fmt.Errorf("exchange: status %d: %s", resp.StatusCode, string(body))
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("retrying exchange request")
			c.sleepWithBackoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("exchange: status %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}

	return nil, lastErr
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) sleepWithBackoff(ctx context.Context, attempt int) {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay = delay + jitter - (delay / 4)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
