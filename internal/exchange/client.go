package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/regimebot/regimebot/internal/domain"
)

// HTTPConfig configures the exchange HTTP client.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	RecvWindowMs   int64
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	RetryCount     int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

// DefaultHTTPConfig returns production defaults: 5s request timeout, 10
// tokens/second, 3 retries with exponential 100ms-2s backoff.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		RecvWindowMs:   5000,
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   10,
		RateLimitBurst: 10,
		RetryCount:     3,
		RetryWaitMin:   100 * time.Millisecond,
		RetryWaitMax:   2 * time.Second,
	}
}

// HTTPClient talks to the exchange REST API with client-side rate limiting,
// bounded retries on 429/5xx/network failures and a circuit breaker around
// the transport.
type HTTPClient struct {
	cfg     HTTPConfig
	rest    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	offsetMu   sync.Mutex
	timeOffset int64
	offsetAt   time.Time
}

// NewHTTPClient builds the exchange client from config.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	def := DefaultHTTPConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = def.RecvWindowMs
	}

	c := &HTTPClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}

	c.rest = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitMin).
		SetRetryMaxWaitTime(cfg.RetryWaitMax).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == 429 || resp.StatusCode() >= 500
		}).
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return c.limiter.Wait(req.Context())
		})

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("exchange circuit state changed")
		},
	})

	return c
}

// GetKlines fetches up to limit candles for symbol/interval, oldest-first.
func (c *HTTPClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	var rows []KlineRow
	resp, err := c.execute(ctx, "klines", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("symbol", symbol).
			SetQueryParam("interval", interval).
			SetQueryParam("limit", strconv.Itoa(limit)).
			Get("/api/v3/klines")
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, row.Candle(symbol, interval))
	}
	return candles, nil
}

// serverTime fetches /api/v3/time and refreshes the request time offset
// applied to every private call. The offset is cached for a minute.
func (c *HTTPClient) syncTimeOffset(ctx context.Context) int64 {
	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()

	if time.Since(c.offsetAt) < time.Minute {
		return c.timeOffset
	}

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.execute(ctx, "time", func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/api/v3/time")
	})
	if err != nil {
		log.Warn().Err(err).Msg("server time sync failed, keeping previous offset")
		return c.timeOffset
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		log.Warn().Err(err).Msg("server time decode failed, keeping previous offset")
		return c.timeOffset
	}

	c.timeOffset = payload.ServerTime - time.Now().UnixMilli()
	c.offsetAt = time.Now()
	return c.timeOffset
}

type orderResponse struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	AvgFillPrice  json.RawMessage `json:"avgFillPrice"`
	ExecutedQty   json.RawMessage `json:"executedQty"`
	Fee           json.RawMessage `json:"fee"`
}

func (r orderResponse) result() (OrderResult, error) {
	out := OrderResult{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.OrderID,
		Status:          mapOrderStatus(r.Status),
	}
	var err error
	if len(r.AvgFillPrice) > 0 {
		if out.AvgFillPrice, err = decodeFloat(r.AvgFillPrice); err != nil {
			return out, fmt.Errorf("order avgFillPrice: %w", err)
		}
	}
	if len(r.ExecutedQty) > 0 {
		if out.FilledQty, err = decodeFloat(r.ExecutedQty); err != nil {
			return out, fmt.Errorf("order executedQty: %w", err)
		}
	}
	if len(r.Fee) > 0 {
		if out.Fee, err = decodeFloat(r.Fee); err != nil {
			return out, fmt.Errorf("order fee: %w", err)
		}
	}
	return out, nil
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "OPEN", "PARTIALLY_FILLED":
		return domain.OrderStatusOpen
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusRejected
	}
}

// PlaceLimit submits a signed limit order.
func (c *HTTPClient) PlaceLimit(ctx context.Context, symbol string, side domain.Side, price, qty float64, clientOrderID string) (OrderResult, error) {
	body := map[string]interface{}{
		"symbol":        symbol,
		"side":          strings.ToUpper(string(side)),
		"type":          string(domain.OrderTypeLimit),
		"price":         price,
		"quantity":      qty,
		"clientOrderId": clientOrderID,
	}
	return c.submitOrder(ctx, "place_limit", body)
}

// PlaceMarket submits a signed market order.
func (c *HTTPClient) PlaceMarket(ctx context.Context, symbol string, side domain.Side, qty float64, clientOrderID string) (OrderResult, error) {
	body := map[string]interface{}{
		"symbol":        symbol,
		"side":          strings.ToUpper(string(side)),
		"type":          string(domain.OrderTypeMarket),
		"quantity":      qty,
		"clientOrderId": clientOrderID,
	}
	return c.submitOrder(ctx, "place_market", body)
}

func (c *HTTPClient) submitOrder(ctx context.Context, op string, body map[string]interface{}) (OrderResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return OrderResult{}, fmt.Errorf("marshal order body: %w", err)
	}

	resp, err := c.execute(ctx, op, func(req *resty.Request) (*resty.Response, error) {
		c.sign(ctx, req, string(raw))
		return req.SetHeader("Content-Type", "application/json").
			SetBody(raw).
			Post("/api/v3/order")
	})
	if err != nil {
		return OrderResult{}, err
	}

	var decoded orderResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return decoded.result()
}

// GetOrder queries an order by client order id.
func (c *HTTPClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("clientOrderId", clientOrderID)

	resp, err := c.execute(ctx, "get_order", func(req *resty.Request) (*resty.Response, error) {
		c.sign(ctx, req, canonicalQuery(params))
		return req.SetQueryParamsFromValues(params).Get("/api/v3/order")
	})
	if err != nil {
		return OrderResult{}, err
	}

	var decoded orderResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return decoded.result()
}

// CancelOrder cancels an open order by client order id.
func (c *HTTPClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("clientOrderId", clientOrderID)

	_, err := c.execute(ctx, "cancel_order", func(req *resty.Request) (*resty.Response, error) {
		c.sign(ctx, req, canonicalQuery(params))
		return req.SetQueryParamsFromValues(params).Delete("/api/v3/order")
	})
	return err
}

// sign attaches the private auth headers. Signature is hex
// HMAC-SHA256(secret, apiKey+timestamp+payload) where payload is the
// canonical sorted query string for GET/DELETE or the raw JSON body for POST.
func (c *HTTPClient) sign(ctx context.Context, req *resty.Request, payload string) {
	ts := time.Now().UnixMilli() + c.syncTimeOffset(ctx)
	tsStr := strconv.FormatInt(ts, 10)

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(c.cfg.APIKey + tsStr + payload))

	req.SetHeader("ApiKey", c.cfg.APIKey)
	req.SetHeader("Request-Time", tsStr)
	req.SetHeader("Recv-Window", strconv.FormatInt(c.cfg.RecvWindowMs, 10))
	req.SetHeader("Signature", hex.EncodeToString(mac.Sum(nil)))
}

// canonicalQuery renders params as key=value pairs sorted lexicographically.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, k+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// execute runs one request through the circuit breaker and converts failures
// into typed network errors. Retries happen inside resty; the breaker counts
// the final outcome.
func (c *HTTPClient) execute(ctx context.Context, op string, call func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := call(c.rest.R().SetContext(ctx))
		if err != nil {
			return nil, &NetworkError{Op: op, Err: err}
		}
		if resp.StatusCode() >= 400 {
			return nil, &NetworkError{
				Op:         op,
				StatusCode: resp.StatusCode(),
				Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String()),
			}
		}
		return resp, nil
	})
	if err != nil {
		if _, ok := err.(*NetworkError); ok {
			return nil, err
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	return result.(*resty.Response), nil
}
