package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

const venue = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	BaseURL    string
	Symbols    []string // symbols scanned by GetOrders
}

// Client is a Binance spot REST client implementing common.Client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("binance"),
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, c.logger)
	return c
}

func (c *Client) Name() string { return venue }

// StartTimeSync keeps the signing clock aligned with the server until ctx ends.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Qty))

	switch req.Type {
	case common.OrderTypeLimit, common.OrderTypeStopLimit:
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	switch req.Type {
	case common.OrderTypeStopLoss, common.OrderTypeStopLimit:
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return "", err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", common.NewExchangeError(venue, 0, fmt.Sprintf("decode order response: %v", err))
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	if _, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		// -2011: unknown order, already gone.
		var e *common.Error
		if errors.As(err, &e) && e.Code == -2011 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID, symbol string) (common.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderRecord{}, err
	}
	var o orderResponse
	if err := json.Unmarshal(body, &o); err != nil {
		return common.OrderRecord{}, common.NewExchangeError(venue, 0, fmt.Sprintf("decode order: %v", err))
	}
	return o.record(), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// GetOrders lists orders created in [since, until) for every configured symbol.
func (c *Client) GetOrders(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	var out []common.OrderRecord
	for _, sym := range c.cfg.Symbols {
		params := url.Values{}
		params.Set("symbol", sym)
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
		params.Set("limit", "1000")
		body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/allOrders", params)
		if err != nil {
			return nil, fmt.Errorf("all orders %s: %w", sym, err)
		}
		records, err := decodeOrders(body)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (c *Client) GetBalances(ctx context.Context) (map[string]float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.NewExchangeError(venue, 0, fmt.Sprintf("decode account info: %v", err))
	}
	out := make(map[string]float64, len(info.Balances))
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if total := free + locked; total > 0 {
			out[b.Asset] = total
		}
	}
	return out, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/bookTicker?symbol="+url.QueryEscape(symbol))
	if err != nil {
		return common.Ticker{}, err
	}
	var bt struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &bt); err != nil {
		return common.Ticker{}, common.NewExchangeError(venue, 0, fmt.Sprintf("decode ticker: %v", err))
	}
	bid, _ := strconv.ParseFloat(bt.BidPrice, 64)
	ask, _ := strconv.ParseFloat(bt.AskPrice, 64)
	return common.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		Time:   time.Now(),
	}, nil
}

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time")
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doSigned timestamps, signs and performs the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewAuthenticationError(venue, "API key/secret required")
	}
	timestamp := time.Now().UnixMilli()
	if c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, common.NewExchangeError(venue, 0, err.Error())
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) doPublic(ctx context.Context, pathAndQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, common.NewExchangeError(venue, 0, err.Error())
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		if common.KindOf(err) == common.KindTimeout {
			return nil, common.NewTimeoutError(venue, err)
		}
		return nil, common.NewConnectionError(venue, err)
	}
	defer res.Body.Close()

	if w := res.Header.Get("X-MBX-USED-WEIGHT-1M"); w != "" {
		c.logger.Debug("used weight", zap.String("weight_1m", w), zap.String("path", req.URL.Path))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.NewConnectionError(venue, err)
	}
	if res.StatusCode >= 300 {
		return nil, classify(res, body)
	}
	return body, nil
}

// classify maps an HTTP failure onto a typed error.
func classify(res *http.Response, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot:
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return common.NewRateLimitError(venue, msg, retryAfter)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden,
		apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
		return common.NewAuthenticationError(venue, msg)
	case apiErr.Code == -2010 && strings.Contains(strings.ToLower(msg), "insufficient"):
		return common.NewInsufficientFundsError(venue, msg)
	case apiErr.Code == -2010 || apiErr.Code == -1013 || apiErr.Code == -1100 ||
		apiErr.Code == -1111 || apiErr.Code == -1102 || apiErr.Code == -1106:
		return common.NewInvalidOrderError(venue, msg)
	case apiErr.Code == -1007 || res.StatusCode == http.StatusGatewayTimeout:
		return common.NewTimeoutError(venue, errors.New(msg))
	case res.StatusCode == http.StatusBadGateway || res.StatusCode == http.StatusServiceUnavailable:
		return common.NewConnectionError(venue, errors.New(msg))
	default:
		return common.NewExchangeError(venue, apiErr.Code, msg)
	}
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o orderResponse) record() common.OrderRecord {
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(o.CumQuote, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)
	stop, _ := strconv.ParseFloat(o.StopPrice, 64)
	rec := common.OrderRecord{
		ID:        strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Symbol:    o.Symbol,
		Side:      common.Side(o.Side),
		Type:      common.OrderType(o.Type),
		Status:    mapStatus(o.Status),
		Qty:       qty,
		Price:     price,
		StopPrice: stop,
		FilledQty: filled,
		CreatedAt: time.UnixMilli(o.Time),
		UpdatedAt: time.UnixMilli(o.UpdateTime),
	}
	if filled > 0 {
		rec.AvgPrice = quote / filled
	}
	return rec
}

func decodeOrders(body []byte) ([]common.OrderRecord, error) {
	var raw []orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, common.NewExchangeError(venue, 0, fmt.Sprintf("decode orders: %v", err))
	}
	out := make([]common.OrderRecord, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.record())
	}
	return out, nil
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusOpen
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
