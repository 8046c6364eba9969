package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/httputil"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// Client handles communication with the Deribit JSON-RPC API
// ⭐ SSOT: Deribit REST 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	cfg        config.DeribitConfig

	// Token management
	accessToken string
	tokenExpiry time.Time
	tokenMu     sync.RWMutex

	// Instrument tick sizes change only on listing; cache forever.
	tickSizes map[string]float64
	tickMu    sync.RWMutex

	reqID int64
	idMu  sync.Mutex
}

// NewClient creates a new Deribit API client.
func NewClient(cfg config.DeribitConfig, httpClient *httputil.Client, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     log,
		cfg:        cfg,
		tickSizes:  make(map[string]float64),
	}
}

// rpcEnvelope is the JSON-RPC 2.0 request wrapper.
type rpcEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("deribit rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) nextID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.reqID++
	return c.reqID
}

// TokenResponse represents the OAuth token result.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// getToken gets a valid access token, refreshing if necessary.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Double-check after acquiring write lock
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	env := rpcEnvelope{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  "public/auth",
		Params: map[string]interface{}{
			"grant_type":    "client_credentials",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientKey,
		},
	}

	resp, err := c.httpClient.PostJSON(ctx, c.cfg.BaseURL+"/api/v2/public/auth", env)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if rpc.Error != nil {
		return "", rpc.Error
	}

	var tok TokenResponse
	if err := json.Unmarshal(rpc.Result, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token result: %w", err)
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn-60) * time.Second) // 1분 여유

	c.logger.WithFields(map[string]interface{}{
		"expires_in": tok.ExpiresIn,
	}).Info("Deribit access token refreshed")

	return c.accessToken, nil
}

// call performs one JSON-RPC request and unmarshals the result into out.
// private/* 메서드는 Bearer 헤더가 필요해서 raw client를 직접 쓴다.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	env := rpcEnvelope{JSONRPC: "2.0", ID: c.nextID(), Method: method, Params: params}

	var resp *http.Response
	var err error

	if isPrivate(method) {
		var token string
		token, err = c.getToken(ctx)
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}

		body, merr := json.Marshal(env)
		if merr != nil {
			return fmt.Errorf("marshal rpc request: %w", merr)
		}
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v2/"+method, bytes.NewReader(body))
		if rerr != nil {
			return fmt.Errorf("create request: %w", rerr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		// Use underlying http client directly for custom headers
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err = client.Do(req)
	} else {
		resp, err = c.httpClient.PostJSON(ctx, c.cfg.BaseURL+"/api/v2/"+method, env)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("%s: %w", method, rpc.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func isPrivate(method string) bool {
	return len(method) > 8 && method[:8] == "private/"
}

// --- wire types -----------------------------------------------------------

type wireOrder struct {
	OrderID             string  `json:"order_id"`
	Label               string  `json:"label"`
	InstrumentName      string  `json:"instrument_name"`
	Direction           string  `json:"direction"`
	Price               float64 `json:"price"`
	Amount              float64 `json:"amount"`
	FilledAmount        float64 `json:"filled_amount"`
	OrderState          string  `json:"order_state"`
	ReduceOnly          bool    `json:"reduce_only"`
	CreationTimestamp   int64   `json:"creation_timestamp"`
	LastUpdateTimestamp int64   `json:"last_update_timestamp"`
}

type wireTrade struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	Label          string  `json:"label"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	TradeSeq       uint64  `json:"trade_seq"`
	Timestamp      int64   `json:"timestamp"`
}

func (o wireOrder) toOrder() venue.Order {
	return venue.Order{
		OrderID:    o.OrderID,
		Label:      o.Label,
		Instrument: o.InstrumentName,
		Side:       contracts.Side(o.Direction),
		Price:      o.Price,
		Qty:        o.Amount,
		FilledQty:  o.FilledAmount,
		State:      mapOrderState(o.OrderState),
		ReduceOnly: o.ReduceOnly,
		CreatedAt:  msTime(o.CreationTimestamp),
		UpdatedAt:  msTime(o.LastUpdateTimestamp),
	}
}

func (t wireTrade) toTrade() venue.Trade {
	return venue.Trade{
		TradeID:    t.TradeID,
		OrderID:    t.OrderID,
		Label:      t.Label,
		Instrument: t.InstrumentName,
		Side:       contracts.Side(t.Direction),
		Qty:        t.Amount,
		Price:      t.Price,
		Seq:        t.TradeSeq,
		ExecutedAt: msTime(t.Timestamp),
	}
}

func mapOrderState(s string) contracts.OrderState {
	switch s {
	case "open", "untriggered":
		return contracts.StateAcked
	case "filled":
		return contracts.StateFilled
	case "cancelled":
		return contracts.StateCanceled
	case "rejected":
		return contracts.StateFailed
	default:
		return contracts.StateSent
	}
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// --- venue.Venue ----------------------------------------------------------

// SubmitOrder submits one IOC limit order.
func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderResult, error) {
	method := "private/buy"
	if req.Intent.Side == contracts.SideSell {
		method = "private/sell"
	}

	params := map[string]interface{}{
		"instrument_name": req.Intent.Instrument,
		"amount":          req.Qty,
		"price":           req.Price,
		"type":            "limit",
		"time_in_force":   "immediate_or_cancel",
		"label":           req.Label,
	}
	if req.ReduceOnly {
		params["reduce_only"] = true
	}

	var result struct {
		Order  wireOrder   `json:"order"`
		Trades []wireTrade `json:"trades"`
	}
	if err := c.call(ctx, method, params, &result); err != nil {
		return nil, err
	}

	out := &venue.OrderResult{Order: result.Order.toOrder()}
	for _, tr := range result.Trades {
		out.Trades = append(out.Trades, tr.toTrade())
	}
	return out, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "private/cancel", map[string]interface{}{"order_id": orderID}, nil)
}

// OpenOrders lists currently resting orders across the account currency.
func (c *Client) OpenOrders(ctx context.Context) ([]venue.Order, error) {
	var result []wireOrder
	err := c.call(ctx, "private/get_open_orders_by_currency", map[string]interface{}{
		"currency": c.cfg.Currency,
		"kind":     "any",
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]venue.Order, 0, len(result))
	for _, o := range result {
		out = append(out, o.toOrder())
	}
	return out, nil
}

// RecentTrades lists own executions at or after since.
func (c *Client) RecentTrades(ctx context.Context, since time.Time) ([]venue.Trade, error) {
	var result struct {
		Trades []wireTrade `json:"trades"`
	}
	err := c.call(ctx, "private/get_user_trades_by_currency_and_time", map[string]interface{}{
		"currency":        c.cfg.Currency,
		"start_timestamp": since.UnixMilli(),
		"end_timestamp":   time.Now().UnixMilli(),
		"count":           1000,
		"include_old":     true,
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]venue.Trade, 0, len(result.Trades))
	for _, tr := range result.Trades {
		out = append(out, tr.toTrade())
	}
	return out, nil
}

// Positions lists current signed positions.
func (c *Client) Positions(ctx context.Context) ([]venue.Position, error) {
	var result []struct {
		InstrumentName string  `json:"instrument_name"`
		Size           float64 `json:"size"`
		AveragePrice   float64 `json:"average_price"`
		MarkPrice      float64 `json:"mark_price"`
	}
	err := c.call(ctx, "private/get_positions", map[string]interface{}{
		"currency": c.cfg.Currency,
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]venue.Position, 0, len(result))
	for _, p := range result {
		if p.Size == 0 {
			continue
		}
		out = append(out, venue.Position{
			Instrument: p.InstrumentName,
			Size:       p.Size,
			AvgPrice:   p.AveragePrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return out, nil
}

// Ticker returns top-of-book plus mark for one instrument.
func (c *Client) Ticker(ctx context.Context, instrument string) (*venue.Ticker, error) {
	var result struct {
		BestBidPrice float64 `json:"best_bid_price"`
		BestAskPrice float64 `json:"best_ask_price"`
		LastPrice    float64 `json:"last_price"`
		MarkPrice    float64 `json:"mark_price"`
		Timestamp    int64   `json:"timestamp"`
	}
	err := c.call(ctx, "public/ticker", map[string]interface{}{
		"instrument_name": instrument,
	}, &result)
	if err != nil {
		return nil, err
	}

	tick, err := c.tickSize(ctx, instrument)
	if err != nil {
		c.logger.WithError(err).WithField("instrument", instrument).Warn("Tick size lookup failed")
	}

	return &venue.Ticker{
		Instrument: instrument,
		Bid:        result.BestBidPrice,
		Ask:        result.BestAskPrice,
		Last:       result.LastPrice,
		Mark:       result.MarkPrice,
		TickSize:   tick,
		At:         msTime(result.Timestamp),
	}, nil
}

// Book returns an L2 snapshot for one instrument.
func (c *Client) Book(ctx context.Context, instrument string, depth int) (*venue.BookSnapshot, error) {
	var result struct {
		Bids      [][2]float64 `json:"bids"` // [price, amount]
		Asks      [][2]float64 `json:"asks"`
		ChangeID  uint64       `json:"change_id"`
		Timestamp int64        `json:"timestamp"`
	}
	err := c.call(ctx, "public/get_order_book", map[string]interface{}{
		"instrument_name": instrument,
		"depth":           depth,
	}, &result)
	if err != nil {
		return nil, err
	}

	snap := &venue.BookSnapshot{
		Instrument: instrument,
		ChangeID:   result.ChangeID,
		At:         msTime(result.Timestamp),
	}
	for _, lv := range result.Bids {
		snap.Bids = append(snap.Bids, venue.Level{Price: lv[0], Qty: lv[1]})
	}
	for _, lv := range result.Asks {
		snap.Asks = append(snap.Asks, venue.Level{Price: lv[0], Qty: lv[1]})
	}
	return snap, nil
}

// AccountSummary is the margin view the capital axis consumes.
// mm_util = MaintenanceMargin / Equity — 단위가 약분되므로 통화 무관.
type AccountSummary struct {
	Equity            float64 `json:"equity"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
}

// AccountSummary fetches equity and maintenance margin for the account currency.
func (c *Client) AccountSummary(ctx context.Context) (*AccountSummary, error) {
	var result AccountSummary
	err := c.call(ctx, "private/get_account_summary", map[string]interface{}{
		"currency": c.cfg.Currency,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// tickSize resolves and caches the instrument tick size.
func (c *Client) tickSize(ctx context.Context, instrument string) (float64, error) {
	c.tickMu.RLock()
	if ts, ok := c.tickSizes[instrument]; ok {
		c.tickMu.RUnlock()
		return ts, nil
	}
	c.tickMu.RUnlock()

	var result struct {
		TickSize float64 `json:"tick_size"`
	}
	err := c.call(ctx, "public/get_instrument", map[string]interface{}{
		"instrument_name": instrument,
	}, &result)
	if err != nil {
		return 0, fmt.Errorf("tick size for %s: %w", instrument, err)
	}
	if result.TickSize <= 0 {
		return 0, fmt.Errorf("tick size for %s: instrument not found", instrument)
	}

	c.tickMu.Lock()
	c.tickSizes[instrument] = result.TickSize
	c.tickMu.Unlock()
	return result.TickSize, nil
}
