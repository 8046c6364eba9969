package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// Timing
const (
	PingInterval     = 30 * time.Second
	HandshakeTimeout = 10 * time.Second

	// Deribit application-level heartbeat interval (seconds, min 10)
	HeartbeatSeconds = 10
)

// WSClient handles the Deribit WebSocket session: private order/trade
// notifications, book deltas and the application-level heartbeat.
// ⭐ SSOT: WS 구독/하트비트 처리는 이 클라이언트에서만
type WSClient struct {
	cfg    config.DeribitConfig
	logger *logger.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected bool
	authed    bool

	instruments []string // book channels to subscribe
	subMu       sync.RWMutex

	reqID  int64
	idMu   sync.Mutex
	authID int64

	// Callbacks
	onHeartbeat  func()
	onBookDelta  func(instrument string, prevChangeID, changeID uint64, at time.Time)
	onUserTrade  func(venue.Trade)
	onOrderEvent func(venue.Order)
	onError      func(error)
	onConnected  func()
	onDisconnect func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWSClient creates a new Deribit WebSocket client.
func NewWSClient(cfg config.DeribitConfig, log *logger.Logger) *WSClient {
	return &WSClient{
		cfg:    cfg,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// SetInstruments sets the instruments whose book channels are watched.
func (c *WSClient) SetInstruments(instruments []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.instruments = append([]string(nil), instruments...)
}

// Callback setters
func (c *WSClient) OnHeartbeat(fn func())  { c.onHeartbeat = fn }
func (c *WSClient) OnError(fn func(error)) { c.onError = fn }
func (c *WSClient) OnConnected(fn func())  { c.onConnected = fn }
func (c *WSClient) OnDisconnect(fn func()) { c.onDisconnect = fn }
func (c *WSClient) OnBookDelta(fn func(instrument string, prevChangeID, changeID uint64, at time.Time)) {
	c.onBookDelta = fn
}
func (c *WSClient) OnUserTrade(fn func(venue.Trade))  { c.onUserTrade = fn }
func (c *WSClient) OnOrderEvent(fn func(venue.Order)) { c.onOrderEvent = fn }

// Connect establishes the WebSocket session and authenticates.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	c.connMu.Lock()
	stop := c.stopCh
	c.connMu.Unlock()

	c.wg.Add(2)
	go c.readLoop(stop)
	go c.pingLoop(stop)

	if err := c.sendAuth(); err != nil {
		return fmt.Errorf("websocket auth: %w", err)
	}

	c.logger.Info("Deribit WebSocket connected")
	return nil
}

func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return err
	}

	c.conn = conn
	c.connected = true
	c.authed = false

	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

// Disconnect closes the connection.
func (c *WSClient) Disconnect() error {
	c.connMu.Lock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.conn != nil {
		c.conn.Close()
		c.connected = false
	}
	c.connMu.Unlock()

	c.wg.Wait()

	if c.onDisconnect != nil {
		c.onDisconnect()
	}

	c.logger.Info("Deribit WebSocket disconnected")
	return nil
}

// IsConnected returns connection status.
func (c *WSClient) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected && c.authed
}

func (c *WSClient) nextID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.reqID++
	return c.reqID
}

func (c *WSClient) send(method string, params interface{}) (int64, error) {
	id := c.nextID()
	env := rpcEnvelope{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return 0, fmt.Errorf("not connected")
	}
	return id, c.conn.WriteJSON(env)
}

func (c *WSClient) sendAuth() error {
	id, err := c.send("public/auth", map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientKey,
	})
	if err != nil {
		return err
	}

	c.idMu.Lock()
	c.authID = id
	c.idMu.Unlock()
	return nil
}

// onAuthed runs once the auth response arrives: heartbeat first, then
// subscriptions. 하트비트 설정 전에는 세션을 살아있다고 믿지 않는다.
func (c *WSClient) onAuthed() {
	c.connMu.Lock()
	c.authed = true
	c.connMu.Unlock()

	if _, err := c.send("public/set_heartbeat", map[string]interface{}{
		"interval": HeartbeatSeconds,
	}); err != nil {
		c.fail(fmt.Errorf("set_heartbeat: %w", err))
		return
	}

	channels := []string{
		fmt.Sprintf("user.orders.any.%s.raw", c.cfg.Currency),
		fmt.Sprintf("user.trades.any.%s.raw", c.cfg.Currency),
	}
	if _, err := c.send("private/subscribe", map[string]interface{}{"channels": channels}); err != nil {
		c.fail(fmt.Errorf("private subscribe: %w", err))
		return
	}

	c.subMu.RLock()
	books := make([]string, 0, len(c.instruments))
	for _, inst := range c.instruments {
		books = append(books, fmt.Sprintf("book.%s.raw", inst))
	}
	c.subMu.RUnlock()

	if len(books) > 0 {
		if _, err := c.send("public/subscribe", map[string]interface{}{"channels": books}); err != nil {
			c.fail(fmt.Errorf("book subscribe: %w", err))
			return
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"currency": c.cfg.Currency,
		"books":    len(books),
	}).Info("Deribit WebSocket subscribed")
}

// readLoop handles incoming messages. stop은 이 루프를 띄운 연결 세대의
// 채널이다 — 재연결이 c.stopCh를 갈아끼워도 이 루프에는 영향이 없다.
func (c *WSClient) readLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.fail(fmt.Errorf("read error: %w", err))
			c.handleDisconnect()
			return
		}

		c.handleMessage(message)
	}
}

// wsInbound covers both RPC responses and subscription notifications.
type wsInbound struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params struct {
		Type    string          `json:"type"` // heartbeat: test_request
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

func (c *WSClient) handleMessage(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(fmt.Errorf("decode message: %w", err))
		return
	}

	switch msg.Method {
	case "heartbeat":
		// 서버 하트비트 — test_request에는 즉시 응답해야 세션이 유지된다
		if msg.Params.Type == "test_request" {
			if _, err := c.send("public/test", nil); err != nil {
				c.fail(fmt.Errorf("heartbeat reply: %w", err))
			}
		}
		if c.onHeartbeat != nil {
			c.onHeartbeat()
		}
		return

	case "subscription":
		c.handleNotification(msg.Params.Channel, msg.Params.Data)
		return
	}

	// RPC response path
	if msg.Error != nil {
		c.fail(msg.Error)
		return
	}

	c.idMu.Lock()
	isAuth := msg.ID != 0 && msg.ID == c.authID
	c.idMu.Unlock()
	if isAuth {
		c.onAuthed()
	}
}

func (c *WSClient) handleNotification(channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "book."):
		var delta struct {
			InstrumentName string `json:"instrument_name"`
			PrevChangeID   uint64 `json:"prev_change_id"`
			ChangeID       uint64 `json:"change_id"`
			Timestamp      int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &delta); err != nil {
			c.fail(fmt.Errorf("decode book delta: %w", err))
			return
		}
		if c.onBookDelta != nil {
			c.onBookDelta(delta.InstrumentName, delta.PrevChangeID, delta.ChangeID, msTime(delta.Timestamp))
		}

	case strings.HasPrefix(channel, "user.trades."):
		var trades []wireTrade
		if err := json.Unmarshal(data, &trades); err != nil {
			c.fail(fmt.Errorf("decode user trades: %w", err))
			return
		}
		if c.onUserTrade != nil {
			for _, tr := range trades {
				c.onUserTrade(tr.toTrade())
			}
		}

	case strings.HasPrefix(channel, "user.orders."):
		var order wireOrder
		if err := json.Unmarshal(data, &order); err != nil {
			c.fail(fmt.Errorf("decode order event: %w", err))
			return
		}
		if c.onOrderEvent != nil {
			c.onOrderEvent(order.toOrder())
		}
	}
}

// pingLoop sends transport-level pings alongside the app heartbeat.
func (c *WSClient) pingLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn == nil {
				// 연결이 끊겼다 — 재연결이 새 루프를 띄운다
				c.connMu.Unlock()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.connMu.Unlock()
				c.fail(fmt.Errorf("ping error: %w", err))
				c.handleDisconnect()
				return
			}
			c.connMu.Unlock()
		}
	}
}

func (c *WSClient) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// handleDisconnect handles connection loss.
func (c *WSClient) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.authed = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// Reconnect attempts to re-establish the session with exponential backoff.
// 재연결이 성공하면 구독은 onAuthed에서 다시 깔린다.
func (c *WSClient) Reconnect(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		c.logger.WithFields(map[string]interface{}{
			"delay": delay.String(),
		}).Info("Attempting Deribit WebSocket reconnection")

		if err := c.connect(ctx); err != nil {
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		stop := make(chan struct{})
		c.connMu.Lock()
		c.stopCh = stop
		c.connMu.Unlock()

		c.wg.Add(2)
		go c.readLoop(stop)
		go c.pingLoop(stop)

		if err := c.sendAuth(); err != nil {
			c.handleDisconnect()
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		c.logger.Info("Deribit WebSocket reconnected")
		return nil
	}
}
