package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// rpcMessage is any frame the node sends: a response to one of our requests
// or an eth_subscription notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WSClient is a single log subscription over a node's WebSocket endpoint.
type WSClient struct {
	url  string
	conn *websocket.Conn
	mu   sync.Mutex

	subscriptionID string
	requestID      atomic.Int64

	msgCh     chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once

	connected atomic.Bool
}

// NewWSClient creates a client for url. Call Connect before subscribing.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:   url,
		msgCh: make(chan json.RawMessage, 1000),
		done:  make(chan struct{}),
	}
}

// Connect dials the endpoint and installs the pong deadline handler.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.conn = conn
	c.connected.Store(true)

	log.Info().Str("url", c.url).Msg("Invalidation feed connected")
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		close(c.done)
		c.connected.Store(false)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// IsConnected reports whether the last read or dial succeeded.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// SubscriptionID returns the id confirmed by the node, or "" before confirmation.
func (c *WSClient) SubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionID
}

// SubscribeLogs sends an eth_subscribe request for logs emitted by addresses
// whose first topic is one of topics.
func (c *WSClient) SubscribeLogs(ctx context.Context, addresses []string, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	filter := map[string]interface{}{
		"topics": []interface{}{topics},
	}
	if len(addresses) > 0 {
		filter["address"] = addresses
	}

	id := c.requestID.Add(1)
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  []interface{}{"logs", filter},
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}

	log.Debug().
		Int64("id", id).
		Strs("addresses", addresses).
		Msg("Sent log subscription request")
	return nil
}

// ReadMessages forwards subscription notifications to Messages until the
// connection closes or ctx ends. A clean close returns nil.
func (c *WSClient) ReadMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		var msg rpcMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Msg("Failed to parse feed message")
			continue
		}

		switch {
		case msg.Error != nil:
			// A rejected subscription leaves nothing to read.
			if msg.ID != nil {
				return fmt.Errorf("subscription rejected: %d %s", msg.Error.Code, msg.Error.Message)
			}
			log.Error().Int("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("Feed error")

		case msg.ID != nil && msg.Result != nil:
			var subID string
			if err := json.Unmarshal(msg.Result, &subID); err == nil && subID != "" {
				c.mu.Lock()
				c.subscriptionID = subID
				c.mu.Unlock()
				log.Info().Str("subscription_id", subID).Msg("Log subscription confirmed")
			}

		case msg.Method == "eth_subscription" && msg.Params != nil:
			select {
			case c.msgCh <- msg.Params:
			default:
				log.Warn().Msg("Feed channel full, discarding notification")
			}
		}
	}
}

// Messages returns the channel of raw eth_subscription params.
func (c *WSClient) Messages() <-chan json.RawMessage {
	return c.msgCh
}

// Ping sends a WebSocket ping frame.
func (c *WSClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StartPingLoop pings every pingPeriod until ctx ends or the client closes.
func (c *WSClient) StartPingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				log.Warn().Err(err).Msg("Feed ping failed")
			}
		}
	}
}
