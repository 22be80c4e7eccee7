// Package push maintains the vendor's WebSocket push channel. The cloud
// delivers unsolicited device events over it; each event is handed to
// the webhook registry exactly as a webhook body would be.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"devicebridge/internal/cloud"
)

// EventSink receives raw event bodies from the push channel.
// webhook.Registry satisfies it.
type EventSink interface {
	DispatchRaw(body []byte) error
}

type authMessage struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type authAck struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// Client is a reconnecting WebSocket client for the vendor push
// endpoint.
type Client struct {
	url    string
	token  string
	sink   EventSink
	logger *zap.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex // protects websocket writes
	reconnect bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a push client. Events are forwarded to sink.
func NewClient(url, token string, sink EventSink, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect dials the push endpoint and authenticates. A background
// reader forwards events until the connection drops, after which the
// client reconnects on its own.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to push endpoint: %w", err)
	}
	c.conn = conn

	auth := authMessage{Action: "auth", Token: c.token}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(auth)
	c.writeMu.Unlock()

	if err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var ack authAck
	if err := c.conn.ReadJSON(&ack); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth ack: %w", err)
	}

	if !cloud.Accepted(ack.StatusCode) {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("push authentication rejected: %d %s", ack.StatusCode, ack.Message)
	}

	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to push endpoint")

	go c.receiveEvents()

	c.connMu.Unlock()
	return nil
}

// Disconnect closes the push channel and stops reconnecting.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from push endpoint")
	return nil
}

// IsConnected reports whether the channel is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// receiveEvents forwards raw event bodies to the sink until the
// connection drops.
func (c *Client) receiveEvents() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, body, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Error("Failed to read push event", zap.Error(err))
			c.handleDisconnect()
			return
		}

		// A malformed event is the sender's problem, never the
		// channel's.
		if err := c.sink.DispatchRaw(body); err != nil {
			c.logger.Warn("Discarded push event", zap.Error(err))
		}
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("Push channel lost")

	if !c.reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect push channel...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Push reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Push channel reconnected")
		return
	}
}
