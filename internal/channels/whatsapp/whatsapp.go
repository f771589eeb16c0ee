package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/tidwall/gjson"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/channels"
	"github.com/nextlevelbuilder/ussdgate/internal/normalize"
)

// ChannelName is the name the bridge channel registers under.
const ChannelName = "whatsapp"

// Config configures the bridge connection.
type Config struct {
	BridgeURL    string
	AllowFrom    []string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge (e.g. wa-automate based) handles the actual WhatsApp
// protocol; this channel exchanges JSON frames with it:
//
//	inbound:  {"type":"message","payload":{...bridge message...}}
//	outbound: {"type":"message","to":"<chat id>","content":"<text>"}
type Channel struct {
	*channels.BaseChannel
	conn   *websocket.Conn
	config Config
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new WhatsApp bridge channel publishing to msgBus.
func New(cfg Config, msgBus bus.MessageRouter) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(ctx); err != nil {
		// Reconnect loop keeps trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(ctx)

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the listener to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		<-c.done
	}
	c.SetRunning(false)
	return nil
}

type outboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// Send delivers an outbound message to the bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	data, err := json.Marshal(outboundFrame{Type: "message", To: msg.ChatID, Content: msg.Content})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := c.config.ReconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, c.config.ReconnectMax)
				continue
			}

			backoff = c.config.ReconnectMin
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "error", err)
			}

			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		c.handleFrame(frame)
	}
}

// handleFrame normalises a bridge "message" frame and publishes it.
// Other frame types (status, qr, ack) are ignored.
func (c *Channel) handleFrame(frame []byte) {
	if !gjson.ValidBytes(frame) {
		slog.Warn("invalid whatsapp frame JSON")
		return
	}
	if gjson.GetBytes(frame, "type").String() != "message" {
		return
	}

	payload := gjson.GetBytes(frame, "payload")
	msg, err := normalize.Parse([]byte(payload.Raw))
	switch {
	case errors.Is(err, normalize.ErrNotChat):
		slog.Debug("whatsapp: non-chat message dropped")
		return
	case err != nil:
		slog.Warn("whatsapp: message dropped", "error", err)
		return
	}

	if !c.HandleMessage(msg) {
		slog.Debug("whatsapp message rejected by allowlist", "chat_id", msg.ChatID)
		return
	}

	slog.Debug("whatsapp message received",
		"id", msg.ID,
		"chat_id", msg.ChatID,
		"preview", runewidth.Truncate(msg.Body, 50, "..."),
	)
}
