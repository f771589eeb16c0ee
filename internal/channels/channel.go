// Package channels connects message transports (the RabbitMQ queue, the
// WhatsApp WebSocket bridge) to the processor.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "amqp", "whatsapp").
	Name() string

	// Start begins receiving messages. It returns once the channel is set up;
	// delivery continues in the background until Stop or ctx is done.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed it.
type BaseChannel struct {
	name      string
	bus       bus.MessageRouter
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel. msgBus may be nil for channels that
// hand messages to a synchronous handler instead of the bus. An empty
// allowList serves every chat.
func NewBaseChannel(name string, msgBus bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// IsAllowed reports whether a chat may use the service. Entries match the
// full chat id ("254700000001@c.us") or its chat key ("254700000001").
func (c *BaseChannel) IsAllowed(chatID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	key := sessions.ChatKey(chatID)
	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "+")
		if allowed == chatID || allowed == key {
			return true
		}
	}
	return false
}

// Accept stamps msg with the channel name and applies the allowlist.
func (c *BaseChannel) Accept(msg *bus.InboundMessage) bool {
	msg.Channel = c.name
	return c.IsAllowed(msg.ChatID)
}

// HandleMessage publishes an accepted message to the bus.
// This is the standard way for bus-backed channels to forward messages.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.Accept(&msg) || c.bus == nil {
		return false
	}
	c.bus.PublishInbound(msg)
	return true
}
