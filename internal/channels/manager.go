package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels     map[string]Channel
	bus          bus.MessageRouter
	dispatchTask *asyncTask
	dispatchDone chan struct{}
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager creates a new channel manager. msgBus may be nil when no
// channel uses the in-memory bus.
func NewManager(msgBus bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// StartAll starts all registered channels and, when a bus is set, the
// outbound dispatch loop. It fails on the first channel that cannot start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bus != nil && m.dispatchTask == nil {
		dispatchCtx, cancel := context.WithCancel(ctx)
		m.dispatchTask = &asyncTask{cancel: cancel}
		m.dispatchDone = make(chan struct{})
		go m.dispatchOutbound(dispatchCtx, m.dispatchDone)
	}

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for _, name := range m.namesLocked() {
		slog.Info("starting channel", "channel", name)
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task, done := m.dispatchTask, m.dispatchDone
	m.dispatchTask, m.dispatchDone = nil, nil
	channels := make([]Channel, 0, len(m.channels))
	for _, name := range m.namesLocked() {
		channels = append(channels, m.channels[name])
	}
	m.mu.Unlock()

	slog.Info("stopping all channels")

	if task != nil {
		task.cancel()
		<-done
	}

	var firstErr error
	for _, channel := range channels {
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", channel.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop channel %s: %w", channel.Name(), err)
			}
		}
	}

	slog.Info("all channels stopped")
	return firstErr
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// Send delivers msg synchronously on the channel named by msg.Channel.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	channel, ok := m.GetChannel(msg.Channel)
	if !ok {
		return fmt.Errorf("channel %q not found", msg.Channel)
	}
	if !channel.IsRunning() {
		return fmt.Errorf("channel %s is not running", msg.Channel)
	}
	return channel.Send(ctx, msg)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.Name()] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Outbox is a processor sender that queues replies on the bus for the
// outbound dispatcher instead of sending them inline.
type Outbox struct {
	Bus bus.MessageRouter
}

// Send enqueues msg.
func (o Outbox) Send(_ context.Context, msg bus.OutboundMessage) error {
	o.Bus.PublishOutbound(msg)
	return nil
}
