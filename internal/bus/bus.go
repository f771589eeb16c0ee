package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus is an in-memory MessageRouter backed by buffered channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
}

// New creates a MessageBus with the default buffer size.
func New() *MessageBus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a MessageBus whose queues hold up to size messages.
func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

// enter registers a publisher. It reports false once the bus is closed.
func (mb *MessageBus) enter() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	mb.senders.Add(1)
	return true
}

// PublishInbound enqueues an inbound message. It blocks while the queue is
// full; Close releases a blocked publisher and the message is dropped.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	if !mb.enter() {
		return
	}
	defer mb.senders.Done()
	select {
	case mb.inbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if !mb.enter() {
		return
	}
	defer mb.senders.Done()
	select {
	case mb.outbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close wakes blocked publishers, then closes both queues. Messages already
// queued can still be drained.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	close(mb.done)
	mb.mu.Unlock()

	mb.senders.Wait()
	close(mb.inbound)
	close(mb.outbound)
}
