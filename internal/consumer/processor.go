// Package consumer turns inbound chat messages into routed replies: it drops
// redeliveries, runs the router with retry on transient failures and hands
// the reply to the channel that delivered the message.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/ussdgate/internal/apps"
	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/router"
	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/ussdgate/internal/consumer")

// Dispatcher routes one message. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg bus.InboundMessage) (router.Reply, error)
}

// Sender delivers a reply on the channel named by out.Channel.
type Sender interface {
	Send(ctx context.Context, out bus.OutboundMessage) error
}

// RetryPolicy bounds the exponential retry of transient dispatch failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy mirrors the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      time.Minute,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Options configures a Processor.
type Options struct {
	Retry RetryPolicy
	// DedupeTTL is how long delivered message ids are remembered; 0 disables.
	DedupeTTL time.Duration
	DedupeMax int
}

// Processor is safe for concurrent use by channel workers.
type Processor struct {
	dispatcher Dispatcher
	sender     Sender
	retry      RetryPolicy
	dedupe     *bus.DedupeCache
}

// New creates a Processor.
func New(dispatcher Dispatcher, sender Sender, opts Options) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		sender:     sender,
		retry:      opts.Retry,
		dedupe:     bus.NewDedupeCache(opts.DedupeTTL, opts.DedupeMax),
	}
}

// IsRetryable reports whether err is a transient store or gateway failure.
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, apps.ErrGatewayUnavailable)
}

// Handle processes one message. A nil return means the message is done
// (replied, silent or a duplicate) and can be acknowledged; an error means
// the delivery should be requeued.
func (p *Processor) Handle(ctx context.Context, msg bus.InboundMessage) (err error) {
	if p.dedupe.IsDuplicate(msg.ID) {
		slog.Debug("inbound: duplicate message skipped", "id", msg.ID, "chat_id", msg.ChatID)
		return nil
	}

	ctx, span := tracer.Start(ctx, "consumer.handle", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.channel", msg.Channel),
	))
	defer func() {
		if err != nil {
			// Let the redelivery through.
			p.dedupe.Forget(msg.ID)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handle failed")
		}
		span.End()
	}()

	attempt := 0
	reply, err := backoff.Retry(ctx, func() (router.Reply, error) {
		attempt++
		r, err := p.dispatcher.Dispatch(ctx, msg)
		if err != nil && !IsRetryable(err) {
			return r, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(p.retry.backOff()),
		backoff.WithMaxElapsedTime(p.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("inbound: dispatch failed, retrying",
				"id", msg.ID, "chat_id", msg.ChatID, "attempt", attempt, "next", next, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int("dispatch.attempts", attempt))
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", msg.ID, err)
	}

	if !reply.OK {
		slog.Debug("inbound: no reply", "id", msg.ID, "chat_id", msg.ChatID, "app", reply.App)
		return nil
	}

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply.Text,
		Type:    bus.MessageTypeChat,
		Metadata: map[string]string{
			"reply_to": msg.ID,
			"app":      reply.App,
		},
	}
	if err := p.sender.Send(ctx, out); err != nil {
		return fmt.Errorf("send reply to %s: %w", msg.ChatID, err)
	}
	return nil
}

// RunBus processes messages from the in-memory bus on workers goroutines
// until ctx is done or the bus is closed. A chat is pinned to one worker so
// its messages are routed in arrival order. Failed messages are logged; the
// bus has no redelivery.
func (p *Processor) RunBus(ctx context.Context, mb bus.MessageRouter, workers int) {
	if workers <= 0 {
		workers = 1
	}
	slog.Info("inbound message consumer started", "workers", workers)
	defer slog.Info("inbound message consumer stopped")

	queues := make([]chan bus.InboundMessage, workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan bus.InboundMessage)
		wg.Add(1)
		go func(queue <-chan bus.InboundMessage) {
			defer wg.Done()
			for msg := range queue {
				if err := p.Handle(ctx, msg); err != nil {
					slog.Error("inbound: message dropped", "id", msg.ID, "chat_id", msg.ChatID, "error", err)
				}
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return
		}
		queue := queues[workerFor(msg.ChatID, workers)]
		select {
		case queue <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func workerFor(chatID string, workers int) int {
	return int(xxhash.Sum64String(sessions.ChatKey(chatID)) % uint64(workers))
}
