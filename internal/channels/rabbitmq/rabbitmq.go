// Package rabbitmq is the queue channel: it consumes bridge messages from a
// RabbitMQ request queue and publishes replies to the outgoing routing key.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/channels"
	"github.com/nextlevelbuilder/ussdgate/internal/normalize"
)

// ChannelName is the name the queue channel registers under.
const ChannelName = "amqp"

// Config describes the broker topology and consumer settings.
type Config struct {
	URL                  string
	Exchange             string
	RequestQueue         string
	ResponseQueue        string
	IncomingRoutingKey   string
	OutgoingRoutingKey   string
	MessageTTL           time.Duration
	DeadLetterExchange   string // defaults to Exchange
	DeadLetterRoutingKey string
	Prefetch             int
	Workers              int
	ReconnectMax         time.Duration
	AllowFrom            []string
}

func (c *Config) applyDefaults() {
	if c.DeadLetterExchange == "" {
		c.DeadLetterExchange = c.Exchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Channel is a RabbitMQ consumer/publisher. Each delivery is handed to the
// handler synchronously and acked once it returns nil; a handler error
// nacks the delivery with requeue.
type Channel struct {
	*channels.BaseChannel
	cfg     Config
	handler bus.MessageHandler

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the channel. handler is typically consumer.Processor.Handle.
func New(cfg Config, handler bus.MessageHandler) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if cfg.Exchange == "" || cfg.RequestQueue == "" || cfg.IncomingRoutingKey == "" || cfg.OutgoingRoutingKey == "" {
		return nil, fmt.Errorf("broker exchange, request_queue and routing keys are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	cfg.applyDefaults()
	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, nil, cfg.AllowFrom),
		cfg:         cfg,
		handler:     handler,
	}, nil
}

// Start connects, declares the topology and starts the consumers. The
// initial connection must succeed; later disconnects are retried.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting amqp channel", "exchange", c.cfg.Exchange, "queue", c.cfg.RequestQueue)

	ctx, cancel := context.WithCancel(ctx)
	deliveries, closed, err := c.connect(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, deliveries, closed)

	c.SetRunning(true)
	return nil
}

// Stop cancels the consumers, waits for in-flight deliveries and closes the
// connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping amqp channel")
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	c.SetRunning(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn, c.pubCh = nil, nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("close amqp connection: %w", err)
		}
	}
	return nil
}

// Send publishes msg as persistent JSON {"chat_id","message","type"} on the
// outgoing routing key.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Type == "" {
		msg.Type = bus.MessageTypeChat
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh == nil {
		return fmt.Errorf("amqp channel not connected")
	}

	err = c.pubCh.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.OutgoingRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish reply to %s: %w", msg.ChatID, err)
	}
	slog.Info("outbound: reply published", "chat_id", msg.ChatID, "routing_key", c.cfg.OutgoingRoutingKey)
	return nil
}

// connect dials the broker, declares the topology and opens the consumer.
func (c *Channel) connect(ctx context.Context) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := declareTopology(consumeCh, c.cfg); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := consumeCh.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("set prefetch: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open publish channel: %w", err)
	}

	deliveries, err := consumeCh.ConsumeWithContext(ctx, c.cfg.RequestQueue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.cfg.RequestQueue, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn, c.pubCh = conn, pubCh
	c.mu.Unlock()

	slog.Info("amqp connected", "queue", c.cfg.RequestQueue, "prefetch", c.cfg.Prefetch, "workers", c.cfg.Workers)
	return deliveries, closed, nil
}

// queueArgs are the request/response queue arguments.
func queueArgs(cfg Config) amqp.Table {
	args := amqp.Table{}
	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
	}
	if cfg.DeadLetterRoutingKey != "" {
		args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
		args["x-dead-letter-routing-key"] = cfg.DeadLetterRoutingKey
	}
	return args
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.DeadLetterRoutingKey != "" && cfg.DeadLetterExchange != cfg.Exchange {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", cfg.DeadLetterExchange, err)
		}
	}

	bindings := []struct{ queue, key string }{
		{cfg.RequestQueue, cfg.IncomingRoutingKey},
		{cfg.ResponseQueue, cfg.OutgoingRoutingKey},
	}
	for _, b := range bindings {
		if b.queue == "" {
			continue
		}
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, queueArgs(cfg)); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", b.queue, err)
		}
	}
	return nil
}

// run consumes until ctx is done, reconnecting whenever the broker
// connection closes.
func (c *Channel) run(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(c.done)

	for {
		c.consume(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}

		select {
		case err := <-closed:
			slog.Warn("amqp connection lost, reconnecting", "error", err)
		default:
			slog.Warn("amqp delivery stream ended, reconnecting")
		}
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.conn, c.pubCh = nil, nil
		c.mu.Unlock()

		var err error
		deliveries, closed, err = c.reconnect(ctx)
		if err != nil {
			// Only ctx cancellation ends the retry.
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.ReconnectMax

	type stream struct {
		deliveries <-chan amqp.Delivery
		closed     <-chan *amqp.Error
	}
	s, err := backoff.Retry(ctx, func() (stream, error) {
		d, cl, err := c.connect(ctx)
		return stream{d, cl}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("amqp reconnect failed", "error", err, "next", next)
		}),
	)
	return s.deliveries, s.closed, err
}

// consume fans deliveries out to the workers and returns when the stream
// closes or ctx is done, after in-flight deliveries finish.
func (c *Channel) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handleDelivery(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
}

// handleDelivery decides the fate of one delivery: unparseable, non-chat and
// disallowed messages are acked and dropped; handler failures are requeued.
func (c *Channel) handleDelivery(ctx context.Context, d amqp.Delivery) {
	msg, err := normalize.Parse(d.Body)
	if err != nil {
		if errors.Is(err, normalize.ErrNotChat) {
			slog.Debug("inbound: non-chat message dropped", "delivery", d.DeliveryTag)
		} else {
			slog.Warn("inbound: invalid message dropped", "delivery", d.DeliveryTag, "error", err)
		}
		ack(d)
		return
	}

	if !c.Accept(&msg) {
		slog.Debug("inbound: chat not allowed", "chat_id", msg.ChatID)
		ack(d)
		return
	}

	slog.Info("inbound: chat message received", "id", msg.ID, "chat_id", msg.ChatID, "redelivered", d.Redelivered)

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("inbound: processing failed, requeueing", "id", msg.ID, "chat_id", msg.ChatID, "error", err)
		if nerr := d.Nack(false, true); nerr != nil {
			slog.Error("inbound: nack failed", "id", msg.ID, "error", nerr)
		}
		return
	}
	ack(d)
}

func ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		slog.Error("inbound: ack failed", "delivery", d.DeliveryTag, "error", err)
	}
}
