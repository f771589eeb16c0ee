package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/channels"
	"github.com/nextlevelbuilder/ussdgate/internal/channels/rabbitmq"
	"github.com/nextlevelbuilder/ussdgate/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/consumer"
)

// newProcessor builds a processor replying through sender with the
// configured retry and dedupe settings.
func newProcessor(cfg *config.Config, d config.Durations, dispatcher consumer.Dispatcher, sender consumer.Sender) *consumer.Processor {
	return consumer.New(dispatcher, sender, consumer.Options{
		Retry: consumer.RetryPolicy{
			InitialInterval: d.RetryInitial,
			Multiplier:      cfg.Retry.Multiplier,
			MaxInterval:     d.RetryMaxInterval,
			MaxElapsed:      d.RetryMaxElapsed,
		},
		DedupeTTL: d.DedupeTTL,
		DedupeMax: cfg.Dedupe.Max,
	})
}

// registerChannels creates the enabled channels and registers them with mgr.
//
// The broker channel hands each delivery to its own processor synchronously
// so the delivery is acked only after the reply is published. The bridge
// channel has no acknowledgements and goes through the bus instead.
func registerChannels(cfg *config.Config, d config.Durations, dispatcher consumer.Dispatcher, mgr *channels.Manager, msgBus *bus.MessageBus) error {
	if cfg.Broker.Enabled {
		proc := newProcessor(cfg, d, dispatcher, mgr)
		ch, err := rabbitmq.New(rabbitmq.Config{
			URL:                  cfg.Broker.URL,
			Exchange:             cfg.Broker.Exchange,
			RequestQueue:         cfg.Broker.RequestQueue,
			ResponseQueue:        cfg.Broker.ResponseQueue,
			IncomingRoutingKey:   cfg.Broker.IncomingRoutingKey,
			OutgoingRoutingKey:   cfg.Broker.OutgoingRoutingKey,
			MessageTTL:           d.BrokerTTL,
			DeadLetterExchange:   cfg.Broker.DLXExchange,
			DeadLetterRoutingKey: cfg.Broker.DLXRoutingKey,
			Prefetch:             cfg.Broker.Prefetch,
			Workers:              cfg.Broker.Workers,
			ReconnectMax:         d.BrokerReconnectMax,
			AllowFrom:            cfg.Broker.AllowFrom,
		}, proc.Handle)
		if err != nil {
			return err
		}
		mgr.RegisterChannel(ch)
		slog.Info("broker channel enabled", "exchange", cfg.Broker.Exchange, "queue", cfg.Broker.RequestQueue)
	}

	if cfg.Bridge.Enabled {
		ch, err := whatsapp.New(whatsapp.Config{
			BridgeURL: cfg.Bridge.URL,
			AllowFrom: cfg.Bridge.AllowFrom,
		}, msgBus)
		if err != nil {
			return err
		}
		mgr.RegisterChannel(ch)
		slog.Info("whatsapp bridge channel enabled", "url", cfg.Bridge.URL)
	}
	return nil
}

// consumeInboundMessages drains the bus until ctx is done or the bus closes.
func consumeInboundMessages(ctx context.Context, cfg *config.Config, msgBus bus.MessageRouter, proc *consumer.Processor) {
	proc.RunBus(ctx, msgBus, cfg.Bridge.Workers)
}
