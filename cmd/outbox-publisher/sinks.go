package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/kafka"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	"github.com/refillpoint/fulfillment-backend/pkg/pubsub"
)

type pubsubSink struct{ *pubsub.Client }

func (pubsubSink) Name() string { return config.BroadcastPubSub }

type kafkaSink struct{ *kafka.Producer }

func (kafkaSink) Name() string { return config.BroadcastKafka }

// logSink writes events to the structured log. Used in development and when
// no broker is configured.
type logSink struct {
	logg *logger.Logger
}

func (logSink) Name() string { return config.BroadcastLog }

func (logSink) Ping(context.Context) error { return nil }

func (s logSink) Publish(ctx context.Context, msg outbox.Message) error {
	fields := map[string]any{
		"topic": msg.Topic,
		"key":   msg.Key,
	}
	for k, v := range msg.Attributes {
		fields["attr_"+k] = v
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "broadcast event")
	return nil
}

// buildSink picks the broadcast transport and the topic events are routed to.
// The returned closer releases transport resources.
func buildSink(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Sink, string, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broadcast.Backend)) {
	case config.BroadcastPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, "", nil, fmt.Errorf("bootstrap pubsub: %w", err)
		}
		return pubsubSink{client}, cfg.PubSub.OrdersTopic, client, nil
	case config.BroadcastKafka:
		producer, err := kafka.NewProducer(cfg.Kafka, logg)
		if err != nil {
			return nil, "", nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		return kafkaSink{producer}, cfg.Kafka.Topic, producer, nil
	default:
		return logSink{logg: logg}, cfg.PubSub.OrdersTopic, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
