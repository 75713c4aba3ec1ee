package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Broker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Broker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return &pubSubBroker{
		client:   client,
		settings: settings,
		topics:   make(map[string]*pubsub.Topic),
		logger:   slog.Default().With("component", "pubsub"),
	}, nil
}

// pubSubBroker maps each queue to a topic and a subscription of the same name.
type pubSubBroker struct {
	client   *pubsub.Client
	settings *config.BrokerSettings
	logger   *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer("go-stageflow")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Queue),
		),
	)
	defer span.End()

	// Merge headers into attributes, then inject the trace context
	attributes := make(map[string]string, len(msg.Headers)+2)
	for key, value := range msg.Headers {
		attributes[key] = value
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	message := &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attributes,
		OrderingKey: msg.Key,
	}

	t := p.topic(msg.Queue)
	res := t.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		if msg.Key != "" {
			t.ResumePublish(msg.Key)
		}
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)
	return nil
}

// Consume receives from the subscription named after queue. The
// subscription must exist.
func (p *pubSubBroker) Consume(ctx context.Context, queue string, h Handler) error {
	sub := p.client.Subscription(queue)
	if p.settings != nil && p.settings.Prefetch > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = p.settings.Prefetch
	}

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Attributes))
		ctx, span := otel.Tracer("go-stageflow").Start(ctx, "Consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				semconv.MessagingSystemKey.String("pubsub"),
				semconv.MessagingDestinationKey.String(queue),
				semconv.MessagingMessageIDKey.String(m.ID),
			),
		)
		defer span.End()

		if err := h(ctx, Delivery{Queue: queue, Body: m.Data, Headers: m.Attributes}); err != nil {
			span.RecordError(err)
			m.Nack()
			return
		}
		m.Ack()
	})
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
