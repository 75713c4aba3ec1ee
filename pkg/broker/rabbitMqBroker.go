package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

var errDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (Broker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (Broker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          slog.Default().With("component", "rabbitmq"),
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *slog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

// Publish routes msg through the topic exchange with msg.Queue as routing key.
func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer("go-stageflow")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Queue),
		),
	)
	defer span.End()

	// Convert headers to amqp.Table, trace context last so it wins
	amqpHeaders := make(amqp.Table, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		amqpHeaders[k] = v
	}
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.settings.Exchange, msg.Queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.Body,
			Headers:      amqpHeaders,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)
	return nil
}

// Consume declares a durable queue bound to the exchange under its own name
// and delivers from it with manual acknowledgements.
func (r *rabbitMqBroker) Consume(ctx context.Context, queue string, h Handler) error {
	r.mu.Lock()
	conn := r.connection
	r.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if r.settings.Prefetch > 0 {
		if err := ch.Qos(r.settings.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, r.settings.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			r.handle(ctx, queue, d, h)
		}
	}
}

func (r *rabbitMqBroker) handle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		} else {
			headers[k] = fmt.Sprint(v)
		}
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	ctx, span := otel.Tracer("go-stageflow").Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(queue),
		),
	)
	defer span.End()

	if err := h(ctx, Delivery{Queue: queue, Body: d.Body, Headers: headers}); err != nil {
		span.RecordError(err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			r.logger.Error("nack failed", "queue", queue, "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Error("ack failed", "queue", queue, "error", err)
	}
}

func (r *rabbitMqBroker) Close() error {
	var err error
	r.closeOnce.Do(func() {
		// Stop the connection recovery goroutine
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()
		r.drainPool()
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}
