package broker

import "context"

// Message is one job on its way to a queue.
type Message struct {
	// Queue is the logical queue name: a routing key on RabbitMQ, a topic on Pub/Sub.
	Queue   string
	Key     string // ordering key, optional
	Body    []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message and returns once the broker accepted it.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// Delivery is a received message.
type Delivery struct {
	Queue   string
	Body    []byte
	Headers map[string]string
}

// Handler processes one delivery. Returning nil acknowledges it; an error
// hands it back to the broker for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Consumer receives messages from a queue.
type Consumer interface {
	// Consume blocks, invoking h for each delivery, until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
}

// Broker publishes and consumes.
type Broker interface {
	MessageBroker
	Consumer
}
