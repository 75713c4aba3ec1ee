package broker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var ErrBrokerClosed = errors.New("broker: closed")

const (
	memoryQueueDepth   = 1024
	memoryRequeueDelay = 10 * time.Millisecond
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker for tests and single-binary
// development. Competing consumers of one queue share its messages.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]chan Delivery
	published []Message
	closed    bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan Delivery)}
}

func (m *MemoryBroker) queue(name string) (chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Delivery, memoryQueueDepth)
		m.queues[name] = q
	}
	return q, nil
}

func (m *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	q, err := m.queue(msg.Queue)
	if err != nil {
		return err
	}
	d := Delivery{Queue: msg.Queue, Body: msg.Body, Headers: maps.Clone(msg.Headers)}
	select {
	case q <- d:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()
	return nil
}

// Published returns every message accepted so far, in order.
func (m *MemoryBroker) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Consume delivers until ctx is done. A failed delivery is put back on the
// queue after a short delay.
func (m *MemoryBroker) Consume(ctx context.Context, queue string, h Handler) error {
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			if err := h(ctx, d); err != nil {
				time.AfterFunc(memoryRequeueDelay, func() {
					select {
					case q <- d:
					default:
					}
				})
			}
		}
	}
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
