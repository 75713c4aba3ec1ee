package broker

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var amqpDial = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newConnection(url string, logger *slog.Logger) (amqpConnection, error) {
	conn, err := amqpDial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", "error", err)
		}
	}()
	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}

	connection, err := newConnection(r.settings.URL, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Declare the exchange once per connection
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	if err := channel.ExchangeDeclare(r.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	_ = channel.Close()

	// Reinitialize the channel pool
	r.drainPool()
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized", "pool_size", r.settings.PoolSize)
	return nil
}

func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pc := <-r.channelPool:
			_ = pc.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				r.logger.Info("attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("failed to reconnect to RabbitMQ", "error", err)
				} else {
					r.logger.Info("reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				r.logger.Debug("discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.logger.Debug("discarding closed channel", "error", err)
		return
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			_ = pooledChan.channel.Close()
		}
	}
}
