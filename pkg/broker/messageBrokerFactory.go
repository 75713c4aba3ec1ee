package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (Broker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
