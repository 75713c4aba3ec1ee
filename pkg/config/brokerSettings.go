package config

// BrokerSettings holds configuration for connecting to the job queue broker.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub memory"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`                        // Optional for RabbitMQ
	Prefetch  int    `mapstructure:"prefetch" validate:"gte=0"`
}

// DbSettings selects and addresses the durable store.
type DbSettings struct {
	Type   string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo memory"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI    string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName string `mapstructure:"db_name" validate:"required_if=Type mongo"`
}

// CacheSettings addresses the Redis instance used for the volatile
// idempotency mirror and, optionally, the admission counters.
type CacheSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// Enabled reports whether a Redis address is configured.
func (c CacheSettings) Enabled() bool { return c.Addr != "" }
