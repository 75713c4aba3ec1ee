package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "stageflow"
	envPrefix  = "STAGEFLOW"
)

type Settings struct {
	Database      DbSettings           `mapstructure:"database"`
	Broker        BrokerSettings       `mapstructure:"broker"`
	Cache         CacheSettings        `mapstructure:"cache"`
	Orchestrator  OrchestratorSettings `mapstructure:"orchestrator"`
	Processor     ProcessorSettings    `mapstructure:"processor"`
	Worker        WorkerSettings       `mapstructure:"worker"`
	Recovery      RecoverySettings     `mapstructure:"recovery"`
	Observability Observability        `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Orchestrator.Admission == "redis" && !c.Cache.Enabled() {
		return errors.New("orchestrator.admission=redis requires cache.addr")
	}
	if c.Recovery.StaleAfter <= c.Worker.HeartbeatInterval {
		// a live worker would be swept between two heartbeats
		return errors.New("recovery.stale_after must exceed worker.heartbeat_interval")
	}
	return nil
}

// LoadFromFile reads stageflow.yaml from filePath (or the working directory),
// merges stageflow.<ENVIRONMENT>.yaml on top, applies STAGEFLOW_* environment
// overrides and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(filePath) // path to config
	v.AddConfigPath(".")      // current directory

	if err := v.ReadInConfig(); err != nil {
		slog.Warn("no config file found or read error, relying on env", "error", err)
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	cfg := &Settings{}
	if err := cfg.loadFrom(v); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv fills c from defaults and STAGEFLOW_* environment variables only.
func (c *Settings) LoadFromEnv() error {
	return c.loadFrom(newViper())
}

func (c *Settings) loadFrom(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like STAGEFLOW_DATABASE_TYPE

	// Bind environment variables explicitly so Unmarshal sees keys absent from the file
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("unmarshal configuration: %w", err)
	}
	return nil
}

var envKeys = []string{
	"database.type",
	"database.dsn",
	"database.uri",
	"database.db_name",
	"broker.type",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"broker.pool_size",
	"broker.prefetch",
	"cache.addr",
	"cache.password",
	"cache.db",
	"orchestrator.idempotency_ttl",
	"orchestrator.mirror_ttl",
	"orchestrator.saga_attempts",
	"orchestrator.saga_backoff",
	"orchestrator.admission",
	"orchestrator.slot_ttl",
	"orchestrator.global_limit",
	"orchestrator.default_limit",
	"processor.pollers",
	"processor.batch_size",
	"processor.poll_interval",
	"processor.max_poll_interval",
	"processor.max_retries",
	"processor.retry_backoff",
	"processor.lease",
	"processor.dead_letter_topic",
	"worker.id",
	"worker.queues",
	"worker.concurrency",
	"worker.lock_ttl",
	"worker.heartbeat_interval",
	"worker.max_attempts",
	"worker.retry_backoff",
	"recovery.sweep_schedule",
	"recovery.stale_after",
	"recovery.batch_size",
	"recovery.janitor_schedule",
	"recovery.outbox_retention",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_addr",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.prefetch", 10)

	v.SetDefault("orchestrator.idempotency_ttl", 24*time.Hour)
	v.SetDefault("orchestrator.mirror_ttl", 10*time.Minute)
	v.SetDefault("orchestrator.saga_attempts", 3)
	v.SetDefault("orchestrator.saga_backoff", 50*time.Millisecond)
	v.SetDefault("orchestrator.admission", "store")
	v.SetDefault("orchestrator.slot_ttl", time.Hour)
	v.SetDefault("orchestrator.global_limit", 100)
	v.SetDefault("orchestrator.default_limit", 2)

	v.SetDefault("processor.pollers", 1)
	v.SetDefault("processor.batch_size", 10)
	v.SetDefault("processor.poll_interval", 200*time.Millisecond)
	v.SetDefault("processor.max_poll_interval", 5*time.Second)
	v.SetDefault("processor.max_retries", 5)
	v.SetDefault("processor.retry_backoff", time.Second)
	v.SetDefault("processor.lease", 5*time.Minute)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lock_ttl", 5*time.Minute)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", 5*time.Second)

	v.SetDefault("recovery.sweep_schedule", "@every 30s")
	v.SetDefault("recovery.stale_after", 2*time.Minute)
	v.SetDefault("recovery.batch_size", 50)
	v.SetDefault("recovery.janitor_schedule", "@every 1h")
	v.SetDefault("recovery.outbox_retention", 7*24*time.Hour)

	v.SetDefault("observability.service_name", "stageflow")
	v.SetDefault("observability.metrics_addr", ":9090")

	return v
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
