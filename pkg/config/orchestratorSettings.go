package config

import "time"

// OrchestratorSettings tunes InitiateStage: idempotency retention, the saga
// retry loop and admission limits.
type OrchestratorSettings struct {
	IdempotencyTTL time.Duration  `mapstructure:"idempotency_ttl" validate:"gt=0"`
	MirrorTTL      time.Duration  `mapstructure:"mirror_ttl" validate:"gte=0"`
	SagaAttempts   int            `mapstructure:"saga_attempts" validate:"gte=1,lte=10"`
	SagaBackoff    time.Duration  `mapstructure:"saga_backoff" validate:"gte=0"`
	Admission      string         `mapstructure:"admission" validate:"oneof=store redis"`
	SlotTTL        time.Duration  `mapstructure:"slot_ttl" validate:"gt=0"`
	GlobalLimit    int            `mapstructure:"global_limit" validate:"gte=1"`
	DefaultLimit   int            `mapstructure:"default_limit" validate:"gte=1"`
	Tiers          map[string]int `mapstructure:"tiers" validate:"dive,gte=1"`
}

// LimitFor returns the per-principal limit of a tier, falling back to
// DefaultLimit for unknown tiers.
func (o OrchestratorSettings) LimitFor(tier string) int {
	if l, ok := o.Tiers[tier]; ok {
		return l
	}
	return o.DefaultLimit
}

// ProcessorSettings tunes the outbox pollers.
type ProcessorSettings struct {
	Pollers         int           `mapstructure:"pollers" validate:"gte=1"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval" validate:"gtefield=PollInterval"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=1"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"gte=0"` // initial backoff duration
	Lease           time.Duration `mapstructure:"lease" validate:"gt=0"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
}

// WorkerSettings tunes the worker runtime.
type WorkerSettings struct {
	ID                string        `mapstructure:"id"`
	Queues            []string      `mapstructure:"queues"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=LockTTL"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
}

// RecoverySettings tunes the orphan sweep and the janitor.
type RecoverySettings struct {
	SweepSchedule   string        `mapstructure:"sweep_schedule" validate:"required"`
	StaleAfter      time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	JanitorSchedule string        `mapstructure:"janitor_schedule" validate:"required"`
	OutboxRetention time.Duration `mapstructure:"outbox_retention" validate:"gt=0"`
}
