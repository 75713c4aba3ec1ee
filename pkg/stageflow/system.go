// Package stageflow wires the orchestration components from one
// config.Settings. The command uses it to run the background services;
// applications embed it to register their stage handlers and call
// InitiateStage in-process.
package stageflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-stageflow/pkg/admission"
	"github.com/zoff-tech/go-stageflow/pkg/broker"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/idempotency"
	"github.com/zoff-tech/go-stageflow/pkg/lock"
	"github.com/zoff-tech/go-stageflow/pkg/orchestrator"
	"github.com/zoff-tech/go-stageflow/pkg/processor"
	"github.com/zoff-tech/go-stageflow/pkg/recovery"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
	"github.com/zoff-tech/go-stageflow/pkg/worker"
)

// Creator funcs are package variables so tests can swap the backends out.
var (
	newRepository = store.NewRepository
	newBroker     = broker.NewBroker
	newRedis      = func(cfg config.CacheSettings) redis.UniversalClient {
		return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	}
)

type Option func(*options)

type options struct {
	logger     *slog.Logger
	resolver   orchestrator.EntityResolver
	registerer *prometheus.Registry
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithResolver makes InitiateStage reject unknown business entities.
func WithResolver(r orchestrator.EntityResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registerer = reg }
}

// System holds every component built from one configuration.
type System struct {
	Config       *config.Settings
	Store        store.Store
	Broker       broker.Broker
	Redis        redis.UniversalClient
	Admission    *admission.Controller
	Orchestrator *orchestrator.Orchestrator
	Processor    *processor.OutboxProcessor
	Locks        *lock.Manager
	Recovery     *recovery.Recovery
	Metrics      *telemetry.Metrics

	registry *prometheus.Registry
	logger   *slog.Logger
}

// Open connects the store, broker and optional Redis, and assembles the
// components on top of them.
func Open(ctx context.Context, cfg *config.Settings, opts ...Option) (*System, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
		o.registerer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &System{Config: cfg, registry: o.registerer, logger: o.logger}
	metrics, err := telemetry.NewMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.Metrics = metrics

	if s.Store, err = newRepository(ctx, cfg.Database); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if s.Broker, err = newBroker(ctx, &cfg.Broker); err != nil {
		s.Close()
		return nil, fmt.Errorf("open broker: %w", err)
	}

	cacheOpts := []idempotency.Option{idempotency.WithLogger(o.logger), idempotency.WithMetrics(metrics)}
	var slots store.SlotRepository = s.Store
	if cfg.Cache.Enabled() {
		s.Redis = newRedis(cfg.Cache)
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Cache.Addr, err)
		}
		cacheOpts = append(cacheOpts, idempotency.WithMirror(idempotency.NewRedisMirror(s.Redis, ""), cfg.Orchestrator.MirrorTTL))
		if cfg.Orchestrator.Admission == "redis" {
			slots = admission.NewRedisSlots(s.Redis, "")
		}
	}

	s.Admission = admission.NewController(slots, cfg.Orchestrator.GlobalLimit, cfg.Orchestrator.SlotTTL,
		admission.WithLogger(o.logger), admission.WithMetrics(metrics))

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(o.logger), orchestrator.WithMetrics(metrics)}
	if o.resolver != nil {
		orchOpts = append(orchOpts, orchestrator.WithResolver(o.resolver))
	}
	s.Orchestrator = orchestrator.New(s.Store, idempotency.New(s.Store, cacheOpts...), s.Admission, cfg.Orchestrator, orchOpts...)

	s.Processor = processor.NewOutboxProcessor(s.Store, s.Broker, cfg.Processor,
		processor.WithLogger(o.logger), processor.WithMetrics(metrics))
	s.Locks = lock.NewManager(s.Store, lock.WithLogger(o.logger), lock.WithMetrics(metrics))
	s.Recovery = recovery.New(s.Store, s.Orchestrator, cfg.Recovery, cfg.Worker,
		recovery.WithLogger(o.logger), recovery.WithMetrics(metrics))
	return s, nil
}

// Worker builds a runtime that executes the handlers in reg.
func (s *System) Worker(reg *worker.Registry) *worker.Runtime {
	return worker.New(s.Broker, s.Orchestrator, s.Store, s.Locks, reg, s.Config.Worker,
		worker.WithLogger(s.logger), worker.WithMetrics(s.Metrics))
}

// Scheduler builds the cron scheduler for the orphan sweep and the janitor.
func (s *System) Scheduler() (*recovery.Scheduler, error) {
	return recovery.NewScheduler(s.Recovery, s.Config.Recovery, s.logger)
}

// MetricsHandler serves the system's Prometheus registry.
func (s *System) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Close releases every connection that was opened.
func (s *System) Close() error {
	var errs []error
	if s.Broker != nil {
		errs = append(errs, s.Broker.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
