package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-stageflow/pkg/stageflow"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox processor, recovery schedule and metrics endpoint",
		Long: `Run the background services until interrupted: the outbox processor
publishes committed jobs, the scheduler runs the orphan sweep and the janitor,
and /metrics serves Prometheus metrics when observability.metrics_addr is set.

Stage handlers run in the application processes that embed the worker runtime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withSystem(cmd, opts.RootOptions, func(sys *stageflow.System) error {
				return serve(ctx, opts, sys)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply schema migrations before starting")

	return cmd
}

func serve(ctx context.Context, opts *ServeOptions, sys *stageflow.System) error {
	shutdownTelemetry, err := telemetry.Init(sys.Config.Observability)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	if opts.Migrate {
		if err := sys.Store.Migrate(ctx); err != nil {
			return err
		}
	}

	scheduler, err := sys.Scheduler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Processor.ProcessEvents(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })

	if addr := sys.Config.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sys.MetricsHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			opts.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	opts.logger.Info("stageflow started", "database", sys.Config.Database.Type, "broker", sys.Config.Broker.Type)
	err = g.Wait()
	opts.logger.Info("stageflow stopped")
	return err
}
