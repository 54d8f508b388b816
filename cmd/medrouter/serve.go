package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"medrouter/internal/adapter/channel"
	"medrouter/internal/infra/config"
	"medrouter/internal/infra/logger"
	"medrouter/internal/infra/middleware"
	"medrouter/internal/infra/tracer"
	"medrouter/internal/usecase/scheduling"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	comp, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	api, err := channel.NewHTTPChannel(channel.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit: middleware.RateLimitConfig{
			PerSecond: cfg.Server.RateLimit,
			Burst:     cfg.Server.RateBurst,
		},
	}, comp.engine, comp.registry, log)
	if err != nil {
		return err
	}
	if comp.privacy != nil {
		api.SetContextEraser(comp.privacy)
	}
	if comp.redis != nil {
		api.SetStorePinger(comp.redis)
	}

	sched, err := startScheduler(ctx, cfg, comp, log)
	if err != nil {
		return err
	}
	if sched != nil {
		defer sched.Stop()
	}

	if err := api.Start(ctx); err != nil {
		return err
	}
	log.Info("medrouter ready", "addr", api.Addr(), "agents", comp.registry.Len(), "version", version)

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := api.Stop(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startScheduler registers the maintenance actions and starts the configured
// tasks. It returns nil when the scheduler is disabled.
func startScheduler(ctx context.Context, cfg *config.Config, comp *components, log *slog.Logger) (*scheduling.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}

	sched := scheduling.NewScheduler(log, 0)
	sched.RegisterAction(scheduling.ActionStatsReport, scheduling.StatsReport(comp.engine, log))

	var store scheduling.Pinger
	if comp.redis != nil {
		store = comp.redis
	}
	sched.RegisterAction(scheduling.ActionHealthProbe, scheduling.HealthProbe(comp.registry, store, log))
	if comp.fileAudit != nil {
		sched.RegisterAction(scheduling.ActionAuditRetention, scheduling.AuditRetention(comp.fileAudit, log))
	}

	for _, t := range cfg.Scheduler.Tasks {
		err := sched.AddTask(scheduling.Task{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   scheduling.Action(t.Action),
			OneShot:  t.OneShot,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("scheduler started", "tasks", sched.Len())
	return sched, nil
}
