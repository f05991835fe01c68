package main

import (
	"context"
	"fmt"
	"log/slog"

	"pi-executor/internal/adapter/sessionfs"
	"pi-executor/internal/infra/config"
	"pi-executor/internal/infra/logger"
	"pi-executor/internal/infra/tracer"
	"pi-executor/internal/usecase/eventbus"
	"pi-executor/internal/usecase/executor"
	"pi-executor/internal/usecase/process"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	sessions *sessionfs.Store
	executor *executor.Executor
}

// newApp loads configuration and wires the runtime. The returned cleanup
// must be called once the command is done.
func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}

	bus := eventbus.New(log)
	sessions := sessionfs.New(cfg.Sessions.Root, log)
	sup := process.NewSupervisor(process.Config{Env: cfg.Executor.Overrides.Env}, log)

	a := &app{
		cfg:      cfg,
		logger:   log,
		bus:      bus,
		sessions: sessions,
		executor: executor.New(cfg, sessions, sup, bus, log),
	}
	cleanup := func() {
		bus.Close()
		if err := tracerShutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		logCloser()
	}
	return a, cleanup, nil
}
