package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	internalobs "github.com/aixgo-dev/ophthalmocapture/internal/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/export"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/security"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
	"github.com/aixgo-dev/ophthalmocapture/pkg/transcribe"
)

// app holds the collaborators shared by serve and console.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	sink        audit.Sink
	registry    *session.Registry
	sentinel    *session.Sentinel
	engine      *export.Engine
	transcriber transcribe.Transcriber
	auth        *security.Authenticator
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newApp wires every collaborator from cfg. On error nothing is left open.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	auth, err := security.NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	tr, err := transcribe.New(cfg.Transcription, logger)
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}

	sink, err := audit.Open(ctx, cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logger
	if f, ok := tr.(interface{ Forget(string) }); ok {
		opts.OnRelease = f.Forget
	}
	registry, err := session.NewRegistry(sink, opts)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	exportOpts := export.OptionsFromConfig(cfg)
	exportOpts.Logger = logger

	return &app{
		cfg:         cfg,
		logger:      logger,
		sink:        sink,
		registry:    registry,
		sentinel:    session.NewSentinel(registry, cfg.SweepInterval),
		engine:      export.NewEngine(registry, exportOpts),
		transcriber: tr,
		auth:        auth,
	}, nil
}

func (a *app) start() error {
	return a.sentinel.Start()
}

// close finalizes every live session, then releases the sink.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.sentinel.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sentinel: %w", err))
	}
	if err := a.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := a.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit sink: %w", err))
	}
	return errors.Join(errs...)
}

// healthChecker registers the audit sink and the transcription endpoint.
func (a *app) healthChecker() *observability.HealthChecker {
	hc := observability.NewHealthChecker()
	if p, ok := a.sink.(audit.Pinger); ok {
		hc.RegisterCheck(observability.AuditSinkCheck(p.Ping))
	}
	if p, ok := a.transcriber.(interface{ Ping(context.Context) error }); ok {
		hc.RegisterCheck(observability.ExternalServiceCheck("transcription", p.Ping))
	}
	return hc
}

func initTracing(cfg config.TracingConfig) func() {
	if err := internalobs.Init(cfg); err != nil {
		log.Printf("Warning: tracing disabled: %v", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := internalobs.Shutdown(ctx); err != nil {
			log.Printf("Warning: tracing shutdown: %v", err)
		}
	}
}
