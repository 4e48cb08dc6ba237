package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the read-only audit trail over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Observability.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides observability.port)")
	return cmd
}

// serve exposes health, metrics and the read-only audit trail. Sessions only
// live inside a console process, so no expiry sentinel runs here.
func serve(cfg *config.Config) error {
	log.Printf("Starting ophthalmocapture v%s", Version)
	logger := newLogger()

	observability.InitMetrics()
	stopTracing := initTracing(cfg.Observability.Tracing)
	defer stopTracing()

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	log.Printf("Audit backend: %s", cfg.Audit.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := runServer(ctx, a, cfg.Observability.Port)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		log.Printf("Error closing sessions: %v", err)
	}

	log.Println("Shutdown complete")
	return runErr
}

// runServer serves HTTP until ctx ends or the listener fails.
func runServer(ctx context.Context, a *app, port int) error {
	srv := observability.NewServer(port, a.healthChecker(), a.sink, a.logger)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%d", port)
		errChan <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("Shutting down...")
	case runErr = <-errChan:
		if runErr != nil {
			log.Printf("HTTP server error: %v", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	return runErr
}
