package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
)

// Open builds the configured sink, wrapped in a Fanout when mirrors are set.
func Open(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		sink Sink
		err  error
	)
	switch cfg.Backend {
	case "memory":
		sink = NewMemorySink()
	case "file", "":
		sink, err = NewFileSink(cfg.File.Dir)
	case "redis":
		sink, err = NewRedisSink(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "badger":
		sink, err = NewBadgerSink(BadgerConfig{Dir: cfg.Badger.Dir})
	case "firestore":
		sink, err = NewFirestoreSink(ctx, FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			Collection:      cfg.Firestore.Collection,
		})
	case "postgres":
		sink, err = NewPostgresSink(ctx, PostgresConfig{
			DSN:            cfg.Postgres.DSN,
			SkipMigrations: cfg.Postgres.SkipMigrations,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s audit sink: %w", cfg.Backend, err)
	}

	logger.Info("audit sink opened", slog.String("backend", cfg.Backend))

	if len(cfg.Mirrors) == 0 {
		return sink, nil
	}
	var mirrors []Sink
	for _, m := range cfg.Mirrors {
		switch m {
		case "stdout":
			mirrors = append(mirrors, NewWriterSink(os.Stdout))
		default:
			_ = sink.Close()
			return nil, fmt.Errorf("unknown audit mirror %q", m)
		}
	}
	return NewFanout(sink, mirrors...), nil
}
