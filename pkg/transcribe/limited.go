package transcribe

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/aixgo-dev/ophthalmocapture/pkg/security"
)

const (
	breakerFailures = 5
	breakerReset    = 30 * time.Second
)

// Limited throttles a Transcriber per session and stops calling it for a
// while after repeated failures.
type Limited struct {
	inner   Transcriber
	limiter *security.RateLimiter
	breaker *security.CircuitBreaker
	logger  *slog.Logger
}

// NewLimited wraps inner. A non-positive rps disables throttling.
func NewLimited(inner Transcriber, rps float64, burst int, logger *slog.Logger) *Limited {
	if rps <= 0 {
		rps = math.Inf(1)
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limited{
		inner:   inner,
		limiter: security.NewRateLimiter(rps, burst),
		breaker: security.NewCircuitBreaker(breakerFailures, breakerReset),
		logger:  logger.With(slog.String("component", "transcribe")),
	}
}

// Transcribe waits for the session's rate limit, then calls the provider
// through the circuit breaker.
func (l *Limited) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if err := l.limiter.Wait(ctx, req.SessionID); err != nil {
		return nil, err
	}

	var res *Result
	err := l.breaker.Execute(func() error {
		var err error
		res, err = l.inner.Transcribe(ctx, req)
		return err
	})
	if err != nil {
		l.logger.Warn("transcription failed",
			slog.String("session_id", req.SessionID),
			slog.String("breaker", l.breaker.State().String()),
			slog.Any("error", err),
		)
		return nil, err
	}
	return res, nil
}

// Forget drops the rate limit state of a cleared session.
func (l *Limited) Forget(sessionID string) {
	l.limiter.Forget(sessionID)
}

// Ping delegates to the wrapped Transcriber when it supports it.
func (l *Limited) Ping(ctx context.Context) error {
	if p, ok := l.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
