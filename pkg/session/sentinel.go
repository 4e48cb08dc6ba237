package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
)

// Sentinel periodically expires sessions that have been idle beyond the
// registry's timeout. A sweep reads each session's activity without locking;
// the expiry itself re-checks under the session lock.
type Sentinel struct {
	registry    *Registry
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	cron    *cron.Cron
	running atomic.Bool
}

// SweepResult reports one sweep.
type SweepResult struct {
	Checked       int
	Expired       int
	AuditWarnings int
	Duration      time.Duration
}

// SentinelOption configures a Sentinel.
type SentinelOption func(*Sentinel)

// WithConcurrency bounds how many sessions are expired in parallel (default: 8).
func WithConcurrency(n int) SentinelOption {
	return func(s *Sentinel) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewSentinel creates a sentinel sweeping every interval.
func NewSentinel(registry *Registry, interval time.Duration, opts ...SentinelOption) *Sentinel {
	s := &Sentinel{
		registry:    registry,
		interval:    interval,
		concurrency: 8,
		logger:      registry.logger.With(slog.String("component", "sentinel")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs one sweep over all live sessions.
func (s *Sentinel) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.registry.opts.Clock.Now()

	var candidates []*Store
	stores := s.registry.Live()
	for _, st := range stores {
		if st.idleAt(now) {
			candidates = append(candidates, st)
		}
	}

	var expired, warnings atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, st := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := st.expireIfIdle(gctx)
			if ok {
				expired.Add(1)
			}
			if err != nil {
				if !IsAuditWarning(err) {
					return fmt.Errorf("expire %s: %w", st.ID(), err)
				}
				warnings.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	res := SweepResult{
		Checked:       len(stores),
		Expired:       int(expired.Load()),
		AuditWarnings: int(warnings.Load()),
		Duration:      time.Since(start),
	}
	observability.RecordSweep(res.Expired, res.Duration)
	if res.Expired > 0 {
		s.logger.Info("expired idle sessions",
			slog.Int("checked", res.Checked),
			slog.Int("expired", res.Expired),
			slog.Int("audit_warnings", res.AuditWarnings),
		)
	}
	return res, err
}

// Start schedules sweeps in the background. A sweep that overruns the
// interval causes the next tick to be skipped.
func (s *Sentinel) Start() error {
	if s.interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sentinel already running")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("sentinel started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sentinel) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
