package audit

import (
	"context"
	"errors"
	"fmt"
)

// Fanout writes every record to a primary sink and any number of mirrors.
// Reads go to the primary only.
type Fanout struct {
	primary Sink
	mirrors []Sink
}

// NewFanout returns a sink that appends to primary and mirrors.
func NewFanout(primary Sink, mirrors ...Sink) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors}
}

// Append writes to every sink, attempting all of them even if one fails.
func (f *Fanout) Append(ctx context.Context, rec *Record) error {
	var errs []error
	if err := f.primary.Append(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	for i, m := range f.mirrors {
		if err := m.Append(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("mirror %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Query reads from the primary sink.
func (f *Fanout) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	return f.primary.Query(ctx, sessionID)
}

// Sessions delegates to the primary when it can list sessions.
func (f *Fanout) Sessions(ctx context.Context) ([]string, error) {
	if l, ok := f.primary.(SessionLister); ok {
		return l.Sessions(ctx)
	}
	return nil, ErrQueryUnsupported
}

// Ping checks every sink that supports it.
func (f *Fanout) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range append([]Sink{f.primary}, f.mirrors...) {
		if p, ok := s.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	errs := []error{f.primary.Close()}
	for _, m := range f.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
