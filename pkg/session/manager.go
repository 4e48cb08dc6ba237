package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
)

// Registry maps session ids to their Stores. Stores are created on first use
// and removed once cleared with no export in flight. Recently removed ids are
// remembered so a late caller gets the session's terminal state rather than
// not-found.
//
// Registry is safe for concurrent use. It never holds its own lock while
// taking a Store's lock.
type Registry struct {
	sink   audit.Sink
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	stores     map[string]*Store
	tombstones *lru.Cache[string, Status]
	closed     bool
}

// NewRegistry creates a registry writing audit facts to sink.
func NewRegistry(sink audit.Sink, opts Options) (*Registry, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	opts.applyDefaults()

	tombstones, err := lru.New[string, Status](opts.TombstoneSize)
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}

	return &Registry{
		sink:       sink,
		opts:       opts,
		logger:     opts.Logger.With(slog.String("component", "registry")),
		stores:     make(map[string]*Store),
		tombstones: tombstones,
	}, nil
}

// Options returns the effective options.
func (r *Registry) Options() Options {
	return r.opts
}

// Sink returns the audit sink sessions write to.
func (r *Registry) Sink() audit.Sink {
	return r.sink
}

// Create starts a new session with a fresh id. clinician may be empty for an
// anonymous session.
func (r *Registry) Create(ctx context.Context, clinician string) (*Store, error) {
	return r.create(uuid.New().String(), clinician)
}

func (r *Registry) create(id, clinician string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry closed", ErrState)
	}
	if s, ok := r.stores[id]; ok {
		return s, nil
	}

	s := newStore(id, clinician, &r.opts, r.sink, r.release)
	r.stores[id] = s
	observability.SetActiveSessions(len(r.stores))
	r.logger.Info("session created", slog.String("session_id", id))
	return s, nil
}

// Get returns a live session's Store.
func (r *Registry) Get(sessionID string) (*Store, error) {
	r.mu.RLock()
	s, ok := r.stores[sessionID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if status, ok := r.tombstones.Get(sessionID); ok {
		return nil, statusError(status)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// GetOrCreate returns the Store for sessionID, creating it on first use. An
// empty id creates a session with a fresh id. A cleared id is not revived.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, clinician string) (*Store, error) {
	if sessionID == "" {
		return r.Create(ctx, clinician)
	}
	if sessionID == "." || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}

	s, err := r.Get(sessionID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return r.create(sessionID, clinician)
}

// Live returns every registered Store ordered by creation time.
func (r *Registry) Live() []*Store {
	r.mu.RLock()
	out := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len returns the number of registered Stores.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// release drops s from the registry once it is cleared and no export holds
// its snapshot. It may run with s.mu held.
func (r *Registry) release(s *Store) {
	status, cleared := s.clearedStatus()
	if !cleared || s.exports.Load() != 0 {
		return
	}

	r.mu.Lock()
	if cur, ok := r.stores[s.id]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.stores, s.id)
	r.tombstones.Add(s.id, status)
	observability.SetActiveSessions(len(r.stores))
	r.mu.Unlock()

	if r.opts.OnRelease != nil {
		r.opts.OnRelease(s.id)
	}
}

// Close finalizes every live session and rejects further creation.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, s := range r.Live() {
		if err := s.Finalize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}
