package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemorySink stores records in memory (for testing and the `memory` backend).
type MemorySink struct {
	records  []*Record
	sessions map[string][]int
	mu       sync.RWMutex
	closed   bool
}

// NewMemorySink creates a new in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records:  make([]*Record, 0),
		sessions: make(map[string][]int),
	}
}

// Append records an audit fact.
func (m *MemorySink) Append(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}

	cp := *rec
	m.sessions[rec.SessionID] = append(m.sessions[rec.SessionID], len(m.records))
	m.records = append(m.records, &cp)
	return nil
}

// Query returns the records of a session in append order.
func (m *MemorySink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrSinkClosed
	}

	idx := m.sessions[sessionID]
	out := make([]*Record, 0, len(idx))
	for _, i := range idx {
		cp := *m.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Sessions returns the ids of every session with at least one record.
func (m *MemorySink) Sessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Records returns a copy of every record (for testing).
func (m *MemorySink) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, len(m.records))
	for i, r := range m.records {
		out[i] = *r
	}
	return out
}

// Close closes the sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// WriterSink writes records as JSON lines to an io.Writer, typically stdout
// as a mirror for log shipping. It cannot be queried.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterSink creates a new JSON-lines writer sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Append writes a record as one JSON line.
func (s *WriterSink) Append(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write record: %w", ErrIOFailure, err)
	}
	return nil
}

// Query is not supported.
func (s *WriterSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	return nil, ErrQueryUnsupported
}

// Close does nothing.
func (s *WriterSink) Close() error {
	return nil
}
