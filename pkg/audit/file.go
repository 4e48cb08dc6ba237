package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when an identifier contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path or key component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileSink implements Sink using one JSONL file per session.
// Storage layout:
//
//	<dir>/
//	  ├── <session-id>.jsonl   # records, one per line, append order
//	  └── ...
type FileSink struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileSink creates a new file-based sink.
// If dir is empty, uses ~/.ophthalmocapture/audit.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".ophthalmocapture", "audit")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	return &FileSink{dir: dir}, nil
}

// Append adds a record to its session file and syncs it to disk.
func (f *FileSink) Append(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrSinkClosed
	}

	path := filepath.Join(f.dir, rec.SessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		return fmt.Errorf("%w: open audit file: %w", ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write record: %w", ErrIOFailure, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: sync audit file: %w", ErrIOFailure, err)
	}

	return nil
}

// Query retrieves every record of a session in append order.
func (f *FileSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrSinkClosed
	}

	file, err := os.Open(filepath.Join(f.dir, sessionID+".jsonl")) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("%w: open audit file: %w", ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	var records []*Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan audit file: %w", ErrIOFailure, err)
	}

	return records, nil
}

// Sessions lists the sessions that have an audit file.
func (f *FileSink) Sessions(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrSinkClosed
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read audit directory: %w", ErrIOFailure, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases any resources held by the sink.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
