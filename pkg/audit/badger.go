package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerSink implements Sink on an embedded Badger database.
// Key layout:
//
//	audit/<session-id>/<seq>   record JSON, seq zero padded so keys sort in append order
//	session/<session-id>       empty marker for listing sessions
type BadgerSink struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.RWMutex
	closed bool
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory (for testing).
	InMemory bool
}

// NewBadgerSink opens (or creates) the Badger database.
func NewBadgerSink(cfg BadgerConfig) (*BadgerSink, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq/audit"), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}

	return &BadgerSink{db: db, seq: seq}, nil
}

func badgerRecordPrefix(sessionID string) []byte {
	return []byte("audit/" + sessionID + "/")
}

// Append stores the record under the next sequence number.
func (s *BadgerSink) Append(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("%w: badger sequence: %w", ErrIOFailure, err)
	}

	key := fmt.Appendf(badgerRecordPrefix(rec.SessionID), "%020d", n)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte("session/"+rec.SessionID), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: badger append: %w", ErrIOFailure, err)
	}
	return nil
}

// Query scans the session prefix in key order.
func (s *BadgerSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSinkClosed
	}

	records := []*Record{}
	prefix := badgerRecordPrefix(sessionID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("parse record: %w", err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badger query: %w", ErrIOFailure, err)
	}
	return records, nil
}

// Sessions lists session markers in key order.
func (s *BadgerSink) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSinkClosed
	}

	var ids []string
	prefix := []byte("session/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badger sessions: %w", ErrIOFailure, err)
	}
	return ids, nil
}

// Close releases the sequence and closes the database.
func (s *BadgerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	seqErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return err
	}
	return seqErr
}
