// Package audit provides the durable, append-only trail of labeling activity.
// Records are keyed by session and item identity and outlive the in-memory
// session they describe.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action identifies what happened in an audit record.
type Action string

const (
	// ActionIngested records a validated image entering a session.
	ActionIngested Action = "ingested"
	// ActionLabeled records a label (or grading) being set, including re-labels.
	ActionLabeled Action = "labeled"
	// ActionRecorded records audio being attached to or discarded from an item.
	ActionRecorded Action = "recorded"
	// ActionTranscribed records a transcript being attached, edited or restored.
	ActionTranscribed Action = "transcribed"
	// ActionExported records a completed export.
	ActionExported Action = "exported"
	// ActionRemoved records an item being removed from a session.
	ActionRemoved Action = "removed"
	// ActionSessionExpired records a session cleared by the idle timeout.
	ActionSessionExpired Action = "session_expired"
	// ActionSessionFinalized records a session explicitly ended by its user.
	ActionSessionFinalized Action = "session_finalized"
)

var validActions = map[Action]bool{
	ActionIngested:         true,
	ActionLabeled:          true,
	ActionRecorded:         true,
	ActionTranscribed:      true,
	ActionExported:         true,
	ActionRemoved:          true,
	ActionSessionExpired:   true,
	ActionSessionFinalized: true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return validActions[a]
}

// Common errors for audit sinks.
var (
	// ErrIOFailure wraps any failure to durably write or read records.
	ErrIOFailure = errors.New("audit i/o failure")
	// ErrSinkClosed is returned when operating on a closed sink.
	ErrSinkClosed = errors.New("audit sink is closed")
	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid audit record")
	// ErrQueryUnsupported is returned by write-only sinks.
	ErrQueryUnsupported = errors.New("audit sink does not support queries")
)

// Record is one immutable audit fact. Once appended it is never mutated
// or deleted.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
}

// NewRecord builds a record with a fresh identifier.
func NewRecord(sessionID, itemID string, action Action, actor string, ts time.Time, summary string) *Record {
	return &Record{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ItemID:    itemID,
		Action:    action,
		Actor:     actor,
		Timestamp: ts.UTC(),
		Summary:   summary,
	}
}

// Validate checks that the record carries every required field.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if err := validatePathComponent(r.SessionID); err != nil {
		return fmt.Errorf("%w: session id: %v", ErrInvalidRecord, err)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRecord, r.Action)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// Sink is a durable append-only store of audit records.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Append durably writes one record. Failures wrap ErrIOFailure.
	Append(ctx context.Context, rec *Record) error

	// Query returns every record of a session in append order.
	Query(ctx context.Context, sessionID string) ([]*Record, error)

	// Close releases any resources held by the sink.
	Close() error
}

// SessionLister is implemented by sinks that can enumerate the sessions
// they hold records for.
type SessionLister interface {
	Sessions(ctx context.Context) ([]string, error)
}

// Pinger is implemented by sinks backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FormatSummary renders key/value pairs as "k1=v1 k2=v2". Values containing
// spaces are quoted.
func FormatSummary(kv ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[i])
		b.WriteByte('=')
		v := kv[i+1]
		if strings.ContainsAny(v, " \t\n\"") || v == "" {
			fmt.Fprintf(&b, "%q", v)
		} else {
			b.WriteString(v)
		}
	}
	return b.String()
}

// ParseSummary is the inverse of FormatSummary. Malformed tokens are skipped.
func ParseSummary(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := s[:eq]
		rest := s[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := closingQuote(rest)
			if end < 0 {
				break
			}
			unq, err := strconv.Unquote(rest[:end+1])
			if err != nil {
				unq = rest[1:end]
			}
			val = unq
			rest = rest[end+1:]
		} else if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			val, rest = rest[:sp], rest[sp:]
		} else {
			val, rest = rest, ""
		}
		out[key] = val
		s = rest
	}
	return out
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// sortRecords orders records by timestamp, keeping append order for ties.
func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
