package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
)

// Store is the single access point to one session's state. Every operation
// on the same Store is serialized; distinct Stores share no lock.
//
// Mutations refresh the session's last activity. Once the session expires or
// is finalized all payloads are released and every further operation fails
// with a state error.
type Store struct {
	id        string
	clinician string
	createdAt time.Time

	policy       *Policy
	timeout      time.Duration
	sink         audit.Sink
	clock        Clock
	logger       *slog.Logger
	auditTimeout time.Duration

	mu     sync.Mutex
	status Status
	items  map[string]*Item
	order  []string

	// lastActivity is unix nanos, readable without the lock by the sentinel.
	lastActivity atomic.Int64
	clearedAs    atomic.Pointer[Status]
	exports      atomic.Int32

	// onRelease is called whenever the store may have become removable.
	onRelease func(*Store)
}

func newStore(id, clinician string, opts *Options, sink audit.Sink, onRelease func(*Store)) *Store {
	now := opts.Clock.Now()
	s := &Store{
		id:           id,
		clinician:    clinician,
		createdAt:    now,
		policy:       opts.Policy,
		timeout:      opts.Timeout,
		sink:         sink,
		clock:        opts.Clock,
		logger:       opts.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		auditTimeout: opts.AuditTimeout,
		status:       StatusActive,
		items:        make(map[string]*Item),
		onRelease:    onRelease,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Store) ID() string { return s.id }

// Clinician returns the authenticated clinician, or "" for anonymous sessions.
func (s *Store) Clinician() string { return s.clinician }

// CreatedAt returns when the session was created.
func (s *Store) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last mutation.
func (s *Store) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// Status returns the lifecycle state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Remaining returns the idle time left before the session expires.
func (s *Store) Remaining() time.Duration {
	if _, cleared := s.clearedStatus(); cleared {
		return 0
	}
	left := s.timeout - s.clock.Now().Sub(s.LastActivity())
	if left < 0 {
		return 0
	}
	return left
}

// idleAt reports whether the session has been idle beyond the timeout at now.
func (s *Store) idleAt(now time.Time) bool {
	return now.Sub(s.LastActivity()) > s.timeout
}

func (s *Store) actor(ctx context.Context) string {
	if a, ok := ActorFromContext(ctx); ok {
		return a
	}
	if s.clinician != "" {
		return s.clinician
	}
	return AnonymousActor
}

// checkLiveLocked fails for inert sessions and expires a session whose idle
// time has already run out, so no mutation can land after the deadline even
// if the sentinel has not swept yet. Callers hold s.mu.
func (s *Store) checkLiveLocked(ctx context.Context, now time.Time) error {
	if err := statusError(s.status); err != nil {
		return err
	}
	if s.idleAt(now) {
		if err := s.clearLocked(ctx, StatusExpired, now); err != nil && !IsAuditWarning(err) {
			return err
		}
		return ErrSessionExpired
	}
	return nil
}

// mutate runs fn under the session lock. On success the activity timestamp
// is refreshed and the audit record fn returns is appended. Nothing is
// appended when fn fails.
func (s *Store) mutate(ctx context.Context, fn func(now time.Time) (*audit.Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if err := s.checkLiveLocked(ctx, now); err != nil {
		return err
	}

	rec, err := fn(now)
	if err != nil {
		return err
	}
	s.lastActivity.Store(now.UnixNano())

	if rec == nil {
		return nil
	}
	return s.appendLocked(ctx, rec)
}

// ensureLive is checkLiveLocked for callers that validate input before
// taking the lock, so an inert or idle session reports its state first.
func (s *Store) ensureLive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLiveLocked(ctx, s.clock.Now())
}

func (s *Store) newRecord(ctx context.Context, itemID string, action audit.Action, now time.Time, kv ...string) *audit.Record {
	return audit.NewRecord(s.id, itemID, action, s.actor(ctx), now, audit.FormatSummary(kv...))
}

// appendLocked writes one audit fact. The caller's cancellation does not
// abort it; only the audit timeout does.
func (s *Store) appendLocked(ctx context.Context, rec *audit.Record) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
	defer cancel()

	if err := s.sink.Append(actx, rec); err != nil {
		observability.RecordAuditAppend("error")
		s.logger.Warn("audit append failed",
			slog.String("item_id", rec.ItemID),
			slog.String("action", string(rec.Action)),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %s: %w", ErrAuditFailed, rec.Action, err)
	}
	observability.RecordAuditAppend("ok")
	return nil
}

func (s *Store) itemLocked(itemID string) (*Item, error) {
	it, ok := s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return it, nil
}

// Ingest validates an uploaded image and adds it to the session. The payload
// is copied; the caller may reuse data afterwards.
func (s *Store) Ingest(ctx context.Context, data []byte, filename, mime string) (string, error) {
	if err := s.ensureLive(ctx); err != nil {
		return "", err
	}
	info, err := s.policy.Validate(data, filename, mime)
	if err != nil {
		observability.RecordIngest("rejected")
		return "", err
	}

	var id string
	err = s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		for _, it := range s.items {
			if it.Filename == filename {
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, filename)
			}
		}

		id = uuid.New().String()
		s.items[id] = &Item{
			ID:         id,
			Filename:   filename,
			Format:     info.Format,
			MIME:       info.MIME,
			SizeBytes:  int64(len(data)),
			Width:      info.Width,
			Height:     info.Height,
			Data:       slices.Clone(data),
			Label:      LabelUnlabeled,
			Validated:  true,
			IngestedAt: now,
		}
		s.order = append(s.order, id)

		return s.newRecord(ctx, id, audit.ActionIngested, now,
			"filename", filename,
			"format", info.Format,
			"size", strconv.Itoa(len(data)),
		), nil
	})

	switch {
	case err == nil || IsAuditWarning(err):
		observability.RecordIngest("accepted")
		return id, err
	case errors.Is(err, ErrValidation):
		observability.RecordIngest("rejected")
	}
	return "", err
}

// SetLabel overwrites an item's label. Setting the same label again leaves
// the item untouched, including who labeled it and when, but still records a
// new audit fact. Moving away from cataract clears any grading.
func (s *Store) SetLabel(ctx context.Context, itemID string, label Label) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		if !label.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
		}
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}

		previous := it.Label
		if label != previous {
			it.Label = label
			it.LabeledBy = s.actor(ctx)
			it.LabeledAt = now
			if label != LabelCataract {
				it.Grading = nil
			}
		}
		observability.RecordLabel(string(label))

		return s.newRecord(ctx, itemID, audit.ActionLabeled, now,
			"label", string(label),
			"previous", string(previous),
		), nil
	})
}

// SetGrading records a LOCS III grade on a cataract item.
func (s *Store) SetGrading(ctx context.Context, itemID string, g Grading) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}
		if it.Label != LabelCataract {
			return nil, ErrGradingRequiresCataract
		}

		it.Grading = &g
		return s.newRecord(ctx, itemID, audit.ActionLabeled, now,
			"label", string(it.Label),
			"nuclear_opalescence", strconv.Itoa(g.NuclearOpalescence),
			"nuclear_color", strconv.Itoa(g.NuclearColor),
			"cortical_opacity", strconv.Itoa(g.CorticalOpacity),
		), nil
	})
}

// AttachAudio replaces the item's recording. Any transcript is cleared since
// it described the previous recording.
func (s *Store) AttachAudio(ctx context.Context, itemID string, data []byte, duration time.Duration) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty recording", ErrInvalidAudio)
		}
		if duration < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidAudio)
		}
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}

		replaced := it.Audio != nil
		cleared := it.Transcript != nil
		it.Audio = &Audio{Data: slices.Clone(data), Duration: duration, RecordedAt: now}
		it.HadAudio = true
		it.Transcript = nil

		return s.newRecord(ctx, itemID, audit.ActionRecorded, now,
			"duration", strconv.FormatFloat(duration.Seconds(), 'f', 2, 64),
			"size", strconv.Itoa(len(data)),
			"replaced", strconv.FormatBool(replaced),
			"transcript_cleared", strconv.FormatBool(cleared),
		), nil
	})
}

// AttachTranscript stores the speech-to-text output for the item's current
// recording. It fails with ErrNoAudio when no recording is attached.
func (s *Store) AttachTranscript(ctx context.Context, itemID, text string, segments []Segment) error {
	return s.attachTranscript(ctx, itemID, time.Time{}, text, segments)
}

// AttachTranscriptFor attaches a transcript only while the recording made at
// recordedAt is still the item's audio; otherwise it fails with
// ErrAudioChanged. Transcription runs outside the session lock, so the user
// may have recorded again in the meantime.
func (s *Store) AttachTranscriptFor(ctx context.Context, itemID string, recordedAt time.Time, text string, segments []Segment) error {
	return s.attachTranscript(ctx, itemID, recordedAt, text, segments)
}

func (s *Store) attachTranscript(ctx context.Context, itemID string, recordedAt time.Time, text string, segments []Segment) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}
		if it.Audio == nil {
			return nil, ErrNoAudio
		}
		if !recordedAt.IsZero() && !it.Audio.RecordedAt.Equal(recordedAt) {
			return nil, ErrAudioChanged
		}

		it.Transcript = &Transcript{
			Text:      text,
			Original:  text,
			Segments:  slices.Clone(segments),
			UpdatedAt: now,
		}
		return s.newRecord(ctx, itemID, audit.ActionTranscribed, now,
			"source", "engine",
			"chars", strconv.Itoa(len(text)),
			"segments", strconv.Itoa(len(segments)),
		), nil
	})
}

// EditTranscript replaces the transcript text with a user correction.
func (s *Store) EditTranscript(ctx context.Context, itemID, text string) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}
		if it.Transcript == nil {
			return nil, ErrNoTranscript
		}

		it.Transcript.Text = text
		it.Transcript.Edited = text != it.Transcript.Original
		it.Transcript.UpdatedAt = now
		return s.newRecord(ctx, itemID, audit.ActionTranscribed, now,
			"source", "edit",
			"chars", strconv.Itoa(len(text)),
		), nil
	})
}

// RestoreTranscript reverts the transcript text to the engine output.
func (s *Store) RestoreTranscript(ctx context.Context, itemID string) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}
		if it.Transcript == nil {
			return nil, ErrNoTranscript
		}

		it.Transcript.Text = it.Transcript.Original
		it.Transcript.Edited = false
		it.Transcript.UpdatedAt = now
		return s.newRecord(ctx, itemID, audit.ActionTranscribed, now,
			"source", "restore",
			"chars", strconv.Itoa(len(it.Transcript.Text)),
		), nil
	})
}

// DiscardAudio releases the recording but keeps the transcript.
func (s *Store) DiscardAudio(ctx context.Context, itemID string) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}
		if it.Audio == nil {
			return nil, ErrNoAudio
		}

		it.Audio.Data = nil
		it.Audio = nil
		return s.newRecord(ctx, itemID, audit.ActionRecorded, now,
			"audio", "discarded",
			"transcript_kept", strconv.FormatBool(it.Transcript != nil),
		), nil
	})
}

// RemoveItem drops an item and its payloads from the session.
func (s *Store) RemoveItem(ctx context.Context, itemID string) error {
	return s.mutate(ctx, func(now time.Time) (*audit.Record, error) {
		it, err := s.itemLocked(itemID)
		if err != nil {
			return nil, err
		}

		it.release()
		delete(s.items, itemID)
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == itemID })

		return s.newRecord(ctx, itemID, audit.ActionRemoved, now,
			"filename", it.Filename,
			"label", string(it.Label),
		), nil
	})
}

// Touch refreshes the activity timestamp without changing state.
func (s *Store) Touch(ctx context.Context) error {
	return s.mutate(ctx, func(time.Time) (*audit.Record, error) {
		return nil, nil
	})
}

// Snapshot returns an immutable copy of the session taken at one point in
// time. It does not count as activity.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if err := s.checkLiveLocked(ctx, now); err != nil {
		return nil, err
	}
	return s.snapshotLocked(now), nil
}

func (s *Store) snapshotLocked(now time.Time) *Snapshot {
	snap := &Snapshot{
		SessionID:      s.id,
		Clinician:      s.clinician,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.LastActivity(),
		TakenAt:        now,
		Items:          make([]Item, 0, len(s.order)),
	}
	for _, id := range s.order {
		snap.Items = append(snap.Items, s.items[id].clone())
	}
	return snap
}

// BeginExport takes a snapshot for an export and marks an export in flight,
// which keeps the Store registered until release is called. Downloading
// counts as activity.
func (s *Store) BeginExport(ctx context.Context) (*Snapshot, func(), error) {
	s.mu.Lock()
	now := s.clock.Now()
	if err := s.checkLiveLocked(ctx, now); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	s.lastActivity.Store(now.UnixNano())
	snap := s.snapshotLocked(now)
	s.exports.Add(1)
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.exports.Add(-1)
			s.notifyRelease()
		})
	}
	return snap, release, nil
}

// RecordExport appends the exported fact once an archive has been encoded.
// The session may have been cleared meanwhile; the fact is still written.
func (s *Store) RecordExport(ctx context.Context, itemID string, kv ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, s.newRecord(ctx, itemID, audit.ActionExported, s.clock.Now(), kv...))
}

// ExportsInFlight returns the number of unreleased export snapshots.
func (s *Store) ExportsInFlight() int {
	return int(s.exports.Load())
}

// Progress summarizes labeling progress and idle time left.
func (s *Store) Progress(ctx context.Context) (*Progress, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p := snap.Summary()
	p.Remaining = s.Remaining()
	return &p, nil
}

// Clear releases every payload, moves the session to reason and records one
// audit fact. Clearing an inert session is a no-op.
func (s *Store) Clear(ctx context.Context, reason Status) error {
	if !reason.Terminal() {
		return fmt.Errorf("%w: cannot clear to %q", ErrState, reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, reason, s.clock.Now())
}

// Finalize ends the session at the user's request.
func (s *Store) Finalize(ctx context.Context) error {
	return s.Clear(ctx, StatusFinalized)
}

// expireIfIdle clears the session if it is still idle once the lock is held.
// A mutation that won the lock first refreshed the activity and keeps the
// session alive.
func (s *Store) expireIfIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.status.Terminal() || !s.idleAt(now) {
		return false, nil
	}
	return true, s.clearLocked(ctx, StatusExpired, now)
}

func (s *Store) clearLocked(ctx context.Context, reason Status, now time.Time) error {
	if s.status.Terminal() {
		return nil
	}

	labeled := 0
	for _, it := range s.items {
		if it.Label != LabelUnlabeled {
			labeled++
		}
		it.release()
	}
	count := len(s.order)
	s.items = nil
	s.order = nil
	s.status = reason
	s.clearedAs.Store(&reason)

	action := audit.ActionSessionFinalized
	if reason == StatusExpired {
		action = audit.ActionSessionExpired
	}
	observability.RecordSessionCleared(string(reason))
	s.logger.Info("session cleared",
		slog.String("reason", string(reason)),
		slog.Int("items", count),
	)

	err := s.appendLocked(ctx, s.newRecord(ctx, "", action, now,
		"items", strconv.Itoa(count),
		"labeled", strconv.Itoa(labeled),
	))
	s.notifyRelease()
	return err
}

func (s *Store) notifyRelease() {
	if s.onRelease != nil {
		s.onRelease(s)
	}
}

// clearedStatus returns the terminal status once the session is cleared. It
// reads only atomics so it is safe to call while s.mu is held.
func (s *Store) clearedStatus() (Status, bool) {
	p := s.clearedAs.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}
