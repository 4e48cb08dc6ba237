// Package transcribe adapts speech-to-text services to the capture session:
// a Whisper client, a rate-limited wrapper and the glue that attaches the
// result to an item.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

var (
	// ErrDisabled is returned when no transcription provider is configured.
	ErrDisabled = errors.New("transcription is disabled")

	// ErrEmptyAudio is returned for a request without audio bytes.
	ErrEmptyAudio = errors.New("audio is empty")
)

// Request is one recording to transcribe.
type Request struct {
	// SessionID keys rate limiting; it is not sent to the provider.
	SessionID string
	Audio     []byte
	Language  string
}

// Result is the provider output, normalized: text and segment texts are
// trimmed and segment bounds rounded to hundredths of a second.
type Result struct {
	Text     string
	Segments []session.Segment
	Language string
	Duration time.Duration
}

// Transcriber turns a recording into text with timestamped segments.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// New returns the Transcriber described by cfg, wrapped with the configured
// rate limit. Provider "none" yields a Transcriber that always fails with
// ErrDisabled.
func New(cfg config.TranscriptionConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case "", "none":
		return disabled{}, nil
	case "openai":
		w, err := NewWhisper(cfg)
		if err != nil {
			return nil, err
		}
		return NewLimited(w, cfg.RequestsPerSecond, cfg.Burst, logger), nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}

type disabled struct{}

func (disabled) Transcribe(context.Context, Request) (*Result, error) {
	return nil, ErrDisabled
}

// Attach transcribes the item's current recording and stores the result.
// The provider call runs outside the session lock; if the user records again
// meanwhile the stale result is dropped with session.ErrAudioChanged.
func Attach(ctx context.Context, store *session.Store, itemID string, t Transcriber) (*Result, error) {
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	it, ok := snap.Item(itemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrItemNotFound, itemID)
	}
	if it.Audio == nil || len(it.Audio.Data) == 0 {
		return nil, session.ErrNoAudio
	}

	res, err := t.Transcribe(ctx, Request{SessionID: store.ID(), Audio: it.Audio.Data})
	if err != nil {
		return nil, err
	}
	if err := store.AttachTranscriptFor(ctx, itemID, it.Audio.RecordedAt, res.Text, res.Segments); err != nil {
		if session.IsAuditWarning(err) {
			return res, err
		}
		return nil, err
	}
	return res, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func normalizeSegments(segs []session.Segment) []session.Segment {
	out := make([]session.Segment, 0, len(segs))
	for _, s := range segs {
		out = append(out, session.Segment{
			Start: round2(s.Start),
			End:   round2(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return out
}

// FormatTimestamp renders seconds as MM:SS for transcript displays.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
