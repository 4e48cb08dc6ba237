package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := range 4 {
		for y := range 3 {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 80), B: 120, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func tiffBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

type testEnv struct {
	registry *Registry
	sink     *audit.MemorySink
	clock    *ManualClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sink := audit.NewMemorySink()
	clock := NewManualClock(t0)
	reg, err := NewRegistry(sink, Options{
		Timeout: 30 * time.Minute,
		Clock:   clock,
	})
	require.NoError(t, err)
	return &testEnv{registry: reg, sink: sink, clock: clock}
}

func (e *testEnv) newStore(t *testing.T) *Store {
	t.Helper()
	s, err := e.registry.Create(context.Background(), "Dra. Ruiz")
	require.NoError(t, err)
	return s
}

func (e *testEnv) ingest(t *testing.T, s *Store, name string) string {
	t.Helper()
	id, err := s.Ingest(context.Background(), pngBytes(t), name, "image/png")
	require.NoError(t, err)
	return id
}

// actions returns the audit actions recorded for a session, in order.
func (e *testEnv) actions(t *testing.T, sessionID string) []audit.Action {
	t.Helper()
	recs, err := e.sink.Query(context.Background(), sessionID)
	require.NoError(t, err)
	out := make([]audit.Action, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}

// failingSink fails every append.
type failingSink struct {
	audit.MemorySink
}

func (f *failingSink) Append(context.Context, *audit.Record) error {
	return audit.ErrIOFailure
}
