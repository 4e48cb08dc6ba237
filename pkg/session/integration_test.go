package session_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

func fundusPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// TestLabelingSessionWithFileAudit walks a full sitting against the file sink
// and checks the trail outlives the session.
func TestLabelingSessionWithFileAudit(t *testing.T) {
	ctx := context.Background()

	sink, err := audit.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer func() { _ = sink.Close() }()

	clock := session.NewManualClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	reg, err := session.NewRegistry(sink, session.Options{Timeout: 30 * time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	sess, err := reg.Create(ctx, "Dra. Ruiz")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	id, err := sess.Ingest(ctx, fundusPNG(t), "OD_001.png", "image/png")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := sess.SetLabel(ctx, id, session.LabelCataract); err != nil {
		t.Fatalf("SetLabel failed: %v", err)
	}
	if err := sess.AttachAudio(ctx, id, []byte("RIFF...."), 2*time.Second); err != nil {
		t.Fatalf("AttachAudio failed: %v", err)
	}
	if err := sess.AttachTranscript(ctx, id, "catarata cortical", []session.Segment{{Start: 0, End: 1.8, Text: "catarata cortical"}}); err != nil {
		t.Fatalf("AttachTranscript failed: %v", err)
	}

	clock.Advance(45 * time.Minute)
	if _, err := sess.Snapshot(ctx); err != session.ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	records, err := sink.Query(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	want := []audit.Action{
		audit.ActionIngested,
		audit.ActionLabeled,
		audit.ActionRecorded,
		audit.ActionTranscribed,
		audit.ActionSessionExpired,
	}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, r := range records {
		if r.Action != want[i] {
			t.Errorf("record %d: got %s, want %s", i, r.Action, want[i])
		}
		if r.Actor != "Dra. Ruiz" {
			t.Errorf("record %d: actor %q", i, r.Actor)
		}
	}
}

// TestActorContextHelpers tests context integration.
func TestActorContextHelpers(t *testing.T) {
	ctx := context.Background()

	if _, ok := session.ActorFromContext(ctx); ok {
		t.Error("Expected false for context without actor")
	}

	ctx = session.ContextWithActor(ctx, "Dr. Vega")
	actor, ok := session.ActorFromContext(ctx)
	if !ok || actor != "Dr. Vega" {
		t.Errorf("ActorFromContext = %q, %v", actor, ok)
	}
}

// TestConcurrentSessionAccess tests thread safety.
func TestConcurrentSessionAccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	sink := audit.NewMemorySink()
	reg, err := session.NewRegistry(sink, session.Options{})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	defer func() { _ = reg.Close(ctx) }()

	sess, _ := reg.Create(ctx, "")
	id, err := sess.Ingest(ctx, fundusPNG(t), "a.png", "image/png")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 10 {
				label := session.LabelCataract
				if (n+j)%2 == 0 {
					label = session.LabelNoCataract
				}
				if err := sess.SetLabel(ctx, id, label); err != nil {
					t.Errorf("SetLabel failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	records, err := sink.Query(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(records) != 101 {
		t.Errorf("Expected 101 records, got %d", len(records))
	}
}
