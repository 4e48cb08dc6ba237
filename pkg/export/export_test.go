package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

var t0 = time.Date(2026, 6, 8, 9, 30, 0, 0, time.UTC)

// flakySink fails appends while fail is set.
type flakySink struct {
	*audit.MemorySink
	fail atomic.Bool
}

func (f *flakySink) Append(ctx context.Context, rec *audit.Record) error {
	if f.fail.Load() {
		return audit.ErrIOFailure
	}
	return f.MemorySink.Append(ctx, rec)
}

type fixture struct {
	engine *Engine
	reg    *session.Registry
	sink   *flakySink
	clock  *session.ManualClock
	store  *session.Store
}

func newFixture(t testing.TB, opts Options) *fixture {
	t.Helper()
	sink := &flakySink{MemorySink: audit.NewMemorySink()}
	clock := session.NewManualClock(t0)
	reg, err := session.NewRegistry(sink, session.Options{Timeout: 30 * time.Minute, Clock: clock})
	require.NoError(t, err)
	store, err := reg.Create(context.Background(), "Dra. Ruiz")
	require.NoError(t, err)
	return &fixture{engine: NewEngine(reg, opts), reg: reg, sink: sink, clock: clock, store: store}
}

func pngBytes(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 6, 6))))
	return buf.Bytes()
}

func (f *fixture) ingest(t testing.TB, name string) string {
	t.Helper()
	f.clock.Advance(time.Second)
	id, err := f.store.Ingest(context.Background(), pngBytes(t), name, "image/png")
	require.NoError(t, err)
	return id
}

func (f *fixture) exportedFacts(t *testing.T) []*audit.Record {
	t.Helper()
	records, err := f.sink.Query(context.Background(), f.store.ID())
	require.NoError(t, err)
	var out []*audit.Record
	for _, r := range records {
		if r.Action == audit.ActionExported {
			out = append(out, r)
		}
	}
	return out
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = b
	}
	return files
}

func TestExportTable_ThreeItemScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.ingest(t, "A.png")
	b := f.ingest(t, "B.png")
	c := f.ingest(t, "C.png")
	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelCataract))
	require.NoError(t, f.store.SetLabel(ctx, b, session.LabelNoCataract))

	out, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", out.ContentType)

	rows, err := DecodeTable(out.Data, FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{a, b, c}, []string{rows[0].ItemID, rows[1].ItemID, rows[2].ItemID})
	assert.Equal(t, []string{"cataract", "no_cataract", "unlabeled"}, []string{rows[0].Label, rows[1].Label, rows[2].Label})
	for _, r := range rows {
		assert.Empty(t, r.TranscriptText)
		assert.False(t, r.HasAudio)
		assert.Equal(t, "Dra. Ruiz", r.Clinician)
	}

	header, _, _ := bytes.Cut(out.Data, []byte("\n"))
	assert.Equal(t, "item_id,filename,label,transcript_text,has_audio,clinician,timestamp", string(header))
}

func TestExportTable_CSVAndJSONLAgree(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.ingest(t, "OD, left \"eye\".png")
	f.ingest(t, "OI.png")
	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelCataract))
	require.NoError(t, f.store.AttachAudio(ctx, a, []byte("RIFFdata"), 3*time.Second))
	require.NoError(t, f.store.AttachTranscript(ctx, a, "opacidad, \"cortical\"\nleve", nil))

	csvOut, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: FormatCSV})
	require.NoError(t, err)
	jsonlOut, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: FormatJSONL})
	require.NoError(t, err)
	assert.Equal(t, "application/x-ndjson", jsonlOut.ContentType)

	csvRows, err := DecodeTable(csvOut.Data, FormatCSV)
	require.NoError(t, err)
	jsonlRows, err := DecodeTable(jsonlOut.Data, FormatJSONL)
	require.NoError(t, err)
	assert.Equal(t, csvRows, jsonlRows)
	assert.True(t, csvRows[0].HasAudio)
	assert.Equal(t, "opacidad, \"cortical\"\nleve", csvRows[0].TranscriptText)
}

func TestExportTable_Deterministic(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.ingest(t, "a.png")
	f.ingest(t, "b.png")

	for _, format := range []Format{FormatCSV, FormatJSONL} {
		first, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: format})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		second, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: format})
		require.NoError(t, err)
		assert.Equal(t, first.Data, second.Data, "format %s", format)
		assert.Equal(t, first.Filename, second.Filename)
	}
}

func TestExportTable_DefaultFormatAndLabeledOnly(t *testing.T) {
	f := newFixture(t, Options{DefaultTableFormat: FormatJSONL})
	ctx := context.Background()
	a := f.ingest(t, "a.png")
	f.ingest(t, "b.png")
	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelNoCataract))

	out, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{LabeledOnly: true})
	require.NoError(t, err)
	assert.Contains(t, out.Filename, ".jsonl")
	rows, err := DecodeTable(out.Data, FormatJSONL)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a, rows[0].ItemID)

	_, err = f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: "xlsx"})
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.ErrorIs(t, err, session.ErrValidation)
}

func TestExportItem_AudioWithoutTranscript(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.ingest(t, "A.png")
	require.NoError(t, f.store.AttachAudio(ctx, a, []byte("RIFFwav"), 2*time.Second))

	out, err := f.engine.ExportItem(ctx, f.store.ID(), a)
	require.NoError(t, err)
	assert.Equal(t, "item_A.zip", out.Filename)
	assert.Equal(t, "application/zip", out.ContentType)

	files := readZip(t, out.Data)
	assert.Equal(t, []byte("RIFFwav"), files["item_A/audio.wav"])
	assert.Empty(t, files["item_A/transcript.txt"])
	assert.Equal(t, pngBytes(t), files["item_A/A.png"])

	var d Descriptor
	require.NoError(t, json.Unmarshal(files["item_A/metadata.json"], &d))
	assert.Equal(t, a, d.ItemID)
	assert.True(t, d.HasAudio)
	assert.Equal(t, "", d.Transcript)
	assert.True(t, d.Unlabeled)
	assert.Nil(t, d.LabelCode)
	assert.Equal(t, 2.0, d.AudioDurationSeconds)

	facts := f.exportedFacts(t)
	require.Len(t, facts, 1)
	assert.Equal(t, a, facts[0].ItemID)
	assert.Equal(t, "item", audit.ParseSummary(facts[0].Summary)["kind"])
}

func TestExportItem_Errors(t *testing.T) {
	f := newFixture(t, Options{RequireLabel: true})
	ctx := context.Background()

	_, err := f.engine.ExportItem(ctx, f.store.ID(), "missing")
	assert.ErrorIs(t, err, ErrEmptySession)

	a := f.ingest(t, "a.png")
	_, err = f.engine.ExportItem(ctx, f.store.ID(), "missing")
	assert.ErrorIs(t, err, session.ErrItemNotFound)

	_, err = f.engine.ExportItem(ctx, f.store.ID(), a)
	assert.ErrorIs(t, err, ErrNotLabeled)

	_, err = f.engine.ExportItem(ctx, "no-such-session", a)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	assert.Empty(t, f.exportedFacts(t))
	assert.Equal(t, 0, f.store.ExportsInFlight())
}

func TestExportSession_RoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.ingest(t, "OD 001.png")
	b := f.ingest(t, "OI/002.png")
	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelCataract))
	require.NoError(t, f.store.SetGrading(ctx, a, session.Grading{NuclearOpalescence: 3, NuclearColor: 2, CorticalOpacity: 1}))
	require.NoError(t, f.store.AttachAudio(ctx, a, []byte("RIFF1"), time.Second))
	segs := []session.Segment{{Start: 0, End: 1.25, Text: "catarata nuclear"}}
	require.NoError(t, f.store.AttachTranscript(ctx, a, "catarata nuclear", segs))
	require.NoError(t, f.store.EditTranscript(ctx, a, "catarata nuclear densa"))
	require.NoError(t, f.store.SetLabel(ctx, b, session.LabelNoCataract))

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)

	out, err := f.engine.ExportSession(ctx, f.store.ID())
	require.NoError(t, err)
	assert.Equal(t, "session_20260608_093000.zip", out.Filename)

	files := readZip(t, out.Data)
	root := "session_20260608_093000/"
	folders := []string{root + "001_OD 001/", root + "002_OI_002/"}
	for i, folder := range folders {
		var d Descriptor
		require.NoError(t, json.Unmarshal(files[folder+"metadata.json"], &d), folder)
		want := snap.Items[i]
		assert.Equal(t, want.ID, d.ItemID)
		assert.Equal(t, want.Label, d.Label)
		assert.Equal(t, want.TranscriptText(), d.Transcript)
		assert.Equal(t, want.TranscriptText(), string(files[folder+"transcript.txt"]))
	}

	var first Descriptor
	require.NoError(t, json.Unmarshal(files[folders[0]+"metadata.json"], &first))
	assert.Equal(t, "catarata nuclear", first.TranscriptOriginal)
	assert.True(t, first.TranscriptEdited)
	assert.Equal(t, segs, first.Segments)
	require.NotNil(t, first.LabelCode)
	assert.Equal(t, 1, *first.LabelCode)
	require.NotNil(t, first.Grading)
	assert.Equal(t, 3, first.Grading.NuclearOpalescence)
	assert.Contains(t, files, folders[0]+"audio.wav")
	assert.NotContains(t, files, folders[1]+"audio.wav")

	var labels []Descriptor
	require.NoError(t, json.Unmarshal(files[root+"labels.json"], &labels))
	require.Len(t, labels, 2)
	assert.Equal(t, session.LabelNoCataract, labels[1].Label)

	rows, err := DecodeTable(files[root+"summary.csv"], FormatCSV)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	var m Manifest
	require.NoError(t, json.Unmarshal(files[root+"manifest.json"], &m))
	assert.Equal(t, 2, m.ItemCount)
	assert.Equal(t, 1, m.Labels["cataract"])
	assert.Equal(t, 1, m.Labels["no_cataract"])
	assert.Equal(t, 0, m.Labels["unlabeled"])
	assert.NotEmpty(t, m.DateRange.From)
	assert.LessOrEqual(t, m.DateRange.From, m.DateRange.To)
	assert.Equal(t, "002_OI_002", m.Items[1].Folder)
}

func TestExportSession_RequireLabel(t *testing.T) {
	f := newFixture(t, Options{RequireLabel: true})
	ctx := context.Background()
	a := f.ingest(t, "a.png")
	f.ingest(t, "b.png")
	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelCataract))

	_, err := f.engine.ExportSession(ctx, f.store.ID())
	assert.ErrorIs(t, err, ErrNotLabeled)

	// Tables never refuse.
	_, err = f.engine.ExportTable(ctx, f.store.ID(), TableOptions{})
	assert.NoError(t, err)
}

func TestExportSession_ExpiredSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "a.png")

	f.clock.Advance(31 * time.Minute)
	_, err := f.engine.ExportSession(context.Background(), f.store.ID())
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.ErrorIs(t, err, session.ErrState)

	// Later calls see the tombstone.
	_, err = f.engine.ExportTable(context.Background(), f.store.ID(), TableOptions{})
	assert.ErrorIs(t, err, session.ErrSessionExpired)
}

func TestExportTable_ExpiredSessionWinsOverBadFormat(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "a.png")

	f.clock.Advance(31 * time.Minute)
	_, err := f.engine.ExportTable(context.Background(), f.store.ID(), TableOptions{Format: "xml"})
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.NotErrorIs(t, err, ErrUnknownFormat)
	assert.Equal(t, session.StatusExpired, f.store.Status())

	_, err = f.engine.ExportTable(context.Background(), "no-such-session", TableOptions{Format: "xml"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestExportErrors_AreStateErrors(t *testing.T) {
	assert.ErrorIs(t, ErrEmptySession, session.ErrState)
	assert.ErrorIs(t, ErrNotLabeled, session.ErrState)
	assert.NotErrorIs(t, ErrEmptySession, session.ErrValidation)

	f := newFixture(t, Options{})
	_, err := f.engine.ExportTable(context.Background(), f.store.ID(), TableOptions{Format: "xml"})
	assert.ErrorIs(t, err, ErrEmptySession)
	assert.ErrorIs(t, err, session.ErrState)
}

func TestExport_RefreshesActivity(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "a.png")

	f.clock.Advance(20 * time.Minute)
	_, err := f.engine.ExportTable(context.Background(), f.store.ID(), TableOptions{})
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	assert.Equal(t, session.StatusActive, f.store.Status())
	_, err = f.store.Snapshot(context.Background())
	assert.NoError(t, err)
}

func TestExport_CanceledContextRecordsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "a.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.ExportSession(ctx, f.store.ID())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.exportedFacts(t))
	assert.Equal(t, 0, f.store.ExportsInFlight())
}

func TestExport_AuditFailureKeepsArchive(t *testing.T) {
	f := newFixture(t, Options{})
	f.ingest(t, "a.png")

	f.sink.fail.Store(true)
	out, err := f.engine.ExportTable(context.Background(), f.store.ID(), TableOptions{})
	require.Error(t, err)
	assert.True(t, session.IsAuditWarning(err))
	require.NotNil(t, out)
	assert.NotEmpty(t, out.Data)
}

func TestExport_SnapshotSurvivesConcurrentMutation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.ingest(t, "a.png")

	snap, release, err := f.store.BeginExport(ctx)
	require.NoError(t, err)
	defer release()

	require.NoError(t, f.store.SetLabel(ctx, a, session.LabelCataract))
	require.NoError(t, f.store.Finalize(ctx))

	rows := Rows(snap, false)
	require.Len(t, rows, 1)
	assert.Equal(t, "unlabeled", rows[0].Label)

	out, err := buildItemArchive(snap, &snap.Items[0])
	require.NoError(t, err)
	files := readZip(t, out.Data)
	assert.Equal(t, pngBytes(t), files["item_a/a.png"])
}

func TestParseFormat(t *testing.T) {
	got, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, got)

	_, err = ParseFormat("parquet")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"OD 001":      "OD 001",
		"ojo/izq":     "ojo_izq",
		"niño_ñ-2":    "niño_ñ-2",
		"..":          "item",
		"":            "item",
		"a:b*c?":      "a_b_c_",
		"../../etc":   "_.._etc",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}

func BenchmarkExportTable(b *testing.B) {
	f := newFixture(b, Options{})
	for i := 0; i < 200; i++ {
		f.ingest(b, fmt.Sprintf("img_%03d.png", i))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.engine.ExportTable(ctx, f.store.ID(), TableOptions{Format: FormatCSV}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExportSession(b *testing.B) {
	f := newFixture(b, Options{})
	for i := 0; i < 50; i++ {
		f.ingest(b, fmt.Sprintf("img_%03d.png", i))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.engine.ExportSession(ctx, f.store.ID()); err != nil {
			b.Fatal(err)
		}
	}
}
