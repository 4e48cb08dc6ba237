package export

import (
	"time"

	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

// Descriptor is the metadata.json written next to each exported item. It
// carries enough to rebuild the item's labeling state.
type Descriptor struct {
	ItemID    string `json:"item_id"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`

	Label     session.Label    `json:"label"`
	LabelCode *int             `json:"label_code"`
	Grading   *session.Grading `json:"grading"`
	// Unlabeled flags items exported before a label was chosen.
	Unlabeled bool `json:"unlabeled"`

	Transcript         string            `json:"transcript"`
	TranscriptOriginal string            `json:"transcript_original"`
	TranscriptEdited   bool              `json:"transcript_edited"`
	Segments           []session.Segment `json:"segments"`

	HasAudio             bool    `json:"has_audio"`
	HadAudio             bool    `json:"had_audio"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`

	Clinician  string `json:"clinician"`
	Timestamp  string `json:"timestamp"`
	IngestedAt string `json:"ingested_at"`
}

// Manifest describes a whole-session archive.
type Manifest struct {
	SessionID  string         `json:"session_id"`
	Clinician  string         `json:"clinician"`
	CreatedAt  string         `json:"created_at"`
	SnapshotAt string         `json:"snapshot_at"`
	ItemCount  int            `json:"item_count"`
	Labels     map[string]int `json:"labels"`
	DateRange  DateRange      `json:"date_range"`
	Progress   Progress       `json:"progress"`
	Items      []ManifestItem `json:"items"`
}

// DateRange spans the item timestamps of a session.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Progress struct {
	Labeled        int `json:"labeled"`
	WithAudio      int `json:"with_audio"`
	WithTranscript int `json:"with_transcript"`
	Graded         int `json:"graded"`
}

// ManifestItem maps an item to its folder inside the archive.
type ManifestItem struct {
	ItemID string `json:"item_id"`
	Folder string `json:"folder"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// itemTimestamp is when the item's label was set, or its ingestion time.
func itemTimestamp(it *session.Item) time.Time {
	if !it.LabeledAt.IsZero() {
		return it.LabeledAt
	}
	return it.IngestedAt
}

// itemClinician prefers whoever set the label over the session owner.
func itemClinician(snap *session.Snapshot, it *session.Item) string {
	if it.LabeledBy != "" {
		return it.LabeledBy
	}
	if snap.Clinician != "" {
		return snap.Clinician
	}
	return session.AnonymousActor
}

func newDescriptor(snap *session.Snapshot, it *session.Item) Descriptor {
	d := Descriptor{
		ItemID:     it.ID,
		Filename:   it.Filename,
		Format:     it.Format,
		SizeBytes:  it.SizeBytes,
		Width:      it.Width,
		Height:     it.Height,
		Label:      it.Label,
		LabelCode:  it.Label.Code(),
		Grading:    it.Grading,
		Unlabeled:  it.Label == session.LabelUnlabeled,
		Segments:   []session.Segment{},
		HasAudio:   it.HasAudio(),
		HadAudio:   it.HadAudio,
		Clinician:  itemClinician(snap, it),
		Timestamp:  formatTime(itemTimestamp(it)),
		IngestedAt: formatTime(it.IngestedAt),
	}
	if it.Transcript != nil {
		d.Transcript = it.Transcript.Text
		d.TranscriptOriginal = it.Transcript.Original
		d.TranscriptEdited = it.Transcript.Edited
		if len(it.Transcript.Segments) > 0 {
			d.Segments = it.Transcript.Segments
		}
	}
	if it.Audio != nil {
		d.AudioDurationSeconds = it.Audio.Duration.Seconds()
	}
	return d
}

func newManifest(snap *session.Snapshot, folders []string) Manifest {
	sum := snap.Summary()
	m := Manifest{
		SessionID:  snap.SessionID,
		Clinician:  snap.Clinician,
		CreatedAt:  formatTime(snap.CreatedAt),
		SnapshotAt: formatTime(snap.TakenAt),
		ItemCount:  sum.Total,
		Labels: map[string]int{
			string(session.LabelCataract):   sum.Cataract,
			string(session.LabelNoCataract): sum.NoCataract,
			string(session.LabelUnlabeled):  sum.Unlabeled,
		},
		Progress: Progress{
			Labeled:        sum.Labeled,
			WithAudio:      sum.WithAudio,
			WithTranscript: sum.WithTranscript,
			Graded:         sum.Graded,
		},
		Items: make([]ManifestItem, 0, len(snap.Items)),
	}

	var from, to time.Time
	for i := range snap.Items {
		ts := itemTimestamp(&snap.Items[i])
		if from.IsZero() || ts.Before(from) {
			from = ts
		}
		if ts.After(to) {
			to = ts
		}
		m.Items = append(m.Items, ManifestItem{ItemID: snap.Items[i].ID, Folder: folders[i]})
	}
	m.DateRange = DateRange{From: formatTime(from), To: formatTime(to)}
	return m
}
