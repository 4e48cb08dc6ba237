// Package session holds labeling sessions in memory: the uploaded fundus
// images of one sitting, their labels, and their audio and transcript
// attachments. Nothing here outlives the process; the only durable output is
// the audit trail written through an audit.Sink.
package session

import (
	"fmt"
	"strings"
	"time"
)

// Label is the diagnostic label of an item.
type Label string

const (
	// LabelUnlabeled is the default label of a freshly ingested item.
	LabelUnlabeled Label = "unlabeled"
	// LabelCataract marks an image showing cataract.
	LabelCataract Label = "cataract"
	// LabelNoCataract marks an image without cataract.
	LabelNoCataract Label = "no_cataract"
)

// ParseLabel accepts the canonical label names, case-insensitively.
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
	return l, nil
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case LabelUnlabeled, LabelCataract, LabelNoCataract:
		return true
	}
	return false
}

// Code is the numeric class used in ML datasets: no_cataract=0,
// cataract=1, nil for unlabeled.
func (l Label) Code() *int {
	var c int
	switch l {
	case LabelNoCataract:
		c = 0
	case LabelCataract:
		c = 1
	default:
		return nil
	}
	return &c
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusFinalized Status = "finalized"
)

// Terminal reports whether the session is inert.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusFinalized
}

// Segment is one timed span of a transcript, in seconds from the start of
// the recording.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Audio is a recording attached to an item.
type Audio struct {
	Data       []byte
	Duration   time.Duration
	RecordedAt time.Time
}

// Transcript is the text of an item's recording. Original keeps what the
// speech-to-text engine returned so user edits can be reverted.
type Transcript struct {
	Text      string
	Original  string
	Segments  []Segment
	Edited    bool
	UpdatedAt time.Time
}

// Grading is a LOCS III grade for a cataract image.
type Grading struct {
	NuclearOpalescence int `json:"nuclear_opalescence"`
	NuclearColor       int `json:"nuclear_color"`
	CorticalOpacity    int `json:"cortical_opacity"`
}

// Validate checks the LOCS III ranges: NO and NC 0-6, C 0-5.
func (g Grading) Validate() error {
	switch {
	case g.NuclearOpalescence < 0 || g.NuclearOpalescence > 6:
		return fmt.Errorf("%w: nuclear opalescence %d outside 0-6", ErrInvalidGrading, g.NuclearOpalescence)
	case g.NuclearColor < 0 || g.NuclearColor > 6:
		return fmt.Errorf("%w: nuclear color %d outside 0-6", ErrInvalidGrading, g.NuclearColor)
	case g.CorticalOpacity < 0 || g.CorticalOpacity > 5:
		return fmt.Errorf("%w: cortical opacity %d outside 0-5", ErrInvalidGrading, g.CorticalOpacity)
	}
	return nil
}

// Item is one uploaded image and its labeling state.
type Item struct {
	ID       string
	Filename string
	// Format is the decoded image format: jpeg, png or tiff.
	Format    string
	MIME      string
	SizeBytes int64
	Width     int
	Height    int
	Data      []byte

	Label     Label
	LabeledBy string
	LabeledAt time.Time
	Grading   *Grading

	Audio      *Audio
	HadAudio   bool
	Transcript *Transcript

	Validated  bool
	IngestedAt time.Time
}

// HasAudio reports whether a recording is currently attached.
func (it *Item) HasAudio() bool {
	return it.Audio != nil
}

// TranscriptText returns the current transcript text, or "".
func (it *Item) TranscriptText() string {
	if it.Transcript == nil {
		return ""
	}
	return it.Transcript.Text
}

// clone copies the item. Byte payloads are shared: they are replaced, never
// written in place.
func (it *Item) clone() Item {
	cp := *it
	if it.Grading != nil {
		g := *it.Grading
		cp.Grading = &g
	}
	if it.Audio != nil {
		a := *it.Audio
		cp.Audio = &a
	}
	if it.Transcript != nil {
		tr := *it.Transcript
		tr.Segments = append([]Segment(nil), it.Transcript.Segments...)
		cp.Transcript = &tr
	}
	return cp
}

// release drops every byte payload the item holds.
func (it *Item) release() {
	it.Data = nil
	if it.Audio != nil {
		it.Audio.Data = nil
		it.Audio = nil
	}
}
