package session

import (
	"time"
)

// Snapshot is a point-in-time copy of a session. Items are in ingestion
// order. A Snapshot is never modified after it is returned; byte payloads
// are shared with the Store and must be treated as read-only.
type Snapshot struct {
	SessionID      string
	Clinician      string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	TakenAt        time.Time
	Items          []Item
}

// Item returns the item with the given id.
func (s *Snapshot) Item(id string) (*Item, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// Progress counts labeling progress over a session.
type Progress struct {
	Total          int           `json:"total"`
	Labeled        int           `json:"labeled"`
	Cataract       int           `json:"cataract"`
	NoCataract     int           `json:"no_cataract"`
	Unlabeled      int           `json:"unlabeled"`
	WithAudio      int           `json:"with_audio"`
	WithTranscript int           `json:"with_transcript"`
	Graded         int           `json:"graded"`
	Remaining      time.Duration `json:"remaining"`
}

// Complete reports whether every item carries a label.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Unlabeled == 0
}

// Summary counts the snapshot's items. Remaining is left zero.
func (s *Snapshot) Summary() Progress {
	var p Progress
	for i := range s.Items {
		it := &s.Items[i]
		p.Total++
		switch it.Label {
		case LabelCataract:
			p.Cataract++
		case LabelNoCataract:
			p.NoCataract++
		default:
			p.Unlabeled++
		}
		if it.HasAudio() {
			p.WithAudio++
		}
		if it.Transcript != nil {
			p.WithTranscript++
		}
		if it.Grading != nil {
			p.Graded++
		}
	}
	p.Labeled = p.Cataract + p.NoCataract
	return p
}
