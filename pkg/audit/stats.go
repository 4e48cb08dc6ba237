package audit

import (
	"context"
	"time"
)

// Stats summarizes one session's audit trail.
type Stats struct {
	SessionID string         `json:"session_id"`
	Records   int            `json:"records"`
	ByAction  map[Action]int `json:"by_action"`
	// Labels is the distribution of the last label recorded per item,
	// ignoring removed items.
	Labels    map[string]int `json:"labels"`
	Items     int            `json:"items"`
	FirstAt   time.Time      `json:"first_at"`
	LastAt    time.Time      `json:"last_at"`
	Closed    bool           `json:"closed"`
	ClosedBy  Action         `json:"closed_by,omitempty"`
	Actors    []string       `json:"actors"`
}

// ComputeStats folds records, in append order, into Stats.
func ComputeStats(sessionID string, records []*Record) *Stats {
	st := &Stats{
		SessionID: sessionID,
		ByAction:  make(map[Action]int),
		Labels:    make(map[string]int),
	}

	lastLabel := make(map[string]string)
	var order []string
	seenActor := make(map[string]bool)

	for _, r := range records {
		st.Records++
		st.ByAction[r.Action]++
		if st.FirstAt.IsZero() || r.Timestamp.Before(st.FirstAt) {
			st.FirstAt = r.Timestamp
		}
		if r.Timestamp.After(st.LastAt) {
			st.LastAt = r.Timestamp
		}
		if r.Actor != "" && !seenActor[r.Actor] {
			seenActor[r.Actor] = true
			st.Actors = append(st.Actors, r.Actor)
		}

		switch r.Action {
		case ActionIngested:
			if _, ok := lastLabel[r.ItemID]; !ok {
				order = append(order, r.ItemID)
			}
			lastLabel[r.ItemID] = "unlabeled"
		case ActionLabeled:
			if l, ok := ParseSummary(r.Summary)["label"]; ok {
				lastLabel[r.ItemID] = l
			}
		case ActionRemoved:
			delete(lastLabel, r.ItemID)
		case ActionSessionExpired, ActionSessionFinalized:
			st.Closed = true
			st.ClosedBy = r.Action
		}
	}

	for _, id := range order {
		if l, ok := lastLabel[id]; ok {
			st.Labels[l]++
			st.Items++
		}
	}
	return st
}

// SessionStats queries a sink and computes Stats for one session.
func SessionStats(ctx context.Context, sink Sink, sessionID string) (*Stats, error) {
	records, err := sink.Query(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ComputeStats(sessionID, records), nil
}
