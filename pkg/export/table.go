package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

// Columns is the fixed column order of every table export.
var Columns = []string{
	"item_id",
	"filename",
	"label",
	"transcript_text",
	"has_audio",
	"clinician",
	"timestamp",
}

// Row is one table line. Field order matches Columns.
type Row struct {
	ItemID         string `json:"item_id"`
	Filename       string `json:"filename"`
	Label          string `json:"label"`
	TranscriptText string `json:"transcript_text"`
	HasAudio       bool   `json:"has_audio"`
	Clinician      string `json:"clinician"`
	Timestamp      string `json:"timestamp"`
}

func (r Row) record() []string {
	return []string{
		r.ItemID,
		r.Filename,
		r.Label,
		r.TranscriptText,
		strconv.FormatBool(r.HasAudio),
		r.Clinician,
		r.Timestamp,
	}
}

// Rows builds the table rows of snap in ingestion order.
func Rows(snap *session.Snapshot, labeledOnly bool) []Row {
	rows := make([]Row, 0, len(snap.Items))
	for i := range snap.Items {
		it := &snap.Items[i]
		if labeledOnly && it.Label == session.LabelUnlabeled {
			continue
		}
		rows = append(rows, Row{
			ItemID:         it.ID,
			Filename:       it.Filename,
			Label:          string(it.Label),
			TranscriptText: it.TranscriptText(),
			HasAudio:       it.HasAudio(),
			Clinician:      itemClinician(snap, it),
			Timestamp:      formatTime(itemTimestamp(it)),
		})
	}
	return rows
}

// EncodeTable renders rows. CSV carries a header line; JSONL has one object
// per line, each newline terminated.
func EncodeTable(rows []Row, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatCSV:
		w := csv.NewWriter(&buf)
		if err := w.Write(Columns); err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := w.Write(r.record()); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	case FormatJSONL:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("write jsonl: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return buf.Bytes(), nil
}

// DecodeTable parses the output of EncodeTable back into rows.
func DecodeTable(data []byte, format Format) ([]Row, error) {
	var rows []Row
	switch format {
	case FormatCSV:
		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("read csv: missing header")
		}
		for _, rec := range records[1:] {
			if len(rec) != len(Columns) {
				return nil, fmt.Errorf("read csv: %d fields, want %d", len(rec), len(Columns))
			}
			hasAudio, err := strconv.ParseBool(rec[4])
			if err != nil {
				return nil, fmt.Errorf("read csv: has_audio: %w", err)
			}
			rows = append(rows, Row{
				ItemID:         rec[0],
				Filename:       rec[1],
				Label:          rec[2],
				TranscriptText: rec[3],
				HasAudio:       hasAudio,
				Clinician:      rec[5],
				Timestamp:      rec[6],
			})
		}
	case FormatJSONL:
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var r Row
			if err := dec.Decode(&r); err != nil {
				return nil, fmt.Errorf("read jsonl: %w", err)
			}
			rows = append(rows, r)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return rows, nil
}
