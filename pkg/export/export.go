// Package export packages session snapshots into downloadable archives and
// ML-ready tables.
//
// Every export works on one snapshot taken under the session lock; encoding
// then runs without the lock so labeling is never starved by a slow export.
// An exported audit fact is appended only once encoding succeeded.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	internalobs "github.com/aixgo-dev/ophthalmocapture/internal/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

var (
	// ErrEmptySession is returned when the session holds no items.
	ErrEmptySession = fmt.Errorf("%w: session has no items", session.ErrState)

	// ErrNotLabeled is returned when labels are required and an item has none.
	ErrNotLabeled = fmt.Errorf("%w: item is not labeled", session.ErrState)

	ErrUnknownFormat = fmt.Errorf("%w: unknown table format", session.ErrValidation)
)

// Format is a table encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat accepts "csv" or "jsonl", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSONL:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Archive is one produced download.
type Archive struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Options configures an Engine.
type Options struct {
	// RequireLabel makes item and session archives refuse unlabeled items.
	// Tables never refuse; they carry the label column.
	RequireLabel       bool
	DefaultTableFormat Format
	Logger             *slog.Logger
}

// OptionsFromConfig maps the export keys of the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RequireLabel:       cfg.ExportRequiresLabel,
		DefaultTableFormat: Format(cfg.TableExportFormat),
	}
}

// TableOptions tunes ExportTable.
type TableOptions struct {
	// Format defaults to the engine's DefaultTableFormat.
	Format Format
	// LabeledOnly drops unlabeled items, for training sets.
	LabeledOnly bool
}

// Engine produces exports from sessions held by a Registry.
type Engine struct {
	registry *session.Registry
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an export engine over registry.
func NewEngine(registry *session.Registry, opts Options) *Engine {
	if opts.DefaultTableFormat == "" {
		opts.DefaultTableFormat = FormatCSV
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "export")),
	}
}

// ExportItem bundles one item's image, label, transcript and audio with a
// metadata.json descriptor.
func (e *Engine) ExportItem(ctx context.Context, sessionID, itemID string) (*Archive, error) {
	return e.run(ctx, "item", sessionID, itemID, func(ctx context.Context, snap *session.Snapshot) (*Archive, error) {
		it, ok := snap.Item(itemID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrItemNotFound, itemID)
		}
		if e.opts.RequireLabel && it.Label == session.LabelUnlabeled {
			return nil, fmt.Errorf("%w: %s", ErrNotLabeled, it.Filename)
		}
		return buildItemArchive(snap, it)
	})
}

// ExportSession bundles every item plus a manifest, summary.csv and
// labels.json.
func (e *Engine) ExportSession(ctx context.Context, sessionID string) (*Archive, error) {
	return e.run(ctx, "session", sessionID, "", func(ctx context.Context, snap *session.Snapshot) (*Archive, error) {
		if e.opts.RequireLabel {
			for i := range snap.Items {
				if snap.Items[i].Label == session.LabelUnlabeled {
					return nil, fmt.Errorf("%w: %s", ErrNotLabeled, snap.Items[i].Filename)
				}
			}
		}
		return buildSessionArchive(ctx, snap)
	})
}

// ExportTable renders one row per item in ingestion order. The same
// snapshot always yields identical bytes for a given format.
func (e *Engine) ExportTable(ctx context.Context, sessionID string, opts TableOptions) (*Archive, error) {
	format := opts.Format
	if format == "" {
		format = e.opts.DefaultTableFormat
	}
	// A bad format is reported from inside run so that a missing or inert
	// session answers with its state error first.
	format, formatErr := ParseFormat(string(format))
	kind := "table_" + string(format)
	if formatErr != nil {
		kind = "table"
	}
	return e.run(ctx, kind, sessionID, "", func(ctx context.Context, snap *session.Snapshot) (*Archive, error) {
		if formatErr != nil {
			return nil, formatErr
		}
		rows := Rows(snap, opts.LabeledOnly)
		data, err := EncodeTable(rows, format)
		if err != nil {
			return nil, err
		}
		return &Archive{
			Filename:    fmt.Sprintf("dataset_%s.%s", archiveStamp(snap), format),
			ContentType: tableContentType(format),
			Data:        data,
		}, nil
	})
}

type buildFunc func(ctx context.Context, snap *session.Snapshot) (*Archive, error)

// run takes the snapshot, builds the archive lock-free and records the fact.
// When only the audit append fails the archive is returned together with an
// error wrapping session.ErrAuditFailed.
func (e *Engine) run(ctx context.Context, kind, sessionID, itemID string, build buildFunc) (archive *Archive, err error) {
	start := time.Now()
	ctx, span := internalobs.StartSpan(ctx, "export."+kind, map[string]any{
		"session_id": sessionID,
		"item_id":    itemID,
	})
	defer func() {
		result := "ok"
		size := 0
		switch {
		case archive == nil && err != nil:
			result = "error"
			span.SetError(err)
		case archive != nil:
			size = len(archive.Data)
			span.SetAttribute("bytes", size)
		}
		observability.RecordExport(kind, result, time.Since(start), size)
		span.End()
	}()

	store, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	snap, release, err := store.BeginExport(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(snap.Items) == 0 {
		return nil, ErrEmptySession
	}

	archive, err = build(ctx, snap)
	if err != nil {
		return nil, err
	}
	// An abandoned export does no further work, including the audit fact.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if aerr := store.RecordExport(ctx, itemID,
		"kind", kind,
		"file", archive.Filename,
		"items", fmt.Sprint(exportedItems(snap, itemID)),
		"bytes", fmt.Sprint(len(archive.Data)),
	); aerr != nil {
		e.logger.Warn("export succeeded but audit append failed",
			slog.String("session_id", sessionID),
			slog.String("kind", kind),
			slog.Any("error", aerr),
		)
		return archive, aerr
	}

	e.logger.Debug("export complete",
		slog.String("session_id", sessionID),
		slog.String("kind", kind),
		slog.Int("bytes", len(archive.Data)),
	)
	return archive, nil
}

func exportedItems(snap *session.Snapshot, itemID string) int {
	if itemID != "" {
		return 1
	}
	return len(snap.Items)
}

func tableContentType(f Format) string {
	if f == FormatJSONL {
		return "application/x-ndjson"
	}
	return "text/csv; charset=utf-8"
}

// archiveStamp names session-level downloads after the session start.
func archiveStamp(snap *session.Snapshot) string {
	return snap.CreatedAt.UTC().Format("20060102_150405")
}
