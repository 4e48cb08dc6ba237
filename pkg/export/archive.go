package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

const (
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.txt"
	audioFile      = "audio.wav"
	manifestFile   = "manifest.json"
	summaryFile    = "summary.csv"
	labelsFile     = "labels.json"

	zipContentType = "application/zip"
)

// zipBuilder writes entries with a fixed modification time so identical
// snapshots produce identical archives.
type zipBuilder struct {
	buf      bytes.Buffer
	zw       *zip.Writer
	modified time.Time
}

func newZipBuilder(modified time.Time) *zipBuilder {
	b := &zipBuilder{modified: modified.UTC()}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

func (b *zipBuilder) add(name string, data []byte) error {
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: b.modified,
	})
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func (b *zipBuilder) addJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return b.add(name, append(data, '\n'))
}

func (b *zipBuilder) bytes() ([]byte, error) {
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return b.buf.Bytes(), nil
}

// sanitize keeps letters, digits, dot, dash, underscore and space, replacing
// anything else so names are safe as zip entries.
func sanitize(name string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._- ", r) {
			return r
		}
		return '_'
	}, name)
	clean = strings.Trim(clean, ". ")
	if clean == "" {
		return "item"
	}
	return clean
}

// baseName is the sanitized filename without its extension.
func baseName(filename string) string {
	return sanitize(strings.TrimSuffix(filename, path.Ext(filename)))
}

// writeItem adds one item folder: descriptor, transcript, image and audio
// when attached.
func writeItem(b *zipBuilder, folder string, snap *session.Snapshot, it *session.Item) (Descriptor, error) {
	d := newDescriptor(snap, it)
	if err := b.addJSON(path.Join(folder, metadataFile), d); err != nil {
		return d, err
	}
	if err := b.add(path.Join(folder, transcriptFile), []byte(d.Transcript)); err != nil {
		return d, err
	}
	if len(it.Data) > 0 {
		image := baseName(it.Filename) + strings.ToLower(path.Ext(it.Filename))
		if err := b.add(path.Join(folder, image), it.Data); err != nil {
			return d, err
		}
	}
	if it.Audio != nil && len(it.Audio.Data) > 0 {
		if err := b.add(path.Join(folder, audioFile), it.Audio.Data); err != nil {
			return d, err
		}
	}
	return d, nil
}

func buildItemArchive(snap *session.Snapshot, it *session.Item) (*Archive, error) {
	folder := "item_" + baseName(it.Filename)
	b := newZipBuilder(snap.CreatedAt)
	if _, err := writeItem(b, folder, snap, it); err != nil {
		return nil, err
	}
	data, err := b.bytes()
	if err != nil {
		return nil, err
	}
	return &Archive{Filename: folder + ".zip", ContentType: zipContentType, Data: data}, nil
}

// buildSessionArchive lays out:
//
//	session_<stamp>/
//	  manifest.json
//	  summary.csv
//	  labels.json
//	  001_<name>/metadata.json, transcript.txt, <name>.<ext>, audio.wav
func buildSessionArchive(ctx context.Context, snap *session.Snapshot) (*Archive, error) {
	root := "session_" + archiveStamp(snap)
	b := newZipBuilder(snap.CreatedAt)

	folders := make([]string, len(snap.Items))
	descriptors := make([]Descriptor, 0, len(snap.Items))
	for i := range snap.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := &snap.Items[i]
		folders[i] = fmt.Sprintf("%03d_%s", i+1, baseName(it.Filename))
		d, err := writeItem(b, path.Join(root, folders[i]), snap, it)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	summary, err := EncodeTable(Rows(snap, false), FormatCSV)
	if err != nil {
		return nil, err
	}
	if err := b.add(path.Join(root, summaryFile), summary); err != nil {
		return nil, err
	}
	if err := b.addJSON(path.Join(root, labelsFile), descriptors); err != nil {
		return nil, err
	}
	if err := b.addJSON(path.Join(root, manifestFile), newManifest(snap, folders)); err != nil {
		return nil, err
	}

	data, err := b.bytes()
	if err != nil {
		return nil, err
	}
	return &Archive{Filename: root + ".zip", ContentType: zipContentType, Data: data}, nil
}
