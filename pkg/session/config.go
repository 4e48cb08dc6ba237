package session

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/tiff"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
)

// extensionFamily maps accepted extensions to the image format the payload
// must decode as.
var extensionFamily = map[string]string{
	"jpg":  "jpeg",
	"jpeg": "jpeg",
	"png":  "png",
	"tif":  "tiff",
	"tiff": "tiff",
}

// Policy is the ingestion policy: which files are accepted into a session.
type Policy struct {
	// MaxSize is the largest accepted payload in bytes.
	MaxSize int64
	// AllowedFormats lists accepted extensions without the dot.
	AllowedFormats []string
}

// DefaultPolicy accepts JPEG, PNG and TIFF up to 50 MiB.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxSize:        50 * 1024 * 1024,
		AllowedFormats: []string{"jpg", "jpeg", "png", "tif", "tiff"},
	}
}

// ImageInfo describes a payload that passed validation.
type ImageInfo struct {
	Format string
	MIME   string
	Width  int
	Height int
}

func (p *Policy) allows(ext string) bool {
	for _, f := range p.AllowedFormats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), ext) {
			return true
		}
	}
	return false
}

// Validate checks extension, size, declared MIME type and that the payload
// decodes as the image format its extension claims.
func (p *Policy) Validate(data []byte, filename, mime string) (*ImageInfo, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	family, known := extensionFamily[ext]
	if !known || !p.allows(ext) {
		return nil, fmt.Errorf("%w: extension %q not allowed", ErrInvalidFormat, ext)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFormat)
	}
	if p.MaxSize > 0 && int64(len(data)) > p.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), p.MaxSize)
	}

	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case mime == "" || mime == "application/octet-stream":
		mime = "image/" + family
	case mime == "image/jpg":
		mime = "image/jpeg"
	case !strings.HasPrefix(mime, "image/"):
		return nil, fmt.Errorf("%w: mime type %q is not an image", ErrInvalidFormat, mime)
	}
	if mime != "image/"+family {
		return nil, fmt.Errorf("%w: mime type %q does not match extension %q", ErrInvalidFormat, mime, ext)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidFormat, err)
	}
	if format != family {
		return nil, fmt.Errorf("%w: payload is %s but extension is %q", ErrInvalidFormat, format, ext)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidFormat)
	}

	return &ImageInfo{Format: format, MIME: mime, Width: cfg.Width, Height: cfg.Height}, nil
}

// Options configures a Registry.
type Options struct {
	// Timeout is the idle duration after which a session expires (default: 30m).
	Timeout time.Duration
	// Policy is the ingestion policy (default: DefaultPolicy()).
	Policy *Policy
	// Clock supplies the time (default: SystemClock).
	Clock Clock
	// Logger receives warnings (default: slog.Default()).
	Logger *slog.Logger
	// AuditTimeout bounds each audit append (default: 5s).
	AuditTimeout time.Duration
	// TombstoneSize is how many cleared session ids are remembered so late
	// calls see a state error instead of not-found (default: 1024).
	TombstoneSize int
	// OnRelease, when set, is called with the id of every session the
	// registry drops after it was cleared. It may run with the session lock
	// held and must not call back into the Store.
	OnRelease func(sessionID string)
}

// OptionsFromConfig maps the application configuration onto registry options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout: cfg.SessionTimeout,
		Policy: &Policy{
			MaxSize:        cfg.MaxItemSize,
			AllowedFormats: cfg.AllowedFormats,
		},
		AuditTimeout: cfg.Audit.Timeout,
	}
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.AuditTimeout <= 0 {
		o.AuditTimeout = 5 * time.Second
	}
	if o.TombstoneSize <= 0 {
		o.TombstoneSize = 1024
	}
}
