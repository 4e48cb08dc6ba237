package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
)

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name       string
		data       []byte
		filename   string
		mime       string
		wantFormat string
		wantErr    error
	}{
		{"png", pngBytes(t), "a.png", "image/png", "png", nil},
		{"jpg", jpegBytes(t), "a.JPG", "image/jpeg", "jpeg", nil},
		{"jpeg with image/jpg", jpegBytes(t), "a.jpeg", "image/jpg", "jpeg", nil},
		{"tif", tiffBytes(t), "a.tif", "image/tiff", "tiff", nil},
		{"tiff octet-stream", tiffBytes(t), "a.tiff", "application/octet-stream", "tiff", nil},
		{"mime with params", pngBytes(t), "a.png", "image/png; charset=binary", "png", nil},
		{"no extension", pngBytes(t), "fundus", "image/png", "", ErrInvalidFormat},
		{"gif", pngBytes(t), "a.gif", "image/gif", "", ErrInvalidFormat},
		{"empty", nil, "a.png", "image/png", "", ErrInvalidFormat},
		{"non-image mime", pngBytes(t), "a.png", "text/plain", "", ErrInvalidFormat},
		{"mime disagrees", pngBytes(t), "a.png", "image/jpeg", "", ErrInvalidFormat},
		{"content disagrees", tiffBytes(t), "a.jpg", "", "", ErrInvalidFormat},
		{"truncated", pngBytes(t)[:20], "a.png", "image/png", "", ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(tt.data, tt.filename, tt.mime)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, info.Format)
			assert.Equal(t, "image/"+tt.wantFormat, info.MIME)
		})
	}
}

func TestPolicyValidate_AllowListNarrowsFormats(t *testing.T) {
	p := &Policy{MaxSize: 1 << 20, AllowedFormats: []string{".png"}}

	_, err := p.Validate(pngBytes(t), "a.png", "")
	assert.NoError(t, err)
	_, err = p.Validate(jpegBytes(t), "a.jpg", "")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SessionTimeout = 10 * time.Minute
	cfg.MaxItemSize = 1024
	cfg.AllowedFormats = []string{"png"}

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 10*time.Minute, opts.Timeout)
	assert.Equal(t, int64(1024), opts.Policy.MaxSize)
	assert.Equal(t, []string{"png"}, opts.Policy.AllowedFormats)
	assert.Equal(t, 5*time.Second, opts.AuditTimeout)
}

func TestLabel(t *testing.T) {
	l, err := ParseLabel(" Cataract ")
	require.NoError(t, err)
	assert.Equal(t, LabelCataract, l)

	_, err = ParseLabel("maybe")
	assert.ErrorIs(t, err, ErrInvalidLabel)

	require.NotNil(t, LabelCataract.Code())
	assert.Equal(t, 1, *LabelCataract.Code())
	require.NotNil(t, LabelNoCataract.Code())
	assert.Equal(t, 0, *LabelNoCataract.Code())
	assert.Nil(t, LabelUnlabeled.Code())
}
