package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	internalobs "github.com/aixgo-dev/ophthalmocapture/internal/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
)

// Whisper calls an OpenAI-compatible /audio/transcriptions endpoint with the
// verbose_json format, which carries segment timestamps.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
}

// NewWhisper creates a Whisper client. BaseURL may point at any compatible
// server, such as a self-hosted faster-whisper.
func NewWhisper(cfg config.TranscriptionConfig) (*Whisper, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai transcription requires an API key or a base_url")
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{
		client:   openai.NewClientWithConfig(oc),
		model:    model,
		language: cfg.Language,
	}, nil
}

// Transcribe sends one recording to the endpoint.
func (w *Whisper) Transcribe(ctx context.Context, req Request) (res *Result, err error) {
	if len(req.Audio) == 0 {
		return nil, ErrEmptyAudio
	}
	lang := req.Language
	if lang == "" {
		lang = w.language
	}

	start := time.Now()
	ctx, span := internalobs.StartSpan(ctx, "transcribe.whisper", map[string]any{
		"model":      w.model,
		"language":   lang,
		"audio_size": len(req.Audio),
	})
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.SetError(err)
		}
		observability.RecordTranscription(result, time.Since(start))
		span.End()
	}()

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(req.Audio),
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	segs := make([]session.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, session.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	res = &Result{
		Text:     strings.TrimSpace(resp.Text),
		Segments: normalizeSegments(segs),
		Language: resp.Language,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}
	span.SetAttribute("segments", len(res.Segments))
	return res, nil
}

// Ping lists models to check the endpoint is reachable and the key valid.
func (w *Whisper) Ping(ctx context.Context) error {
	if _, err := w.client.ListModels(ctx); err != nil {
		return fmt.Errorf("whisper endpoint: %w", err)
	}
	return nil
}
