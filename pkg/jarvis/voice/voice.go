// Package voice turns voice notes into text through a Whisper-compatible
// transcription endpoint (POST {base_url}/audio/transcriptions).
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// ErrEmptyTranscript is returned when the audio contained no speech.
var ErrEmptyTranscript = errors.New("transcription is empty")

// Config configures transcription.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// Language is an optional ISO-639-1 hint (e.g. "en").
	Language string `yaml:"language"`

	Timeout time.Duration `yaml:"timeout"`
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Whisper is a Transcriber for OpenAI-compatible endpoints.
type Whisper struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWhisper creates a transcription client.
func NewWhisper(cfg Config, logger *slog.Logger) *Whisper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Whisper{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "voice"),
	}
}

// Transcribe uploads audio as multipart form data and returns the text.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	const op = "voice.transcribe"
	if len(audio) == 0 {
		return "", faults.Validation(op, "", "audio is empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filenameFor(mimeType))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := mw.WriteField("model", w.cfg.Model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if w.cfg.Language != "" {
		_ = mw.WriteField("language", w.cfg.Language)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	endpoint := strings.TrimRight(w.cfg.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}

	w.logger.Debug("sending audio transcription request", "size_bytes", len(audio), "mime", mimeType)

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", faults.Transport(op, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Transport(op, "", fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		w.logger.Error("transcription API error", "status", resp.StatusCode, "body", truncate(string(body), 300))
		sub := faults.Unavailable
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			sub = faults.Timeout
		}
		return "", faults.Transport(op, sub, fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parsing transcription response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}

	w.logger.Info("audio transcribed", "chars", len(text), "duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

func filenameFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return "voice.ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "voice.mp3"
	case strings.Contains(mimeType, "wav"):
		return "voice.wav"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return "voice.m4a"
	default:
		return "voice.webm"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
