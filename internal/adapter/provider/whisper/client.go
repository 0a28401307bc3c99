// Package whisper transcribes audio files through an OpenAI-compatible
// /audio/transcriptions endpoint.
package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/coachfeed/internal/adapter/provider"
	"github.com/bnema/coachfeed/internal/port"
)

const name = "whisper"

var ErrNotConfigured = errors.New("transcription endpoint not configured")

type Config struct {
	URL      string
	APIKey   string
	Model    string
	Language string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if httpClient == nil {
		httpClient = provider.NewHTTPClient()
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) Name() string { return name }

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the file as multipart form data. The body is streamed so
// a chunk is never held in memory twice.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(c.writeForm(mw, f, filepath.Base(path)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return "", provider.Transport(name, err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(name, resp); err != nil {
		return "", err
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", name, err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) writeForm(mw *multipart.Writer, src io.Reader, filename string) error {
	fields := map[string]string{
		"model":           c.cfg.Model,
		"response_format": "json",
	}
	if c.cfg.Language != "" {
		fields["language"] = c.cfg.Language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

var _ port.Transcriber = (*Client)(nil)
