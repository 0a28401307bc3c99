// Package llm runs analysis stages against an OpenAI-compatible chat
// completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bnema/coachfeed/internal/adapter/provider"
	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
)

const name = "llm"

var (
	ErrNotConfigured = errors.New("analysis endpoint not configured")
	ErrNoJSON        = errors.New("response contains no JSON object")
)

type Config struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		httpClient = provider.NewHTTPClient()
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) Name() string { return name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

func (c *Client) RunStage(ctx context.Context, kind domain.StageKind, transcript string, meta domain.JobMetadata) (domain.StageResult, error) {
	prompt, err := stagePrompt(kind, transcript, meta)
	if err != nil {
		return domain.StageResult{}, err
	}
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return domain.StageResult{}, err
	}
	return domain.DecodeStagePayload(kind, raw)
}

// FillSection asks for one section of an analysis and returns its raw value.
func (c *Client) FillSection(ctx context.Context, section domain.Section, transcript string, partial *domain.SynthesizedAnalysis) (json.RawMessage, error) {
	var summary string
	if partial != nil {
		summary = partial.Summary
	}
	prompt, err := sectionPrompt(section, transcript, summary)
	if err != nil {
		return nil, err
	}
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", name, section, err)
	}
	if len(wrapper.Value) == 0 {
		return nil, fmt.Errorf("%s: %s: missing value", name, section)
	}
	return wrapper.Value, nil
}

// complete sends one chat request and returns the JSON object in the reply.
func (c *Client) complete(ctx context.Context, prompt string) (json.RawMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.Transport(name, err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(name, resp); err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", name)
	}
	content := out.Choices[0].Message.Content
	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", name, ErrNoJSON, logger.Preview(content, 120))
	}
	return raw, nil
}

// extractJSON returns the text between the first '{' and the last '}' when
// it parses as JSON. Models often wrap objects in prose or code fences.
func extractJSON(s string) (json.RawMessage, bool) {
	start := bytes.IndexByte([]byte(s), '{')
	end := bytes.LastIndexByte([]byte(s), '}')
	if start < 0 || end <= start {
		return nil, false
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

var _ port.Analyzer = (*Client)(nil)
