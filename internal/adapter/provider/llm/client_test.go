package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/coachfeed/internal/adapter/provider"
	"github.com/bnema/coachfeed/internal/domain"
)

// chatServer answers every request with content and records the last prompt.
func chatServer(t *testing.T, content string, prompt *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Messages, 2) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		if prompt != nil {
			*prompt = req.Messages[1].Content
		}
		resp := map[string]any{"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{URL: srv.URL, APIKey: "k", Model: "gpt-test"}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"Here you go:\n```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`, true},
		{"no json here", "", false},
		{"} backwards {", "", false},
		{`{"a": }`, "", false},
	}
	for _, tt := range tests {
		got, ok := extractJSON(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.JSONEq(t, tt.want, string(got))
		}
	}
}

func TestRunStage_Behavioral(t *testing.T) {
	var prompt string
	srv := chatServer(t, "```json\n"+`{"summary": "Steady session", "strengths": ["silence"], "growth_areas": [],
		"recommendations": ["summarise more"], "patterns": [{"name": "mirroring"}]}`+"\n```", &prompt)
	c := newTestClient(t, srv)

	got, err := c.RunStage(context.Background(), domain.StageBehavioral, "coach: hello", domain.JobMetadata{ClientName: "Dana", SessionType: "intake"})
	require.NoError(t, err)

	require.NotNil(t, got.Behavioral)
	assert.Equal(t, "Steady session", got.Behavioral.Summary)
	assert.Equal(t, []string{"silence"}, got.Behavioral.Strengths)
	assert.Equal(t, "mirroring", got.Behavioral.Patterns[0].Name)
	assert.Contains(t, prompt, "Client: Dana")
	assert.Contains(t, prompt, "Session type: intake")
	assert.True(t, strings.HasSuffix(prompt, "coach: hello"))
}

func TestRunStage_Communication(t *testing.T) {
	srv := chatServer(t, `{"coach_talk_ratio": 0.35, "question_count": 14, "tone": "curious", "observations": []}`, nil)
	c := newTestClient(t, srv)

	got, err := c.RunStage(context.Background(), domain.StageCommunication, "text", domain.JobMetadata{})
	require.NoError(t, err)

	require.NotNil(t, got.Communication)
	assert.InDelta(t, 0.35, got.Communication.CoachTalkRatio, 1e-9)
	assert.Equal(t, 14, got.Communication.QuestionCount)
}

func TestRunStage_NoJSON(t *testing.T) {
	srv := chatServer(t, "I cannot help with that.", nil)
	c := newTestClient(t, srv)

	_, err := c.RunStage(context.Background(), domain.StageResearch, "text", domain.JobMetadata{})

	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestRunStage_UnknownStage(t *testing.T) {
	srv := chatServer(t, `{}`, nil)
	c := newTestClient(t, srv)

	_, err := c.RunStage(context.Background(), domain.StageKind("astrology"), "text", domain.JobMetadata{})

	assert.Error(t, err)
}

func TestRunStage_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "context length exceeded"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.RunStage(context.Background(), domain.StageBehavioral, "text", domain.JobMetadata{})

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Temporary())
}

func TestFillSection(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"value": ["names the client's values", "checks in on energy"]}`, &prompt)
	c := newTestClient(t, srv)

	raw, err := c.FillSection(context.Background(), domain.SectionStrengths, "transcript", &domain.SynthesizedAnalysis{Summary: "Short review"})
	require.NoError(t, err)

	a := &domain.SynthesizedAnalysis{}
	filled, err := a.ApplySection(domain.SectionStrengths, raw)
	require.NoError(t, err)
	assert.True(t, filled)
	assert.Len(t, a.Strengths, 2)
	assert.Contains(t, prompt, `"strengths"`)
	assert.Contains(t, prompt, "Review summary: Short review")
}

func TestFillSection_MissingValue(t *testing.T) {
	srv := chatServer(t, `{"strengths": []}`, nil)
	c := newTestClient(t, srv)

	_, err := c.FillSection(context.Background(), domain.SectionStrengths, "transcript", nil)

	assert.Error(t, err)
}

// resetServer accepts each request and drops the connection without answering.
func resetServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStage_DroppedConnectionIsTemporary(t *testing.T) {
	c := newTestClient(t, resetServer(t))

	_, err := c.RunStage(context.Background(), domain.StageBehavioral, "text", domain.JobMetadata{})

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Temporary())
}
