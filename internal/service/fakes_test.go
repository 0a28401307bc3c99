package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/port"
)

const speech = "So what would success look like for you by the end of this quarter, and what is in the way right now?"

// mediaBytes returns n bytes that sniff as mp3.
func mediaBytes(n int) []byte {
	b := make([]byte, max(n, 16))
	copy(b, "ID3\x04\x00\x00")
	return b
}

func writeMedia(t *testing.T, p string, size int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, mediaBytes(16), 0o644))
	if size > 16 {
		require.NoError(t, os.Truncate(p, size))
	}
}

// memStore is an in-memory JobStore that enforces the status state machine.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	analyses map[string]*domain.SynthesizedAnalysis
	history  map[string][]domain.JobStatus
	failOn   domain.JobStatus
}

func newMemStore(jobs ...*domain.Job) *memStore {
	s := &memStore{
		jobs:     make(map[string]*domain.Job),
		analyses: make(map[string]*domain.SynthesizedAnalysis),
		history:  make(map[string][]domain.JobStatus),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) SaveJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, id string, status domain.JobStatus, progress int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.failOn != "" && status == s.failOn {
		return errors.New("store unavailable")
	}
	if !domain.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, status)
	}
	if j.Status != status || len(s.history[id]) == 0 {
		s.history[id] = append(s.history[id], status)
	}
	j.Status = status
	j.Progress = progress
	j.ErrorMessage = errMsg
	return nil
}

func (s *memStore) PersistAnalysis(_ context.Context, id string, result *domain.SynthesizedAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[id] = result
	return nil
}

func (s *memStore) GetAnalysis(_ context.Context, id string) (*domain.SynthesizedAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (s *memStore) ListByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ResetStalled(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusProcessing {
			j.Status = domain.JobStatusUploaded
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

var _ port.JobStore = (*memStore)(nil)

// fakeObjects serves objects from memory and records requested keys.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	errs    map[string]error
	keys    []string
}

func (f *fakeObjects) Fetch(_ context.Context, key, destDir string) (string, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	data, ok := f.objects[key]
	err := f.errs[key]
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(destDir, path.Base(key))
	return p, os.WriteFile(p, data, 0o644)
}

func (f *fakeObjects) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjects) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// fakeTool pretends to be ffprobe/ffmpeg.
type fakeTool struct {
	mu         sync.Mutex
	duration   float64
	probeErr   error
	extractErr error
	spans      []domain.ChunkSpan
	outputs    []string
	extracted  int
}

func (f *fakeTool) Probe(_ context.Context, _ string) (*domain.ProbeResult, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &domain.ProbeResult{Format: domain.ProbeFormat{Duration: fmt.Sprintf("%.3f", f.duration)}}, nil
}

func (f *fakeTool) ExtractSegment(_ context.Context, _, out string, span domain.ChunkSpan) error {
	f.mu.Lock()
	f.spans = append(f.spans, span)
	f.outputs = append(f.outputs, out)
	f.mu.Unlock()
	if f.extractErr != nil {
		return f.extractErr
	}
	return os.WriteFile(out, mediaBytes(64), 0o644)
}

func (f *fakeTool) ExtractAudio(_ context.Context, _, out string) error {
	f.mu.Lock()
	f.extracted++
	f.mu.Unlock()
	if f.extractErr != nil {
		return f.extractErr
	}
	return os.WriteFile(out, mediaBytes(128), 0o644)
}

func (f *fakeTool) chunkOutputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.outputs...)
}

// fakeTranscriber answers with fn; call numbers start at 1.
type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	paths []string
	fn    func(ctx context.Context, path string, call int) (string, error)
}

func (f *fakeTranscriber) Name() string { return "fake-whisper" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, p string) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.paths = append(f.paths, p)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return speech, nil
	}
	return fn(ctx, p, call)
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAnalyzer answers stages with stage and gap requests with fill.
type fakeAnalyzer struct {
	mu      sync.Mutex
	stages  []domain.StageKind
	fills   []domain.Section
	stage   func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error)
	fill    func(ctx context.Context, section domain.Section) (json.RawMessage, error)
	running int
	maxSeen int
}

func (f *fakeAnalyzer) Name() string { return "fake-llm" }

func (f *fakeAnalyzer) RunStage(ctx context.Context, kind domain.StageKind, _ string, _ domain.JobMetadata) (domain.StageResult, error) {
	f.mu.Lock()
	f.stages = append(f.stages, kind)
	f.running++
	f.maxSeen = max(f.maxSeen, f.running)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.stage != nil {
		return f.stage(ctx, kind)
	}
	return completeStage(kind), nil
}

func (f *fakeAnalyzer) FillSection(ctx context.Context, section domain.Section, _ string, _ *domain.SynthesizedAnalysis) (json.RawMessage, error) {
	f.mu.Lock()
	f.fills = append(f.fills, section)
	f.mu.Unlock()
	if f.fill != nil {
		return f.fill(ctx, section)
	}
	return nil, errors.New("no gap filler")
}

func (f *fakeAnalyzer) stageCalls(kind domain.StageKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.stages {
		if k == kind {
			n++
		}
	}
	return n
}

func completeStage(kind domain.StageKind) domain.StageResult {
	switch kind {
	case domain.StageBehavioral:
		return domain.StageResult{Kind: kind, Behavioral: &domain.BehavioralAnalysis{
			Summary:         "Coach held focus on the client's goal.",
			Strengths:       []string{"open questions"},
			GrowthAreas:     []string{"allowing silence"},
			Recommendations: []string{"pause after questions"},
			Patterns:        []domain.Pattern{{Name: "reflective listening"}},
		}}
	case domain.StageResearch:
		return domain.StageResult{Kind: kind, Research: &domain.ResearchAnalysis{
			Insights: []domain.Insight{{Claim: "Reflections increase change talk"}},
		}}
	case domain.StageCommunication:
		return domain.StageResult{Kind: kind, Communication: &domain.CommunicationAnalysis{Tone: "warm"}}
	}
	return domain.StageResult{Kind: kind, Extra: json.RawMessage(`{}`)}
}

// temporaryErr mimics a provider error that reports whether a retry may help.
type temporaryErr struct {
	msg  string
	temp bool
}

func (e temporaryErr) Error() string   { return e.msg }
func (e temporaryErr) Temporary() bool { return e.temp }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
