package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/port"
)

type document struct {
	Jobs     []*domain.Job                          `json:"jobs"`
	Analyses map[string]*domain.SynthesizedAnalysis `json:"analyses,omitempty"`
}

// Store keeps jobs and analyses in a single JSON file. Every write rewrites
// the file through a temp file and rename.
type Store struct {
	mu       sync.RWMutex
	path     string
	jobs     map[string]*domain.Job
	analyses map[string]*domain.SynthesizedAnalysis
}

func NewStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "jobs.json")

	store := &Store{
		path:     path,
		jobs:     make(map[string]*domain.Job),
		analyses: make(map[string]*domain.SynthesizedAnalysis),
	}

	if err := store.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	for _, j := range doc.Jobs {
		s.jobs[j.ID] = j
	}
	for id, a := range doc.Analyses {
		s.analyses[id] = a
	}

	return nil
}

func (s *Store) save() error {
	tmpPath := s.path + ".tmp"

	doc := document{Jobs: make([]*domain.Job, 0, len(s.jobs)), Analyses: s.analyses}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, j)
	}
	sort.Slice(doc.Jobs, func(i, k int) bool { return doc.Jobs[i].ID < doc.Jobs[k].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}

	cp := *j
	return &cp, nil
}

func (s *Store) SaveJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Progress = domain.ClampProgress(job.Progress)

	cp := *job
	s.jobs[job.ID] = &cp
	return s.save()
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, status domain.JobStatus, progress int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, j.Status, status)
	}

	now := time.Now().UTC()
	if j.Status == domain.JobStatusUploaded && status == domain.JobStatusProcessing {
		j.Attempts++
		j.StartedAt.Time, j.StartedAt.Valid = now, true
		j.CompletedAt.Valid = false
	}
	if status.IsTerminal() {
		j.CompletedAt.Time, j.CompletedAt.Valid = now, true
	}
	j.Status = status
	j.Progress = domain.ClampProgress(progress)
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	return s.save()
}

func (s *Store) PersistAnalysis(_ context.Context, id string, result *domain.SynthesizedAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	s.analyses[id] = result
	return s.save()
}

func (s *Store) GetAnalysis(_ context.Context, id string) (*domain.SynthesizedAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[id]
	if !ok {
		return nil, fmt.Errorf("analysis for %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *Store) ResetStalled(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []*domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobStatusProcessing {
			continue
		}
		j.Status = domain.JobStatusUploaded
		j.ErrorMessage = "interrupted"
		j.UpdatedAt = time.Now().UTC()
		cp := *j
		stalled = append(stalled, &cp)
	}
	if len(stalled) == 0 {
		return nil, nil
	}
	return stalled, s.save()
}

var _ port.JobStore = (*Store)(nil)
