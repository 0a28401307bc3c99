package domain

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusUploaded    JobStatus = "uploaded"
	JobStatusProcessing  JobStatus = "processing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusFileMissing JobStatus = "file_missing"
)

// ParseJobStatus accepts only the closed set of status values.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusUploaded, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusFileMissing:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// IsTerminal reports whether no automatic transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusFileMissing:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine. Moving back to uploaded from a
// terminal status is the operator reset and is the only non-monotonic edge.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusUploaded:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		switch to {
		case JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusFileMissing, JobStatusUploaded:
			return true
		}
		return false
	case JobStatusCompleted, JobStatusFailed, JobStatusFileMissing:
		return to == JobStatusUploaded
	default:
		return false
	}
}

type SourceKind string

const (
	SourceAudio SourceKind = "audio"
	SourceVideo SourceKind = "video"
)

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".avi": true, ".m4v": true,
}

// DetectSourceKind guesses the container kind from an object key.
func DetectSourceKind(key string) SourceKind {
	if videoExts[strings.ToLower(filepath.Ext(key))] {
		return SourceVideo
	}
	return SourceAudio
}

type Job struct {
	ID           string
	Status       JobStatus
	Progress     int
	Priority     int
	Attempts     int
	Source       SourceKind
	MediaKey     string
	VideoKey     string
	ExpectedSize int64
	ClientName   string
	SessionType  string
	Language     string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

// NewJob creates an uploaded job for a stored media object.
func NewJob(mediaKey string, expectedSize int64, priority int) *Job {
	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		Status:       JobStatusUploaded,
		Priority:     priority,
		Source:       DetectSourceKind(mediaKey),
		MediaKey:     mediaKey,
		ExpectedSize: expectedSize,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.Source == SourceVideo {
		job.VideoKey = mediaKey
	}
	return job
}

// Metadata returns the read-only context handed to analysis providers.
func (j *Job) Metadata() JobMetadata {
	return JobMetadata{
		JobID:       j.ID,
		ClientName:  j.ClientName,
		SessionType: j.SessionType,
		Language:    j.Language,
	}
}

type JobMetadata struct {
	JobID       string `json:"job_id"`
	ClientName  string `json:"client_name,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	Language    string `json:"language,omitempty"`
}

// ClampProgress keeps a progress value within 0..100.
func ClampProgress(p int) int {
	return max(0, min(100, p))
}

type Provenance string

const (
	ProvenanceCache   Provenance = "cache"
	ProvenanceRemote  Provenance = "remote"
	ProvenanceDerived Provenance = "derived"
)

// MediaLocation is where a job's audio bytes were found for one attempt.
type MediaLocation struct {
	Path       string
	Provenance Provenance
	Size       int64
	Key        string
	cleanup    func() error
}

func NewMediaLocation(path string, provenance Provenance, size int64, key string, cleanup func() error) *MediaLocation {
	return &MediaLocation{Path: path, Provenance: provenance, Size: size, Key: key, cleanup: cleanup}
}

// Release removes any temporary artifact created to produce this location.
func (l *MediaLocation) Release() error {
	if l == nil || l.cleanup == nil {
		return nil
	}
	err := l.cleanup()
	l.cleanup = nil
	return err
}

// QueueEntry is a pending dispatch inside the job queue.
type QueueEntry struct {
	JobID      string
	Priority   int
	EnqueuedAt time.Time
}

type QueueStatus struct {
	Depth       int      `json:"queue_depth"`
	InFlightIDs []string `json:"in_flight_ids"`
}

// CircuitState is a snapshot of one provider's breaker.
type CircuitState struct {
	Provider   string    `json:"provider"`
	Failures   int       `json:"failures"`
	Open       bool      `json:"open"`
	RetryAfter time.Time `json:"retry_after,omitzero"`
	LastReason string    `json:"last_reason,omitempty"`
}
