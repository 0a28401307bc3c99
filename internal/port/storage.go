package port

import (
	"context"

	"github.com/bnema/coachfeed/internal/domain"
)

type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	SaveJob(ctx context.Context, job *domain.Job) error
	// UpdateJobStatus rejects transitions the job state machine does not allow.
	UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, progress int, errMsg string) error
	PersistAnalysis(ctx context.Context, id string, result *domain.SynthesizedAnalysis) error
	GetAnalysis(ctx context.Context, id string) (*domain.SynthesizedAnalysis, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	// ResetStalled moves jobs left in processing back to uploaded and returns them.
	ResetStalled(ctx context.Context) ([]*domain.Job, error)
}

// ObjectStore fetches stored media. A missing key yields domain.ErrNotFound.
type ObjectStore interface {
	Fetch(ctx context.Context, key, destDir string) (localPath string, err error)
	Exists(ctx context.Context, key string) (bool, error)
}
