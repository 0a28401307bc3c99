package port

import (
	"context"
	"time"
)

// JobLease guards a job across processes. Acquire reports false when another
// holder owns the lease.
type JobLease interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}
