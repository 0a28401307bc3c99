package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bnema/coachfeed/internal/domain"
)

type Phase string

const (
	PhaseTranscribe Phase = "transcribe"
	PhaseAnalyze    Phase = "analyze"
	PhaseQA         Phase = "quality_assurance"
)

// Progress is reported by the engines on a channel the driver owns.
type Progress struct {
	Phase  Phase
	Done   int
	Total  int
	Detail string
}

// send blocks until the receiver takes p or ctx ends. A nil ch drops p.
func send(ctx context.Context, ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	case <-ctx.Done():
	}
}

// CancelToken carries an advisory cancellation request into a running job.
// It is checked at phase boundaries, never used to kill a call in progress.
type CancelToken struct {
	cancelled atomic.Bool
}

func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Checkpoint returns domain.ErrCancelled once Cancel has been called.
func (t *CancelToken) Checkpoint() error {
	if t.Cancelled() {
		return domain.ErrCancelled
	}
	return nil
}

func checkpoint(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}

// recovered converts a recovered panic into a system error for phase.
func recovered(phase Phase, what string, r any) error {
	return domain.NewPipelineError(domain.ErrorKindSystem, string(phase), "panic in "+what, fmt.Errorf("%v", r))
}
