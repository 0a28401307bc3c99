package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
)

const defaultLeaseTTL = 2 * time.Hour

type CancelResult string

const (
	CancelRemoved   CancelResult = "removed"
	CancelSignalled CancelResult = "signalled"
)

type JobView struct {
	ID       string           `json:"id"`
	Status   domain.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Priority int              `json:"priority"`
	Queued   bool             `json:"queued"`
	InFlight bool             `json:"in_flight"`
	Error    string           `json:"error,omitempty"`
}

// WorkerPool feeds queued jobs to a fixed number of Driver executions and
// exposes the operations collaborators may call: enqueue, cancel, reset and
// status.
type WorkerPool struct {
	queue    *JobQueue
	driver   *Driver
	store    port.JobStore
	lease    port.JobLease
	events   EventPublisher
	workers  int
	leaseTTL time.Duration
	log      *logrus.Entry

	mu     sync.Mutex
	tokens map[string]*CancelToken
	wg     sync.WaitGroup
}

func NewWorkerPool(
	queue *JobQueue,
	driver *Driver,
	store port.JobStore,
	lease port.JobLease,
	events EventPublisher,
	workers int,
	log *logrus.Entry,
) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &WorkerPool{
		queue:    queue,
		driver:   driver,
		store:    store,
		lease:    lease,
		events:   events,
		workers:  workers,
		leaseTTL: defaultLeaseTTL,
		log:      log,
		tokens:   make(map[string]*CancelToken),
	}
}

// Start requeues jobs a previous process left in processing and starts the
// workers. Workers stop when ctx is done; Wait blocks until they have.
func (wp *WorkerPool) Start(ctx context.Context) error {
	stalled, err := wp.store.ResetStalled(ctx)
	if err != nil {
		return fmt.Errorf("reset stalled jobs: %w", err)
	}
	for _, job := range stalled {
		if err := wp.queue.Add(job.ID, job.Priority); err != nil {
			wp.log.WithError(err).WithField("job_id", job.ID).Warn("requeue stalled job")
			continue
		}
		wp.publish(job.ID, domain.JobStatusUploaded, job.Progress, "requeued after restart")
	}
	if len(stalled) > 0 {
		wp.log.WithField("count", len(stalled)).Info("requeued stalled jobs")
	}

	for i := range wp.workers {
		wp.wg.Add(1)
		go wp.runWorker(ctx, i)
	}
	wp.log.WithField("workers", wp.workers).Info("started workers")
	return nil
}

func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	defer wp.wg.Done()
	log := wp.log.WithField("worker", id)

	for {
		entry, err := wp.queue.Next(ctx)
		if err != nil {
			log.Debug("worker shutting down")
			return
		}
		wp.process(ctx, entry, log)
	}
}

func (wp *WorkerPool) process(ctx context.Context, entry domain.QueueEntry, log *logrus.Entry) {
	defer func() {
		wp.mu.Lock()
		delete(wp.tokens, entry.JobID)
		wp.queue.Done(entry.JobID)
		wp.mu.Unlock()
	}()
	log = log.WithField("job_id", entry.JobID)

	if wp.lease != nil {
		ok, err := wp.lease.Acquire(ctx, entry.JobID, wp.leaseTTL)
		if err != nil {
			log.WithError(err).Error("acquire job lease")
			return
		}
		if !ok {
			log.Warn("job is leased by another process, skipping")
			return
		}
		defer func() {
			if err := wp.lease.Release(context.WithoutCancel(ctx), entry.JobID); err != nil {
				log.WithError(err).Warn("release job lease")
			}
		}()
	}

	wp.mu.Lock()
	token, ok := wp.tokens[entry.JobID]
	if !ok {
		token = &CancelToken{}
		wp.tokens[entry.JobID] = token
	}
	wp.mu.Unlock()

	waited := time.Since(entry.EnqueuedAt)
	log.WithFields(logrus.Fields{"priority": entry.Priority, "waited": waited.Round(time.Millisecond)}).Info("dispatching job")

	status, err := wp.driver.Run(ctx, entry.JobID, token)
	if err != nil && status == "" {
		log.WithError(err).Error("job could not be run")
	}
}

// Register stores a new uploaded job. It is not queued until Enqueue.
func (wp *WorkerPool) Register(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.JobStatusUploaded {
		return fmt.Errorf("%w: new job %s is %s", domain.ErrInvalidTransition, job.ID, job.Status)
	}
	if _, err := wp.store.GetJob(ctx, job.ID); err == nil {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyExists)
	} else if !IsNotFound(err) {
		return err
	}
	if err := wp.store.SaveJob(ctx, job); err != nil {
		return err
	}
	wp.publish(job.ID, job.Status, 0, "registered")
	wp.log.WithFields(logrus.Fields{"job_id": job.ID, "source": job.Source, "key": logger.SanitizeForLog(job.MediaKey)}).Info("job registered")
	return nil
}

// Analysis returns the persisted analysis of a completed job.
func (wp *WorkerPool) Analysis(ctx context.Context, jobID string) (*domain.SynthesizedAnalysis, error) {
	return wp.store.GetAnalysis(ctx, jobID)
}

// Enqueue queues an uploaded job. A job already in flight is left alone and
// domain.ErrAlreadyInFlight is returned.
func (wp *WorkerPool) Enqueue(ctx context.Context, jobID string, priority int) error {
	job, err := wp.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if wp.queue.IsInFlight(jobID) {
		return domain.ErrAlreadyInFlight
	}
	if job.Status != domain.JobStatusUploaded {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	if err := wp.queue.Add(jobID, priority); err != nil {
		return err
	}
	wp.log.WithFields(logrus.Fields{"job_id": jobID, "priority": priority}).Info("job enqueued")
	return nil
}

// Cancel removes a queued job or signals a running one. A running job stops
// at its next phase boundary and returns to uploaded.
func (wp *WorkerPool) Cancel(jobID string) (CancelResult, error) {
	if wp.queue.Remove(jobID) {
		wp.log.WithField("job_id", jobID).Info("queued job cancelled")
		return CancelRemoved, nil
	}

	wp.mu.Lock()
	token, ok := wp.tokens[jobID]
	if !ok && wp.queue.IsInFlight(jobID) {
		// Dispatched but not yet registered by its worker.
		token = &CancelToken{}
		wp.tokens[jobID] = token
		ok = true
	}
	wp.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s is not queued or running: %w", jobID, domain.ErrNotFound)
	}
	token.Cancel()
	wp.log.WithField("job_id", jobID).Info("cancellation requested")
	return CancelSignalled, nil
}

// Reset moves a finished or stalled job back to uploaded with zero progress
// so it can be enqueued again.
func (wp *WorkerPool) Reset(ctx context.Context, jobID string) error {
	if wp.queue.IsInFlight(jobID) {
		return domain.ErrAlreadyInFlight
	}
	job, err := wp.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusUploaded && job.Progress == 0 {
		return nil
	}
	if job.Status != domain.JobStatusUploaded {
		if err := wp.store.UpdateJobStatus(ctx, jobID, domain.JobStatusUploaded, 0, ""); err != nil {
			return err
		}
	} else if err := wp.resetProgress(ctx, job); err != nil {
		return err
	}
	wp.publish(jobID, domain.JobStatusUploaded, 0, "reset")
	wp.log.WithFields(logrus.Fields{"job_id": jobID, "from": job.Status}).Info("job reset")
	return nil
}

// resetProgress clears the progress of an uploaded job that was stopped
// part way; uploaded cannot transition to itself so the row is rewritten.
func (wp *WorkerPool) resetProgress(ctx context.Context, job *domain.Job) error {
	job.Progress = 0
	job.ErrorMessage = ""
	return wp.store.SaveJob(ctx, job)
}

func (wp *WorkerPool) QueueStatus() domain.QueueStatus {
	return wp.queue.Status()
}

func (wp *WorkerPool) JobStatus(ctx context.Context, jobID string) (*JobView, error) {
	job, err := wp.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Priority: job.Priority,
		Queued:   wp.queue.IsPending(jobID),
		InFlight: wp.queue.IsInFlight(jobID),
		Error:    job.ErrorMessage,
	}, nil
}

func (wp *WorkerPool) publish(jobID string, status domain.JobStatus, progress int, msg string) {
	if wp.events != nil {
		wp.events.Publish(jobID, Event{Type: EventStatus, Status: status, Progress: progress, Message: msg})
	}
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
