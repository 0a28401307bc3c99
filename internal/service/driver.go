package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
)

// Progress milestones within the processing status.
const (
	progressStarted          = 5
	progressLocated          = 10
	progressTranscribeEnd    = 60
	progressAnalysisStarted  = 65
	progressAnalysisEnd      = 90
	progressQualityAssurance = 95
	progressCompleted        = 100

	progressBuffer = 8
)

type mediaLocator interface {
	Locate(ctx context.Context, job *domain.Job) (*domain.MediaLocation, error)
}

type transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error)
}

type analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*domain.SynthesizedAnalysis, error)
}

// Driver runs one job through locate, transcribe and analyze. It is the only
// writer of a job's status while the job is in flight.
type Driver struct {
	store       port.JobStore
	locator     mediaLocator
	transcriber transcriber
	analyzer    analyzer
	events      EventPublisher
	log         *logrus.Entry
}

func NewDriver(store port.JobStore, locator mediaLocator, transcriber transcriber, analyzer analyzer, events EventPublisher, log *logrus.Entry) *Driver {
	if log == nil {
		log = logger.Discard()
	}
	return &Driver{
		store:       store,
		locator:     locator,
		transcriber: transcriber,
		analyzer:    analyzer,
		events:      events,
		log:         log,
	}
}

// execution is the mutable state of one Driver run.
type execution struct {
	job      *domain.Job
	phase    string
	progress int
	token    *CancelToken
	log      *logrus.Entry
}

// Run processes jobID and returns the status the job ended in. Every outcome
// is written to the store; the returned error is the cause for anything but
// completed.
func (d *Driver) Run(ctx context.Context, jobID string, token *CancelToken) (status domain.JobStatus, err error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != domain.JobStatusUploaded {
		return job.Status, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}

	ex := &execution{
		job:      job,
		phase:    "start",
		progress: job.Progress,
		token:    token,
		log:      d.log.WithField("job_id", job.ID),
	}

	defer func() {
		if r := recover(); r != nil {
			ex.log.WithFields(logrus.Fields{"phase": ex.phase, "panic": r, "stack": string(debug.Stack())}).Error("pipeline panicked")
			err = domain.NewPipelineError(domain.ErrorKindSystem, ex.phase, "panic", fmt.Errorf("%v", r))
			status = d.finish(ctx, ex, err)
		}
	}()

	err = d.execute(ctx, ex)
	return d.finish(ctx, ex, err), err
}

func (d *Driver) execute(ctx context.Context, ex *execution) error {
	started := time.Now()
	if err := d.setStatus(ctx, ex, domain.JobStatusProcessing, progressStarted, ""); err != nil {
		return err
	}
	ex.log.WithFields(logrus.Fields{"priority": ex.job.Priority, "source": ex.job.Source}).Info("processing started")

	ex.phase = phaseLocate
	loc, err := d.locator.Locate(ctx, ex.job)
	if err != nil {
		return err
	}
	defer func() {
		if err := loc.Release(); err != nil {
			ex.log.WithError(err).Warn("release media location")
		}
	}()
	ex.log.WithFields(logrus.Fields{"provenance": loc.Provenance, "key": logger.SanitizeForLog(loc.Key)}).Info("media located")
	if err := d.boundary(ctx, ex, progressLocated); err != nil {
		return err
	}

	ex.phase = string(PhaseTranscribe)
	var transcript *Transcript
	err = d.withProgress(ctx, ex, func(ch chan<- Progress) error {
		var err error
		transcript, err = d.transcriber.Transcribe(ctx, TranscribeRequest{
			JobID:      ex.job.ID,
			Path:       loc.Path,
			Progress:   ch,
			Checkpoint: ex.token.Checkpoint,
		})
		return err
	})
	if err != nil {
		return err
	}
	ex.log.WithFields(logrus.Fields{"chunks": transcript.Chunks, "chars": len(transcript.Text), "duration": domain.FormatDuration(transcript.DurationSeconds)}).Info("transcription finished")
	if err := d.boundary(ctx, ex, progressAnalysisStarted); err != nil {
		return err
	}

	ex.phase = string(PhaseAnalyze)
	var analysis *domain.SynthesizedAnalysis
	err = d.withProgress(ctx, ex, func(ch chan<- Progress) error {
		var err error
		analysis, err = d.analyzer.Analyze(ctx, AnalyzeRequest{
			Transcript: transcript.Text,
			Meta:       ex.job.Metadata(),
			Progress:   ch,
			Checkpoint: ex.token.Checkpoint,
		})
		return err
	})
	if err != nil {
		return err
	}
	if err := d.boundary(ctx, ex, progressQualityAssurance); err != nil {
		return err
	}

	ex.phase = "persist"
	analysis.DurationSeconds = transcript.DurationSeconds
	if err := d.store.PersistAnalysis(ctx, ex.job.ID, analysis); err != nil {
		return domain.NewPipelineError(domain.ErrorKindSystem, ex.phase, "persist analysis", err)
	}
	ex.log.WithFields(logrus.Fields{
		"gaps_filled":    len(analysis.GapsFilled),
		"gaps_remaining": len(analysis.GapsRemaining),
		"elapsed":        time.Since(started).Round(time.Second),
	}).Info("analysis persisted")
	return nil
}

// boundary checks for cancellation and records progress between phases.
func (d *Driver) boundary(ctx context.Context, ex *execution, progress int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ex.token.Checkpoint(); err != nil {
		return err
	}
	return d.setStatus(ctx, ex, domain.JobStatusProcessing, progress, "")
}

// withProgress gives fn a channel and turns what it reports into stored
// progress. The consumer finishes before withProgress returns so status
// writes for a job never overlap.
func (d *Driver) withProgress(ctx context.Context, ex *execution, fn func(chan<- Progress) error) error {
	ch := make(chan Progress, progressBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			pct := phasePercent(p)
			if pct <= ex.progress {
				continue
			}
			if err := d.setStatus(ctx, ex, domain.JobStatusProcessing, pct, ""); err != nil {
				ex.log.WithError(err).Warn("record progress")
			}
		}
	}()

	defer func() {
		close(ch)
		<-done
	}()
	return fn(ch)
}

func phasePercent(p Progress) int {
	if p.Total <= 0 {
		return 0
	}
	var lo, hi int
	switch p.Phase {
	case PhaseTranscribe:
		lo, hi = progressLocated, progressTranscribeEnd
	case PhaseAnalyze:
		lo, hi = progressAnalysisStarted, progressAnalysisEnd
	case PhaseQA:
		lo, hi = progressAnalysisEnd, progressQualityAssurance
	default:
		return 0
	}
	return lo + (hi-lo)*min(p.Done, p.Total)/p.Total
}

// finish writes the terminal outcome. It uses a context detached from
// cancellation so a shutdown still records where the job stopped.
func (d *Driver) finish(ctx context.Context, ex *execution, err error) domain.JobStatus {
	wctx := context.WithoutCancel(ctx)
	status, msg := outcome(ctx, err)
	if ex.job.Status == domain.JobStatusUploaded {
		// Never reached processing; nothing to record.
		ex.log.WithError(err).Error("job could not be started")
		return domain.JobStatusUploaded
	}

	progress := ex.progress
	if status == domain.JobStatusCompleted {
		progress = progressCompleted
	}

	if werr := d.setStatus(wctx, ex, status, progress, msg); werr != nil {
		ex.log.WithError(werr).WithField("status", status).Error("record final status")
	}

	entry := ex.log.WithFields(logrus.Fields{"status": status, "phase": ex.phase, "progress": progress})
	switch status {
	case domain.JobStatusCompleted:
		entry.Info("job completed")
	case domain.JobStatusUploaded:
		entry.Info("job stopped and returned to uploaded")
	default:
		entry.WithField("kind", domain.Classify(err)).WithError(err).Error("job failed")
	}
	return status
}

// outcome maps a pipeline error onto the job status it ends in.
func outcome(ctx context.Context, err error) (domain.JobStatus, string) {
	switch {
	case err == nil:
		return domain.JobStatusCompleted, ""
	case errors.Is(err, domain.ErrCancelled):
		return domain.JobStatusUploaded, "cancelled"
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return domain.JobStatusUploaded, "interrupted"
	case domain.Classify(err) == domain.ErrorKindResourceUnavailable:
		return domain.JobStatusFileMissing, logger.Preview(err.Error(), 500)
	default:
		return domain.JobStatusFailed, logger.Preview(err.Error(), 500)
	}
}

func (d *Driver) setStatus(ctx context.Context, ex *execution, status domain.JobStatus, progress int, msg string) error {
	progress = domain.ClampProgress(progress)
	if err := d.store.UpdateJobStatus(ctx, ex.job.ID, status, progress, msg); err != nil {
		return fmt.Errorf("update job %s to %s: %w", ex.job.ID, status, err)
	}
	prev := ex.job.Status
	ex.job.Status = status
	ex.progress = progress

	if d.events != nil {
		typ := EventProgress
		if prev != status {
			typ = EventStatus
		}
		d.events.Publish(ex.job.ID, Event{Type: typ, Status: status, Progress: progress, Message: msg})
	}
	return nil
}
