package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/health"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
	"github.com/bnema/coachfeed/internal/retry"
)

type TranscriptionConfig struct {
	Chunking    domain.ChunkPolicy
	Retry       retry.Policy
	CallTimeout time.Duration
	// Concurrency above 1 transcribes chunks in parallel; text order is kept.
	Concurrency int
	MinChars    int
	WorkDir     string
}

type TranscribeRequest struct {
	JobID      string
	Path       string
	Progress   chan<- Progress
	Checkpoint func() error
}

type Transcript struct {
	Text            string
	DurationSeconds float64
	Chunks          int
}

// TranscriptionEngine turns an audio file into text, splitting files above
// the size ceiling into chunks that are transcribed independently.
type TranscriptionEngine struct {
	provider port.Transcriber
	tool     port.MediaTool
	monitor  *health.Monitor
	cfg      TranscriptionConfig
	log      *logrus.Entry
}

func NewTranscriptionEngine(provider port.Transcriber, tool port.MediaTool, monitor *health.Monitor, cfg TranscriptionConfig, log *logrus.Entry) *TranscriptionEngine {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Chunking.CeilingBytes <= 0 {
		cfg.Chunking = domain.DefaultChunkPolicy()
	}
	return &TranscriptionEngine{provider: provider, tool: tool, monitor: monitor, cfg: cfg, log: log}
}

func (e *TranscriptionEngine) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	log := e.log.WithField("job_id", req.JobID)

	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrorKindResourceUnavailable, string(PhaseTranscribe), "stat audio", errors.Join(domain.ErrMediaNotFound, err))
	}
	size := info.Size()

	var duration float64
	probe, probeErr := e.tool.Probe(ctx, req.Path)
	if probeErr == nil {
		duration = probe.DurationSeconds()
	}

	var tr *Transcript
	if !e.cfg.Chunking.NeedsChunking(size) {
		log.WithField("size", humanize.Bytes(uint64(size))).Info("transcribing in a single call")
		if probeErr != nil {
			log.WithError(probeErr).Warn("duration probe failed")
		}
		text, err := e.transcribeFile(ctx, req.Path, "whole file", log)
		if err != nil {
			return nil, err
		}
		send(ctx, req.Progress, Progress{Phase: PhaseTranscribe, Done: 1, Total: 1})
		tr = &Transcript{Text: domain.JoinTranscripts([]string{text}), DurationSeconds: duration, Chunks: 1}
	} else {
		if probeErr != nil {
			return nil, domain.NewPipelineError(domain.ErrorKindSystem, string(PhaseTranscribe), "probe duration for chunking", probeErr)
		}
		tr, err = e.transcribeChunked(ctx, req, size, duration, log)
		if err != nil {
			return nil, err
		}
	}

	if err := domain.ValidateTranscript(tr.Text, e.cfg.MinChars); err != nil {
		return nil, domain.NewPipelineError(domain.ErrorKindInvalidOutput, string(PhaseTranscribe),
			fmt.Sprintf("reassembled transcript has %d chars", len([]rune(tr.Text))), err)
	}
	return tr, nil
}

func (e *TranscriptionEngine) transcribeChunked(ctx context.Context, req TranscribeRequest, size int64, duration float64, log *logrus.Entry) (*Transcript, error) {
	spans, err := e.cfg.Chunking.PlanChunks(size, duration)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrorKindSystem, string(PhaseTranscribe), "plan chunks", err)
	}
	log.WithFields(logrus.Fields{
		"size":     humanize.Bytes(uint64(size)),
		"duration": domain.FormatDuration(duration),
		"chunks":   len(spans),
	}).Info("transcribing in chunks")

	dir := filepath.Join(e.cfg.WorkDir, attemptName(req.JobID, "chunks"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewPipelineError(domain.ErrorKindSystem, string(PhaseTranscribe), "create chunk dir", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).Error("remove chunk dir")
		}
	}()

	texts := make([]string, len(spans))
	var done atomic.Int32

	runChunk := func(ctx context.Context, span domain.ChunkSpan) error {
		text, err := e.transcribeChunk(ctx, req.Path, dir, span, log)
		if err != nil {
			return err
		}
		texts[span.Index] = text
		n := int(done.Add(1))
		send(ctx, req.Progress, Progress{Phase: PhaseTranscribe, Done: n, Total: len(spans), Detail: span.String()})
		return checkpoint(req.Checkpoint)
	}

	if e.cfg.Concurrency <= 1 {
		for _, span := range spans {
			if err := runChunk(ctx, span); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, span := range spans {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						log.WithFields(logrus.Fields{"chunk": span.Index, "panic": r, "stack": string(debug.Stack())}).Error("chunk panicked")
						err = recovered(PhaseTranscribe, span.String(), r)
					}
				}()
				return runChunk(gctx, span)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var total float64
	for _, s := range spans {
		total += s.Duration
	}
	return &Transcript{Text: domain.JoinTranscripts(texts), DurationSeconds: total, Chunks: len(spans)}, nil
}

// transcribeChunk extracts one span and transcribes it. The chunk file is
// removed as soon as the call finishes, whatever the outcome.
func (e *TranscriptionEngine) transcribeChunk(ctx context.Context, src, dir string, span domain.ChunkSpan, log *logrus.Entry) (string, error) {
	chunk := domain.AudioChunk{Span: span, Path: filepath.Join(dir, fmt.Sprintf("chunk-%03d.mp3", span.Index))}
	defer os.Remove(chunk.Path)

	if err := e.tool.ExtractSegment(ctx, src, chunk.Path, span); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.NewPipelineError(domain.ErrorKindSystem, string(PhaseTranscribe), "extract "+span.String(), err)
	}
	if info, err := os.Stat(chunk.Path); err == nil {
		chunk.Size = info.Size()
	}
	if chunk.Size > e.cfg.Chunking.CeilingBytes {
		log.WithFields(logrus.Fields{"chunk": span.Index, "size": humanize.Bytes(uint64(chunk.Size))}).Warn("chunk exceeds size ceiling")
	}

	return e.transcribeFile(ctx, chunk.Path, span.String(), log)
}

type temporary interface {
	Temporary() bool
}

func retryable(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// transcribeFile runs one provider call per attempt, gated by the circuit
// breaker. Degenerate output is retried but not counted against the provider.
func (e *TranscriptionEngine) transcribeFile(ctx context.Context, path, label string, log *logrus.Entry) (string, error) {
	name := e.provider.Name()
	var text string
	var last domain.TranscriptionAttempt

	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context, attempt int) error {
		ticket, ok := e.monitor.Begin(name)
		if !ok {
			return retry.Permanent(domain.ErrCircuitOpen)
		}
		defer ticket.Abandon()

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		start := time.Now()
		out, err := e.provider.Transcribe(callCtx, path)
		last = domain.TranscriptionAttempt{Number: attempt, Text: out, Err: err, Elapsed: time.Since(start)}

		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			ticket.Failure(logger.Preview(err.Error(), 200))
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		ticket.Success()

		if err := domain.ValidateChunkTranscript(out); err != nil {
			last.Err = err
			log.WithFields(logrus.Fields{"target": label, "attempt": attempt, "preview": logger.Preview(out, 80)}).Warn("rejected transcript")
			return err
		}
		text = out
		return nil
	}, retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"target": label, "attempt": attempt, "wait": wait}).WithError(err).Warn("transcription attempt failed")
	}))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", err
		}
		kind := domain.ErrorKindTransient
		if errors.Is(err, domain.ErrDegenerateTranscript) || errors.Is(err, domain.ErrTranscriptTooShort) {
			kind = domain.ErrorKindInvalidOutput
		}
		return "", domain.NewPipelineError(kind, string(PhaseTranscribe),
			fmt.Sprintf("%s failed after %d attempts", label, last.Number), err)
	}

	log.WithFields(logrus.Fields{"target": label, "attempt": last.Number, "elapsed": last.Elapsed.Round(time.Millisecond)}).Debug("transcribed")
	return text, nil
}
