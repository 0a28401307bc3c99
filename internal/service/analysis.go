package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/health"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
	"github.com/bnema/coachfeed/internal/retry"
)

type StageSpec struct {
	Kind    domain.StageKind
	Primary bool
	Timeout time.Duration
}

// DefaultStages is the behavioural pass as primary plus two secondary passes.
func DefaultStages(primaryTimeout, secondaryTimeout time.Duration) []StageSpec {
	return []StageSpec{
		{Kind: domain.StageBehavioral, Primary: true, Timeout: primaryTimeout},
		{Kind: domain.StageResearch, Timeout: secondaryTimeout},
		{Kind: domain.StageCommunication, Timeout: secondaryTimeout},
	}
}

type AnalysisConfig struct {
	Stages    []StageSpec
	Retry     retry.Policy
	Parallel  bool
	QATimeout time.Duration
}

type AnalyzeRequest struct {
	Transcript string
	Meta       domain.JobMetadata
	Progress   chan<- Progress
	Checkpoint func() error
}

// AnalysisOrchestrator runs the configured stages against one transcript,
// synthesizes their results and fills empty sections with one re-query each.
type AnalysisOrchestrator struct {
	analyzer port.Analyzer
	monitor  *health.Monitor
	cfg      AnalysisConfig
	log      *logrus.Entry
}

func NewAnalysisOrchestrator(analyzer port.Analyzer, monitor *health.Monitor, cfg AnalysisConfig, log *logrus.Entry) *AnalysisOrchestrator {
	if log == nil {
		log = logger.Discard()
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages(300*time.Second, 90*time.Second)
	}
	if cfg.QATimeout <= 0 {
		cfg.QATimeout = 60 * time.Second
	}
	return &AnalysisOrchestrator{analyzer: analyzer, monitor: monitor, cfg: cfg, log: log}
}

// Analyze fails only when a primary stage fails. Secondary failures are left
// out of the synthesis and recorded in its stage outcomes.
func (o *AnalysisOrchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (*domain.SynthesizedAnalysis, error) {
	log := o.log.WithField("job_id", req.Meta.JobID)
	results := make([]domain.StageResult, len(o.cfg.Stages))
	total := len(o.cfg.Stages)

	if o.cfg.Parallel {
		var done int
		progress := make(chan string, total)
		g, gctx := errgroup.WithContext(ctx)
		for i, spec := range o.cfg.Stages {
			g.Go(func() error {
				results[i] = o.runStage(gctx, spec, req, log)
				progress <- string(spec.Kind)
				if spec.Primary && !results[i].OK() {
					return primaryFailure(spec, results[i].Err)
				}
				return nil
			})
		}
		waitErr := make(chan error, 1)
		go func() {
			waitErr <- g.Wait()
			close(progress)
		}()
		for kind := range progress {
			done++
			send(ctx, req.Progress, Progress{Phase: PhaseAnalyze, Done: done, Total: total, Detail: kind})
		}
		if err := <-waitErr; err != nil {
			return nil, err
		}
		if err := checkpoint(req.Checkpoint); err != nil {
			return nil, err
		}
	} else {
		for i, spec := range o.cfg.Stages {
			results[i] = o.runStage(ctx, spec, req, log)
			if spec.Primary && !results[i].OK() {
				return nil, primaryFailure(spec, results[i].Err)
			}
			send(ctx, req.Progress, Progress{Phase: PhaseAnalyze, Done: i + 1, Total: total, Detail: string(spec.Kind)})
			if err := checkpoint(req.Checkpoint); err != nil {
				return nil, err
			}
		}
	}

	analysis := domain.Synthesize(results)
	for i, spec := range o.cfg.Stages {
		r := results[i]
		outcome := domain.StageOutcome{Kind: spec.Kind, Primary: spec.Primary, OK: r.OK(), ElapsedMs: r.Elapsed.Milliseconds()}
		if r.Err != nil {
			outcome.Error = logger.Preview(r.Err.Error(), 300)
		}
		analysis.Stages = append(analysis.Stages, outcome)
	}
	analysis.TranscriptChars = len([]rune(req.Transcript))

	o.fillGaps(ctx, analysis, req.Transcript, log)
	send(ctx, req.Progress, Progress{Phase: PhaseQA, Done: 1, Total: 1})

	analysis.GeneratedAt = time.Now().UTC()
	return analysis, nil
}

func primaryFailure(spec StageSpec, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewPipelineError(domain.ErrorKindPrimaryStage, string(PhaseAnalyze),
		fmt.Sprintf("primary stage %s", spec.Kind), errors.Join(domain.ErrPrimaryStageFailed, err))
}

// runStage never returns an error; a failed or panicking stage is a
// StageResult with Err set.
func (o *AnalysisOrchestrator) runStage(ctx context.Context, spec StageSpec, req AnalyzeRequest, log *logrus.Entry) (out domain.StageResult) {
	name := o.analyzer.Name()
	slog := log.WithFields(logrus.Fields{"stage": spec.Kind, "primary": spec.Primary})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("stage panicked")
			out = domain.StageResult{Kind: spec.Kind, Elapsed: time.Since(start), Err: recovered(PhaseAnalyze, "stage "+string(spec.Kind), r)}
		}
	}()

	var result domain.StageResult
	err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context, attempt int) error {
		ticket, ok := o.monitor.Begin(name)
		if !ok {
			return retry.Permanent(domain.ErrCircuitOpen)
		}
		defer ticket.Abandon()

		callCtx := ctx
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}

		r, err := o.analyzer.RunStage(callCtx, spec.Kind, req.Transcript, req.Meta)
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
		result = r
		return nil
	}, retry.OnRetry(func(attempt int, err error, wait time.Duration) {
		slog.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).WithError(err).Warn("stage attempt failed")
	}))

	elapsed := time.Since(start)
	if err != nil {
		slog.WithError(err).WithField("elapsed", elapsed.Round(time.Millisecond)).Warn("stage failed")
		return domain.StageResult{Kind: spec.Kind, Elapsed: elapsed, Err: err}
	}

	result.Kind = spec.Kind
	result.Elapsed = elapsed
	slog.WithField("elapsed", elapsed.Round(time.Millisecond)).Info("stage completed")
	return result
}

// fillGaps makes one bounded request per missing section. Sections that stay
// empty are recorded as remaining; nothing is invented to fill them.
func (o *AnalysisOrchestrator) fillGaps(ctx context.Context, a *domain.SynthesizedAnalysis, transcript string, log *logrus.Entry) {
	name := o.analyzer.Name()
	for _, section := range a.MissingSections() {
		if ctx.Err() != nil {
			a.GapsRemaining = append(a.GapsRemaining, section)
			continue
		}
		ticket, ok := o.monitor.Begin(name)
		if !ok {
			a.GapsRemaining = append(a.GapsRemaining, section)
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, o.cfg.QATimeout)
		raw, err := o.analyzer.FillSection(qctx, section, transcript, a)
		cancel()

		filled := false
		switch {
		case err != nil && ctx.Err() != nil:
			ticket.Abandon()
		case err != nil:
			ticket.Failure(logger.Preview(err.Error(), 200))
		default:
			ticket.Success()
			filled, err = a.ApplySection(section, raw)
		}

		if filled {
			a.GapsFilled = append(a.GapsFilled, section)
			continue
		}
		a.GapsRemaining = append(a.GapsRemaining, section)
		entry := log.WithField("section", section)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("section still empty after quality pass")
	}
}
