package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/health"
	"github.com/bnema/coachfeed/internal/infrastructure/clock"
	"github.com/bnema/coachfeed/internal/retry"
)

func newTestOrchestrator(a *fakeAnalyzer, parallel bool) *AnalysisOrchestrator {
	return NewAnalysisOrchestrator(a, nil, AnalysisConfig{
		Stages:    DefaultStages(time.Second, time.Second),
		Retry:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Parallel:  parallel,
		QATimeout: time.Second,
	}, nil)
}

func analyzeRequest() AnalyzeRequest {
	return AnalyzeRequest{Transcript: speech, Meta: domain.JobMetadata{JobID: "job-1", ClientName: "Dana"}}
}

func TestAnalyze_AllStagesSucceed(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		a := &fakeAnalyzer{}
		got, err := newTestOrchestrator(a, parallel).Analyze(context.Background(), analyzeRequest())
		require.NoError(t, err)

		assert.Equal(t, "Coach held focus on the client's goal.", got.Summary)
		assert.Len(t, got.Insights, 1)
		require.NotNil(t, got.Communication)
		assert.Equal(t, "warm", got.Communication.Tone)
		assert.Len(t, got.Stages, 3)
		assert.Empty(t, got.GapsRemaining)
		assert.Empty(t, a.fills, "nothing to fill")
		assert.Equal(t, len([]rune(speech)), got.TranscriptChars)
		assert.False(t, got.GeneratedAt.IsZero())
	}
}

func TestAnalyze_PrimaryFailureIsFatal(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
			if kind == domain.StageBehavioral {
				return domain.StageResult{}, temporaryErr{msg: "model overloaded", temp: true}
			}
			return completeStage(kind), nil
		}}

		got, err := newTestOrchestrator(a, parallel).Analyze(context.Background(), analyzeRequest())

		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrPrimaryStageFailed)
		assert.Equal(t, domain.ErrorKindPrimaryStage, domain.Classify(err))
		assert.Equal(t, 3, a.stageCalls(domain.StageBehavioral), "primary gets its full retry budget")
	}
}

func TestAnalyze_SecondaryFailureIsOmitted(t *testing.T) {
	a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
		if kind == domain.StageResearch {
			return domain.StageResult{}, errors.New("malformed JSON from model")
		}
		return completeStage(kind), nil
	}}

	got, err := newTestOrchestrator(a, true).Analyze(context.Background(), analyzeRequest())
	require.NoError(t, err)

	assert.Empty(t, got.Insights)
	assert.NotContains(t, got.GapsRemaining, domain.SectionInsights, "sections of failed stages are not expected")
	assert.Equal(t, 3, a.stageCalls(domain.StageResearch))

	var research domain.StageOutcome
	for _, s := range got.Stages {
		if s.Kind == domain.StageResearch {
			research = s
		}
	}
	assert.False(t, research.OK)
	assert.False(t, research.Primary)
	assert.Contains(t, research.Error, "malformed JSON")
}

func TestAnalyze_ParallelStagesOverlap(t *testing.T) {
	a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
		time.Sleep(30 * time.Millisecond)
		return completeStage(kind), nil
	}}

	_, err := newTestOrchestrator(a, true).Analyze(context.Background(), analyzeRequest())
	require.NoError(t, err)

	assert.Greater(t, a.maxSeen, 1)
}

func TestAnalyze_SequentialStagesDoNotOverlap(t *testing.T) {
	a := &fakeAnalyzer{}

	_, err := newTestOrchestrator(a, false).Analyze(context.Background(), analyzeRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, a.maxSeen)
	assert.Equal(t, []domain.StageKind{domain.StageBehavioral, domain.StageResearch, domain.StageCommunication}, a.stages)
}

func TestAnalyze_QualityPassFillsGaps(t *testing.T) {
	a := &fakeAnalyzer{
		stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
			r := completeStage(kind)
			if kind == domain.StageBehavioral {
				r.Behavioral.Strengths = nil
				r.Behavioral.Patterns = nil
			}
			return r, nil
		},
		fill: func(ctx context.Context, section domain.Section) (json.RawMessage, error) {
			switch section {
			case domain.SectionStrengths:
				return json.RawMessage(`["clear contracting at the start"]`), nil
			default:
				return json.RawMessage(`[]`), nil
			}
		},
	}

	got, err := newTestOrchestrator(a, false).Analyze(context.Background(), analyzeRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"clear contracting at the start"}, got.Strengths)
	assert.Equal(t, []domain.Section{domain.SectionStrengths}, got.GapsFilled)
	assert.Equal(t, []domain.Section{domain.SectionPatterns}, got.GapsRemaining)
	assert.Empty(t, got.Patterns, "nothing is invented for a section the provider left empty")
	assert.ElementsMatch(t, []domain.Section{domain.SectionStrengths, domain.SectionPatterns}, a.fills)
}

func TestAnalyze_QualityPassFailureDoesNotFailJob(t *testing.T) {
	a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
		r := completeStage(kind)
		if kind == domain.StageBehavioral {
			r.Behavioral.Summary = ""
		}
		return r, nil
	}}

	got, err := newTestOrchestrator(a, false).Analyze(context.Background(), analyzeRequest())
	require.NoError(t, err)

	assert.Equal(t, []domain.Section{domain.SectionSummary}, got.GapsRemaining)
	assert.Len(t, a.fills, 1, "one request per missing section")
}

func TestAnalyze_OpenCircuitSkipsStages(t *testing.T) {
	a := &fakeAnalyzer{}
	monitor := health.NewMonitor(1, time.Hour, nil)
	monitor.RecordFailure("fake-llm", "down")
	o := NewAnalysisOrchestrator(a, monitor, AnalysisConfig{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}}, nil)

	_, err := o.Analyze(context.Background(), analyzeRequest())

	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.ErrorIs(t, err, domain.ErrPrimaryStageFailed)
	assert.Empty(t, a.stages)
}

func TestAnalyze_CheckpointBetweenStages(t *testing.T) {
	var token CancelToken
	a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
		token.Cancel()
		return completeStage(kind), nil
	}}
	req := analyzeRequest()
	req.Checkpoint = token.Checkpoint

	_, err := newTestOrchestrator(a, false).Analyze(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Len(t, a.stages, 1)
}

func TestAnalyze_ReportsProgress(t *testing.T) {
	ch := make(chan Progress, 16)
	req := analyzeRequest()
	req.Progress = ch

	_, err := newTestOrchestrator(&fakeAnalyzer{}, true).Analyze(context.Background(), req)
	require.NoError(t, err)
	close(ch)

	var analyze, qa int
	for p := range ch {
		switch p.Phase {
		case PhaseAnalyze:
			analyze++
			assert.Equal(t, 3, p.Total)
		case PhaseQA:
			qa++
		}
	}
	assert.Equal(t, 3, analyze)
	assert.Equal(t, 1, qa)
}

func TestAnalyze_CancelledRecoveryCallReleasesCircuit(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		clk := clock.NewManaged(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
		monitor := health.NewMonitor(1, time.Minute, clk)
		monitor.RecordFailure("fake-llm", "502")
		clk.Advance(2 * time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
			cancel()
			return domain.StageResult{}, ctx.Err()
		}}
		o := NewAnalysisOrchestrator(a, monitor, AnalysisConfig{
			Stages:   []StageSpec{{Kind: domain.StageBehavioral, Primary: true, Timeout: time.Second}},
			Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			Parallel: parallel,
		}, nil)

		_, err := o.Analyze(ctx, analyzeRequest())

		assert.ErrorIs(t, err, context.Canceled, "parallel=%v", parallel)
		assert.Equal(t, 1, a.stageCalls(domain.StageBehavioral))
		assert.True(t, monitor.CanCall("fake-llm"), "parallel=%v", parallel)
	}
}

func TestAnalyze_StagePanicBecomesStageFailure(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		a := &fakeAnalyzer{stage: func(ctx context.Context, kind domain.StageKind) (domain.StageResult, error) {
			if kind == domain.StageCommunication {
				panic("unexpected tone payload")
			}
			return completeStage(kind), nil
		}}

		got, err := newTestOrchestrator(a, parallel).Analyze(context.Background(), analyzeRequest())
		require.NoError(t, err)

		assert.Nil(t, got.Communication)
		var communication domain.StageOutcome
		for _, s := range got.Stages {
			if s.Kind == domain.StageCommunication {
				communication = s
			}
		}
		assert.False(t, communication.OK)
		assert.Contains(t, communication.Error, "panic in stage communication")
		assert.Equal(t, 1, a.stageCalls(domain.StageCommunication), "a panic is not retried")
	}
}
