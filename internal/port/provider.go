package port

import (
	"context"
	"encoding/json"

	"github.com/bnema/coachfeed/internal/domain"
)

type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

type Analyzer interface {
	Name() string
	RunStage(ctx context.Context, kind domain.StageKind, transcript string, meta domain.JobMetadata) (domain.StageResult, error)
	// FillSection asks for a single missing section given the partial analysis.
	FillSection(ctx context.Context, section domain.Section, transcript string, partial *domain.SynthesizedAnalysis) (json.RawMessage, error)
}
