package port

import (
	"context"

	"github.com/bnema/coachfeed/internal/domain"
)

// MediaTool wraps the subprocess media tooling. All paths are local files.
type MediaTool interface {
	Probe(ctx context.Context, inputPath string) (*domain.ProbeResult, error)
	ExtractSegment(ctx context.Context, inputPath, outputPath string, span domain.ChunkSpan) error
	ExtractAudio(ctx context.Context, videoPath, outputPath string) error
}
