package domain

import (
	"fmt"
	"math"
	"time"
)

// ChunkPolicy bounds chunk size and duration for oversized inputs.
type ChunkPolicy struct {
	CeilingBytes int64
	MinDuration  time.Duration
	MaxDuration  time.Duration
	// SafetyFactor scales the ceiling so estimated sizes stay under it.
	SafetyFactor float64
}

func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		CeilingBytes: 24 * oneMegabyte,
		MinDuration:  2 * time.Minute,
		MaxDuration:  10 * time.Minute,
		SafetyFactor: 0.9,
	}
}

// NeedsChunking reports whether a file of size bytes exceeds the single-call ceiling.
func (p ChunkPolicy) NeedsChunking(size int64) bool {
	return size > p.CeilingBytes
}

// ChunkSpan is one planned time window of the source.
type ChunkSpan struct {
	Index    int
	Start    float64
	Duration float64
}

func (s ChunkSpan) String() string {
	return fmt.Sprintf("chunk %d [%s +%s]", s.Index, FormatDuration(s.Start), FormatDuration(s.Duration))
}

// PlanChunks splits a source of the given byte size and duration into
// contiguous windows whose estimated size stays under the ceiling. Chunk
// duration is clamped to [MinDuration, MaxDuration].
func (p ChunkPolicy) PlanChunks(size int64, durationSeconds float64) ([]ChunkSpan, error) {
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("cannot plan chunks for duration %.2fs", durationSeconds)
	}
	if size <= 0 {
		return nil, fmt.Errorf("cannot plan chunks for size %d", size)
	}

	safety := p.SafetyFactor
	if safety <= 0 || safety > 1 {
		safety = 1
	}
	budget := float64(p.CeilingBytes) * safety
	count := int(math.Ceil(float64(size) / budget))
	count = max(count, 1)

	chunkDur := durationSeconds / float64(count)
	if minDur := p.MinDuration.Seconds(); minDur > 0 && chunkDur < minDur {
		chunkDur = minDur
	}
	if maxDur := p.MaxDuration.Seconds(); maxDur > 0 && chunkDur > maxDur {
		chunkDur = maxDur
	}

	var spans []ChunkSpan
	for start := 0.0; start < durationSeconds; start += chunkDur {
		dur := math.Min(chunkDur, durationSeconds-start)
		// Sub-second tails are merged into the previous window.
		if dur < 1 && len(spans) > 0 {
			spans[len(spans)-1].Duration += dur
			break
		}
		spans = append(spans, ChunkSpan{Index: len(spans), Start: start, Duration: dur})
	}
	return spans, nil
}

// AudioChunk is an extracted slice owned by one transcription pass.
type AudioChunk struct {
	Span ChunkSpan
	Size int64
	Path string
}

// TranscriptionAttempt records one try at transcribing a chunk.
type TranscriptionAttempt struct {
	Number  int
	Text    string
	Err     error
	Elapsed time.Duration
}

func (a TranscriptionAttempt) OK() bool {
	return a.Err == nil
}
