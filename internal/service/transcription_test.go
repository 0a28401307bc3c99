package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/coachfeed/internal/adapter/provider"
	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/health"
	"github.com/bnema/coachfeed/internal/infrastructure/clock"
	"github.com/bnema/coachfeed/internal/retry"
)

const mb = 1024 * 1024

type transcriptionFixture struct {
	engine   *TranscriptionEngine
	provider *fakeTranscriber
	tool     *fakeTool
	monitor  *health.Monitor
	workDir  string
	audio    string
}

func newTranscriptionFixture(t *testing.T, size int64, concurrency int) *transcriptionFixture {
	t.Helper()
	root := t.TempDir()
	f := &transcriptionFixture{
		provider: &fakeTranscriber{},
		tool:     &fakeTool{duration: 3600},
		monitor:  health.NewMonitor(10, time.Minute, nil),
		workDir:  filepath.Join(root, "work"),
		audio:    filepath.Join(root, "session.mp3"),
	}
	writeMedia(t, f.audio, size)
	f.engine = NewTranscriptionEngine(f.provider, f.tool, f.monitor, TranscriptionConfig{
		Chunking:    domain.DefaultChunkPolicy(),
		Retry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Concurrency: concurrency,
		WorkDir:     f.workDir,
	}, nil)
	return f
}

func (f *transcriptionFixture) run(ctx context.Context, checkpoint func() error) (*Transcript, error) {
	return f.engine.Transcribe(ctx, TranscribeRequest{JobID: "job-1", Path: f.audio, Checkpoint: checkpoint})
}

func (f *transcriptionFixture) assertNoChunksLeft(t *testing.T) {
	t.Helper()
	for _, p := range f.tool.chunkOutputs() {
		assert.NoFileExists(t, p)
	}
	entries, err := os.ReadDir(f.workDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

// chunkIndex reads the span index back out of a chunk file name.
func chunkIndex(p string) int {
	var i int
	fmt.Sscanf(filepath.Base(p), "chunk-%03d.mp3", &i)
	return i
}

func seqInts(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestTranscribe_SmallFileSingleCall(t *testing.T) {
	f := newTranscriptionFixture(t, 5*mb, 1)

	tr, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.callCount())
	assert.Equal(t, []string{f.audio}, f.provider.paths)
	assert.Empty(t, f.tool.spans, "no chunk extraction under the ceiling")
	assert.Equal(t, speech, tr.Text)
	assert.Equal(t, 1, tr.Chunks)
	assert.InDelta(t, 3600, tr.DurationSeconds, 0.01)
}

func TestTranscribe_OversizedFileIsChunked(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 1)

	tr, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, tr.Chunks, 7)
	assert.Equal(t, tr.Chunks, f.provider.callCount())
	require.Len(t, f.tool.spans, tr.Chunks)

	var covered float64
	for i, span := range f.tool.spans {
		assert.Equal(t, i, span.Index)
		assert.InDelta(t, covered, span.Start, 0.001, "spans are contiguous")
		covered += span.Duration
	}
	assert.InDelta(t, 3600, covered, 0.001)
	f.assertNoChunksLeft(t)
}

func TestTranscribe_ChunkOrderSurvivesConcurrency(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 4)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		i := chunkIndex(p)
		// Later chunks finish first.
		time.Sleep(time.Duration(10-i) * 3 * time.Millisecond)
		return fmt.Sprintf("segment %d of the coaching conversation", i), nil
	}

	tr, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	parts := make([]string, tr.Chunks)
	for i := range parts {
		parts[i] = fmt.Sprintf("segment %d of the coaching conversation", i)
	}
	assert.Equal(t, strings.Join(parts, " "), tr.Text)
	f.assertNoChunksLeft(t)
}

func TestTranscribe_DegenerateOutputIsRetried(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		if call == 1 {
			return "you you you you", nil
		}
		return speech, nil
	}

	tr, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, f.provider.callCount())
	assert.Equal(t, speech, tr.Text)
	assert.Equal(t, 0, f.monitor.State("fake-whisper").Failures, "the provider answered, so the breaker is not charged")
}

func TestTranscribe_PersistentDegenerateOutputFails(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 1)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		return "you you you you", nil
	}

	_, err := f.run(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDegenerateTranscript)
	assert.Equal(t, domain.ErrorKindInvalidOutput, domain.Classify(err))
	assert.Equal(t, 3, f.provider.callCount(), "one chunk, full retry budget")
	f.assertNoChunksLeft(t)
}

func TestTranscribe_NonTemporaryErrorNotRetried(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		return "", temporaryErr{msg: "400 unsupported format", temp: false}
	}

	_, err := f.run(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, 1, f.provider.callCount())
	assert.Equal(t, domain.ErrorKindTransient, domain.Classify(err))
}

func TestTranscribe_CircuitOpenStopsCalls(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	f.engine.monitor = health.NewMonitor(1, time.Hour, nil)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		return "", temporaryErr{msg: "502 bad gateway", temp: true}
	}

	_, err := f.run(context.Background(), nil)

	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestTranscribe_ShortTranscriptRejected(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		return "Hello there.", nil
	}

	_, err := f.run(context.Background(), nil)

	assert.ErrorIs(t, err, domain.ErrTranscriptTooShort)
	assert.Equal(t, domain.ErrorKindInvalidOutput, domain.Classify(err))
}

func TestTranscribe_ExtractionFailureCleansUp(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 1)
	f.tool.extractErr = fmt.Errorf("ffmpeg exited 1")

	_, err := f.run(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, 0, f.provider.callCount())
	f.assertNoChunksLeft(t)
}

func TestTranscribe_CheckpointStopsBetweenChunks(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 1)
	var token CancelToken
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		token.Cancel()
		return speech, nil
	}

	_, err := f.run(context.Background(), token.Checkpoint)

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 1, f.provider.callCount())
	f.assertNoChunksLeft(t)
}

func TestTranscribe_ReportsChunkProgress(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 2)
	ch := make(chan Progress, 32)

	tr, err := f.engine.Transcribe(context.Background(), TranscribeRequest{JobID: "job-1", Path: f.audio, Progress: ch})
	require.NoError(t, err)
	close(ch)

	var seen []int
	for p := range ch {
		assert.Equal(t, PhaseTranscribe, p.Phase)
		assert.Equal(t, tr.Chunks, p.Total)
		seen = append(seen, p.Done)
	}
	require.Len(t, seen, tr.Chunks)
	assert.ElementsMatch(t, seen, seqInts(1, tr.Chunks))
}

func TestTranscribe_MissingFile(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	require.NoError(t, os.Remove(f.audio))

	_, err := f.run(context.Background(), nil)

	assert.ErrorIs(t, err, domain.ErrMediaNotFound)
	assert.Equal(t, domain.ErrorKindResourceUnavailable, domain.Classify(err))
}

func TestTranscribe_ConcurrentChunksRespectLimit(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 2)
	var running, peak atomic.Int32
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return speech, nil
	}

	_, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTranscribe_ChunkPanicFailsJob(t *testing.T) {
	f := newTranscriptionFixture(t, 150*mb, 2)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		if chunkIndex(p) == 3 {
			panic("decoder state corrupted")
		}
		return speech, nil
	}

	_, err := f.run(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindSystem, domain.Classify(err))
	assert.Contains(t, err.Error(), "decoder state corrupted")
	f.assertNoChunksLeft(t)
}

func TestTranscribe_CancelledRecoveryCallReleasesCircuit(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	clk := clock.NewManaged(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	f.engine.monitor = health.NewMonitor(1, time.Minute, clk)
	f.engine.monitor.RecordFailure("fake-whisper", "502")
	clk.Advance(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		cancel()
		return "", ctx.Err()
	}

	_, err := f.run(ctx, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.engine.monitor.CanCall("fake-whisper"))
}

func TestTranscribe_DroppedConnectionIsRetried(t *testing.T) {
	f := newTranscriptionFixture(t, mb, 1)
	f.provider.fn = func(ctx context.Context, p string, call int) (string, error) {
		if call == 1 {
			return "", provider.Transport("fake-whisper", &url.Error{Op: "Post", URL: "http://whisper.local", Err: syscall.ECONNRESET})
		}
		return speech, nil
	}

	tr, err := f.run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, speech, tr.Text)
	assert.Equal(t, 2, f.provider.callCount())
}
