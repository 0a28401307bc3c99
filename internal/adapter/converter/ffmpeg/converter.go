package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
)

var (
	ErrEmptyPath   = errors.New("path is empty")
	ErrInvalidPath = errors.New("path contains invalid characters")
)

const (
	fadeSeconds  = 0.05
	sampleRate   = "16000"
	audioBitrate = "64k"
	stderrTail   = 512
)

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

type commandResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.Bytes(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

// Tool runs ffprobe and ffmpeg as subprocesses.
type Tool struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

func NewTool(ffmpegPath, ffprobePath string) *Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Tool{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: execRunner{}}
}

func (t *Tool) run(ctx context.Context, name string, args ...string) (commandResult, error) {
	res, err := t.runner.Run(ctx, name, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("%s exited %d: %w: %s", name, res.ExitCode, err, tail(res.Stderr))
	}
	return res, nil
}

func (t *Tool) Probe(ctx context.Context, inputPath string) (*domain.ProbeResult, error) {
	if err := validatePath(inputPath); err != nil {
		return nil, err
	}
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}
	res, err := t.run(ctx, t.ffprobePath, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	probe, err := domain.ParseProbe(res.Stdout)
	if err != nil {
		return nil, err
	}
	if probe.DurationSeconds() <= 0 {
		return nil, fmt.Errorf("ffprobe: no duration for %s", logger.SanitizeForLog(inputPath))
	}
	return probe, nil
}

// ExtractSegment cuts one time window to mono mp3 with a short fade at both
// edges so chunk boundaries do not click.
func (t *Tool) ExtractSegment(ctx context.Context, inputPath, outputPath string, span domain.ChunkSpan) error {
	if err := validatePath(inputPath); err != nil {
		return err
	}
	if err := validatePath(outputPath); err != nil {
		return err
	}
	if span.Duration <= 0 {
		return fmt.Errorf("ffmpeg: %s has no duration", span)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", seconds(span.Start),
		"-t", seconds(span.Duration),
		"-i", inputPath,
		"-vn",
		"-af", fadeFilter(span.Duration),
	}
	args = append(args, audioArgs(outputPath)...)

	if _, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg extract %s: %w", span, err)
	}
	return nil
}

func (t *Tool) ExtractAudio(ctx context.Context, videoPath, outputPath string) error {
	if err := validatePath(videoPath); err != nil {
		return err
	}
	if err := validatePath(outputPath); err != nil {
		return err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vn",
	}
	args = append(args, audioArgs(outputPath)...)

	if _, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg extract audio: %w", err)
	}
	return nil
}

func audioArgs(outputPath string) []string {
	return []string{
		"-ac", "1",
		"-ar", sampleRate,
		"-c:a", "libmp3lame",
		"-b:a", audioBitrate,
		"-y", outputPath,
	}
}

func fadeFilter(duration float64) string {
	fade := min(fadeSeconds, duration/4)
	return fmt.Sprintf("afade=t=in:st=0:d=%s,afade=t=out:st=%s:d=%s",
		seconds(fade), seconds(duration-fade), seconds(fade))
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return logger.SanitizeForLog(s)
}

var _ port.MediaTool = (*Tool)(nil)
