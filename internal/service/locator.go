package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
	"github.com/bnema/coachfeed/internal/retry"
	"github.com/bnema/coachfeed/internal/validation"
)

const phaseLocate = "locate"

var audioExts = []string{".m4a", ".mp3", ".wav", ".webm", ".ogg"}

type LocatorConfig struct {
	CacheDir      string
	WorkDir       string
	SizeTolerance int64
	Fetch         retry.Policy
}

// MediaLocator resolves the audio bytes for a job. Strategies run in order:
// local cache, remote object store, then audio derived from the source video.
type MediaLocator struct {
	objects port.ObjectStore
	tool    port.MediaTool
	cfg     LocatorConfig
	log     *logrus.Entry
}

func NewMediaLocator(objects port.ObjectStore, tool port.MediaTool, cfg LocatorConfig, log *logrus.Entry) *MediaLocator {
	if log == nil {
		log = logger.Discard()
	}
	return &MediaLocator{objects: objects, tool: tool, cfg: cfg, log: log}
}

// Locate returns a MediaLocation the caller must Release. When no strategy
// finds the bytes the error wraps domain.ErrMediaNotFound; when a strategy
// failed for another reason the error is transient instead, since the bytes
// may still exist.
func (l *MediaLocator) Locate(ctx context.Context, job *domain.Job) (*domain.MediaLocation, error) {
	log := l.log.WithField("job_id", job.ID)
	for _, dir := range []string{l.cfg.CacheDir, l.cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.NewPipelineError(domain.ErrorKindSystem, phaseLocate, "create media directories", err)
		}
	}

	if loc := l.fromCache(job, log); loc != nil {
		return loc, nil
	}

	var transient []error
	loc, err := l.fromRemote(ctx, job, audioKeys(job), l.audioCachePath(job), log)
	if loc != nil {
		return loc, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		transient = append(transient, err)
	}

	if job.VideoKey != "" {
		loc, err := l.fromVideo(ctx, job, log)
		if loc != nil {
			return loc, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transient = append(transient, err)
		}
	}

	if len(transient) > 0 {
		return nil, domain.NewPipelineError(domain.ErrorKindTransient, phaseLocate, "media sources unavailable", errors.Join(transient...))
	}
	return nil, domain.NewPipelineError(domain.ErrorKindResourceUnavailable, phaseLocate,
		fmt.Sprintf("no source for %s", logger.SanitizeForLog(job.MediaKey)), domain.ErrMediaNotFound)
}

// audioCachePath is where a job's audio track is kept between attempts.
func (l *MediaLocator) audioCachePath(job *domain.Job) string {
	ext := strings.ToLower(path.Ext(job.MediaKey))
	if job.Source == domain.SourceVideo {
		ext = ".m4a"
	}
	return filepath.Join(l.cfg.CacheDir, job.ID+ext)
}

func (l *MediaLocator) fromCache(job *domain.Job, log *logrus.Entry) *domain.MediaLocation {
	candidates := []string{l.audioCachePath(job)}
	if job.Source == domain.SourceAudio {
		candidates = append(candidates, filepath.Join(l.cfg.CacheDir, path.Base(job.MediaKey)))
	}

	// A video job's expected size is the video's, not its audio track's.
	var expected int64
	if job.Source == domain.SourceAudio {
		expected = job.ExpectedSize
	}
	for _, p := range candidates {
		info, ok := l.cached(p, expected, log)
		if !ok {
			continue
		}
		log.WithFields(logrus.Fields{"path": p, "size": humanize.Bytes(uint64(info.Size()))}).Debug("cache hit")
		return domain.NewMediaLocation(p, domain.ProvenanceCache, info.Size(), job.MediaKey, nil)
	}
	return nil
}

// cached stats p and removes it when it is stale.
func (l *MediaLocator) cached(p string, expected int64, log *logrus.Entry) (os.FileInfo, bool) {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil, false
	}
	if reason := l.staleReason(p, info.Size(), expected); reason != "" {
		log.WithFields(logrus.Fields{"path": p, "reason": reason}).Warn("discarding stale cache file")
		if err := os.Remove(p); err != nil {
			log.WithError(err).Warn("remove stale cache file")
		}
		return nil, false
	}
	return info, true
}

// staleReason is empty when p is usable. An expected size of zero skips the
// size comparison.
func (l *MediaLocator) staleReason(p string, size, expected int64) string {
	if expected > 0 {
		diff := size - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > l.cfg.SizeTolerance {
			return fmt.Sprintf("size %s, expected %s", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(expected)))
		}
	}
	if _, err := validation.SniffFile(p); err != nil {
		return err.Error()
	}
	return ""
}

// fromRemote tries each candidate key. Missing keys move on immediately;
// other errors are retried under the fetch policy. The fetched object is
// moved to dest so later attempts hit the cache.
func (l *MediaLocator) fromRemote(ctx context.Context, job *domain.Job, keys []string, dest string, log *logrus.Entry) (*domain.MediaLocation, error) {
	if l.objects == nil {
		return nil, nil
	}
	var failures []error
	for _, key := range keys {
		fetched, err := l.fetch(ctx, job, key)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).WithField("key", logger.SanitizeForLog(key)).Warn("remote fetch failed")
			failures = append(failures, err)
			continue
		}

		if _, err := validation.SniffFile(fetched); err != nil {
			log.WithError(err).WithField("key", logger.SanitizeForLog(key)).Warn("remote object is not media")
			os.Remove(fetched)
			continue
		}
		if err := os.Rename(fetched, dest); err != nil {
			os.Remove(fetched)
			return nil, fmt.Errorf("move %s into cache: %w", key, err)
		}
		info, err := os.Stat(dest)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"key": logger.SanitizeForLog(key), "size": humanize.Bytes(uint64(info.Size()))}).Info("fetched media")
		return domain.NewMediaLocation(dest, domain.ProvenanceRemote, info.Size(), key, nil), nil
	}
	return nil, errors.Join(failures...)
}

func (l *MediaLocator) fetch(ctx context.Context, job *domain.Job, key string) (string, error) {
	dir := filepath.Join(l.cfg.WorkDir, attemptName(job.ID, "fetch"))
	defer os.RemoveAll(dir)

	var fetched string
	err := retry.Do(ctx, l.cfg.Fetch, func(ctx context.Context, attempt int) error {
		p, err := l.objects.Fetch(ctx, key, dir)
		if errors.Is(err, domain.ErrNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		fetched = p
		return nil
	})
	if err != nil {
		return "", err
	}

	// Move out of the attempt dir before it is removed.
	out := filepath.Join(l.cfg.WorkDir, filepath.Base(dir)+path.Ext(key))
	if err := os.Rename(fetched, out); err != nil {
		return "", err
	}
	return out, nil
}

func (l *MediaLocator) fromVideo(ctx context.Context, job *domain.Job, log *logrus.Entry) (*domain.MediaLocation, error) {
	if l.tool == nil {
		return nil, nil
	}

	videoPath := filepath.Join(l.cfg.CacheDir, job.ID+"-video"+strings.ToLower(path.Ext(job.VideoKey)))
	if _, ok := l.cached(videoPath, job.ExpectedSize, log); !ok {
		loc, err := l.fromRemote(ctx, job, candidateKeys(job.ID, job.VideoKey), videoPath, log)
		if loc == nil {
			return nil, err
		}
	}

	dir := filepath.Join(l.cfg.WorkDir, attemptName(job.ID, "derive"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := filepath.Join(dir, "audio.mp3")
	if err := l.tool.ExtractAudio(ctx, videoPath, out); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("derive audio from video: %w", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("derived audio missing: %w", err)
	}

	log.WithField("size", humanize.Bytes(uint64(info.Size()))).Info("derived audio from video")
	return domain.NewMediaLocation(out, domain.ProvenanceDerived, info.Size(), job.VideoKey, func() error {
		return os.RemoveAll(dir)
	}), nil
}

// audioKeys lists remote keys that may hold the job's audio track.
func audioKeys(job *domain.Job) []string {
	if job.Source == domain.SourceAudio {
		return candidateKeys(job.ID, job.MediaKey)
	}
	stem := strings.TrimSuffix(job.MediaKey, path.Ext(job.MediaKey))
	var keys []string
	for _, ext := range audioExts {
		keys = append(keys, candidateKeys(job.ID, stem+ext)...)
	}
	return dedupe(keys)
}

// candidateKeys expands a key into the naming schemes historical uploads used.
func candidateKeys(jobID, key string) []string {
	key = strings.TrimPrefix(key, "/")
	base := path.Base(key)
	return dedupe([]string{
		key,
		"uploads/" + key,
		jobID + "/" + base,
		"media/" + jobID + path.Ext(base),
	})
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// attemptName namespaces temporary paths per job and attempt.
func attemptName(jobID, purpose string) string {
	return fmt.Sprintf("%s-%s-%d-%s", jobID, purpose, time.Now().UnixMilli(), uuid.NewString()[:8])
}
