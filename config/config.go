package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"

	ObjectsLocal = "local"
	ObjectsS3    = "s3"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":7890"`
	APIToken    string `env:"API_TOKEN"`

	DataDir  string `env:"DATA_DIR" envDefault:"/data"`
	CacheDir string `env:"CACHE_DIR"`
	WorkDir  string `env:"WORK_DIR"`
	Workers  int    `env:"WORKERS" envDefault:"1"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"sqlite"`
	ObjectStore  string `env:"OBJECT_STORE" envDefault:"local"`
	ObjectDir    string `env:"OBJECT_DIR"`
	S3Bucket     string `env:"S3_BUCKET"`
	S3Region     string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Prefix     string `env:"S3_PREFIX"`
	S3Endpoint   string `env:"S3_ENDPOINT"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath string `env:"FFPROBE_PATH" envDefault:"ffprobe"`

	TranscribeURL    string `env:"TRANSCRIBE_URL"`
	TranscribeAPIKey string `env:"TRANSCRIBE_API_KEY"`
	TranscribeModel  string `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	AnalysisURL      string `env:"ANALYSIS_URL"`
	AnalysisAPIKey   string `env:"ANALYSIS_API_KEY"`
	AnalysisModel    string `env:"ANALYSIS_MODEL"`

	ChunkCeilingMB     int           `env:"CHUNK_CEILING_MB" envDefault:"24"`
	ChunkMinSeconds    int           `env:"CHUNK_MIN_SECONDS" envDefault:"120"`
	ChunkMaxSeconds    int           `env:"CHUNK_MAX_SECONDS" envDefault:"600"`
	ChunkConcurrency   int           `env:"CHUNK_CONCURRENCY" envDefault:"1"`
	TranscribeAttempts int           `env:"TRANSCRIBE_ATTEMPTS" envDefault:"3"`
	TranscribeTimeout  time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"5m"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	MinTranscriptChars int           `env:"MIN_TRANSCRIPT_CHARS" envDefault:"50"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"3"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"5m"`

	CacheSizeTolerance int64 `env:"CACHE_SIZE_TOLERANCE_BYTES" envDefault:"1048576"`

	PrimaryStageTimeout   time.Duration `env:"PRIMARY_STAGE_TIMEOUT" envDefault:"300s"`
	SecondaryStageTimeout time.Duration `env:"SECONDARY_STAGE_TIMEOUT" envDefault:"90s"`
	StageAttempts         int           `env:"STAGE_ATTEMPTS" envDefault:"2"`
	ParallelStages        bool          `env:"PARALLEL_STAGES" envDefault:"true"`
	QATimeout             time.Duration `env:"QA_TIMEOUT" envDefault:"60s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(nil)
}

// parse reads environ, or the process environment when environ is nil.
func parse(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(cfg.DataDir, "work")
	}
	if cfg.ObjectDir == "" {
		cfg.ObjectDir = filepath.Join(cfg.DataDir, "objects")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Workers >= 1, "WORKERS must be at least 1, got %d", c.Workers)
	check(c.StoreBackend == StoreSQLite || c.StoreBackend == StoreJSON,
		"STORE_BACKEND must be %q or %q, got %q", StoreSQLite, StoreJSON, c.StoreBackend)
	check(c.ObjectStore == ObjectsLocal || c.ObjectStore == ObjectsS3,
		"OBJECT_STORE must be %q or %q, got %q", ObjectsLocal, ObjectsS3, c.ObjectStore)
	check(c.ObjectStore != ObjectsS3 || c.S3Bucket != "", "S3_BUCKET is required when OBJECT_STORE=s3")
	check(c.TranscribeURL != "", "TRANSCRIBE_URL is required")
	check(c.AnalysisURL != "", "ANALYSIS_URL is required")

	check(c.ChunkCeilingMB > 0, "CHUNK_CEILING_MB must be positive")
	check(c.ChunkMinSeconds > 0 && c.ChunkMinSeconds <= c.ChunkMaxSeconds,
		"CHUNK_MIN_SECONDS (%d) must be positive and not above CHUNK_MAX_SECONDS (%d)", c.ChunkMinSeconds, c.ChunkMaxSeconds)
	check(c.ChunkConcurrency >= 1, "CHUNK_CONCURRENCY must be at least 1")
	check(c.TranscribeAttempts >= 1, "TRANSCRIBE_ATTEMPTS must be at least 1")
	check(c.StageAttempts >= 1, "STAGE_ATTEMPTS must be at least 1")
	check(c.RetryBaseDelay >= 0 && c.RetryBaseDelay <= c.RetryMaxDelay, "RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	check(c.BreakerThreshold >= 1, "BREAKER_THRESHOLD must be at least 1")
	check(c.MinTranscriptChars >= 0, "MIN_TRANSCRIPT_CHARS must not be negative")
	check(c.CacheSizeTolerance >= 0, "CACHE_SIZE_TOLERANCE_BYTES must not be negative")

	return errors.Join(errs...)
}
