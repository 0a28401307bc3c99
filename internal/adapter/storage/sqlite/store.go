package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/port"
)

//go:embed migrations/*.sql
var migrations embed.FS

const jobColumns = `id, status, progress, priority, attempts, source, media_key, video_key, expected_size,
	client_name, session_type, language, error_message, created_at, updated_at, started_at, completed_at`

type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
				"PRAGMA cache_size = -8000", // 8MB
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

var migrateMu sync.Mutex

// NewStore opens coachfeed.db under dataDir and applies pending migrations.
func NewStore(dataDir string, log *logrus.Entry) (*Store, error) {
	registerHook()
	if log == nil {
		log = logger.Discard()
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "coachfeed.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(log.WithField("component", "migrations"))
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j      domain.Job
		status string
		source string
	)
	err := row.Scan(&j.ID, &status, &j.Progress, &j.Priority, &j.Attempts, &source, &j.MediaKey, &j.VideoKey,
		&j.ExpectedSize, &j.ClientName, &j.SessionType, &j.Language, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if j.Status, err = domain.ParseJobStatus(status); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Source = domain.SourceKind(source)
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// SaveJob inserts the job or overwrites every column of an existing row.
func (s *Store) SaveJob(ctx context.Context, j *domain.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			priority = excluded.priority,
			attempts = excluded.attempts,
			source = excluded.source,
			media_key = excluded.media_key,
			video_key = excluded.video_key,
			expected_size = excluded.expected_size,
			client_name = excluded.client_name,
			session_type = excluded.session_type,
			language = excluded.language,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		j.ID, string(j.Status), domain.ClampProgress(j.Progress), j.Priority, j.Attempts, string(j.Source),
		j.MediaKey, j.VideoKey, j.ExpectedSize, j.ClientName, j.SessionType, j.Language, j.ErrorMessage,
		j.CreatedAt.UTC(), j.UpdatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJobStatus applies one state-machine transition atomically. Entering
// processing from uploaded counts an attempt; entering a terminal status
// stamps completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, progress int, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status of %s: %w", id, err)
	}
	from := domain.JobStatus(current)
	if !domain.CanTransition(from, status) {
		return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, id, from, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?, progress = ?, error_message = ?, updated_at = ?`
	args := []any{string(status), domain.ClampProgress(progress), errMsg, now}
	switch {
	case from == domain.JobStatusUploaded && status == domain.JobStatusProcessing:
		query += `, attempts = attempts + 1, started_at = ?, completed_at = NULL`
		args = append(args, now)
	case status.IsTerminal():
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) PersistAnalysis(ctx context.Context, id string, result *domain.SynthesizedAnalysis) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (job_id, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		id, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist analysis for %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (*domain.SynthesizedAnalysis, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM analyses WHERE job_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis for %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis for %s: %w", id, err)
	}
	var a domain.SynthesizedAnalysis
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("decode analysis for %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY priority DESC, created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetStalled moves jobs left in processing back to uploaded, keeping their
// progress, and returns them.
func (s *Store) ResetStalled(ctx context.Context) ([]*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ?`, string(domain.JobStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	var stalled []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stalled = append(stalled, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stalled) == 0 {
		return nil, nil
	}

	ids := make([]any, len(stalled))
	for i, j := range stalled {
		ids[i] = j.ID
		j.Status = domain.JobStatusUploaded
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{string(domain.JobStatusUploaded), "interrupted", time.Now().UTC()}, ids...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("reset stalled jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stalled, nil
}

func nullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC()
}

var _ port.JobStore = (*Store)(nil)
