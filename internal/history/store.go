// Package history keeps deployment attempts and reconciliation runs in
// Postgres so past rollouts can be listed after the process exits.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/qiniu/zcp/internal/config"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS deploy_attempts (
	version           TEXT PRIMARY KEY,
	source            TEXT NOT NULL,
	target_service_id TEXT NOT NULL,
	state             TEXT NOT NULL,
	outcome           TEXT NOT NULL,
	message           TEXT NOT NULL DEFAULT '',
	observations      JSONB NOT NULL DEFAULT '[]',
	polls             INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deploy_attempts_target_idx ON deploy_attempts (target_service_id, finished_at DESC);

CREATE TABLE IF NOT EXISTS reconcile_runs (
	id          BIGSERIAL PRIMARY KEY,
	project_id  TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	services    INTEGER NOT NULL,
	pairs       INTEGER NOT NULL,
	unpaired    TEXT[] NOT NULL DEFAULT '{}',
	issue_count INTEGER NOT NULL,
	issues      JSONB NOT NULL DEFAULT '[]'
);
`

// AttemptRecord is a stored deployment attempt.
type AttemptRecord struct {
	Version         string               `json:"version"`
	Source          string               `json:"source"`
	TargetServiceID string               `json:"targetServiceId"`
	State           deploy.State         `json:"state"`
	Outcome         string               `json:"outcome"`
	Message         string               `json:"message,omitempty"`
	Observations    []deploy.Observation `json:"observations"`
	Polls           int                  `json:"polls"`
	StartedAt       time.Time            `json:"startedAt"`
	FinishedAt      time.Time            `json:"finishedAt"`
}

// ReconcileRecord is a stored reconciliation run.
type ReconcileRecord struct {
	ID         int64         `json:"id"`
	ProjectID  string        `json:"projectId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Services   int           `json:"services"`
	Pairs      int           `json:"pairs"`
	Unpaired   []string      `json:"unpaired"`
	IssueCount int           `json:"issueCount"`
	Issues     []model.Issue `json:"issues"`
}

// Store records history. It satisfies deploy.Recorder.
type Store interface {
	RecordAttempt(ctx context.Context, a *deploy.Attempt) error
	RecordReconcile(ctx context.Context, r *reconcile.Report) error
	RecentAttempts(ctx context.Context, limit int) ([]AttemptRecord, error)
	RecentReconciles(ctx context.Context, limit int) ([]ReconcileRecord, error)
	Close() error
}

// Open connects to Postgres and prepares the schema. An empty host yields a
// NoopStore.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil || cfg.Host == "" {
		log.Debug().Msg("history disabled, database host not configured")
		return NoopStore{}, nil
	}
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	s := NewPGStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("host", cfg.Host).Str("dbname", cfg.DBName).Msg("history store ready")
	return s, nil
}

// PGStore is the Postgres Store. The pool is owned by the store.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

func (s *PGStore) RecordAttempt(ctx context.Context, a *deploy.Attempt) error {
	obs := a.Observations
	if obs == nil {
		obs = []deploy.Observation{}
	}
	raw, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode observations: %w", err)
	}
	const q = `
	INSERT INTO deploy_attempts(version, source, target_service_id, state, outcome, message, observations, polls, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (version) DO UPDATE SET
		state = EXCLUDED.state,
		outcome = EXCLUDED.outcome,
		message = EXCLUDED.message,
		observations = EXCLUDED.observations,
		polls = EXCLUDED.polls,
		finished_at = EXCLUDED.finished_at
	`
	_, err = s.db.ExecContext(ctx, q,
		a.Version, a.Source, a.TargetServiceID, string(a.State), a.Outcome(), a.Message,
		string(raw), len(a.Observations)+a.Unobserved, a.StartedAt, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deploy attempt %s: %w", a.Version, err)
	}
	return nil
}

func (s *PGStore) RecordReconcile(ctx context.Context, r *reconcile.Report) error {
	issues := r.Issues
	if issues == nil {
		issues = []model.Issue{}
	}
	raw, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	unpaired := r.Unpaired
	if unpaired == nil {
		unpaired = []string{}
	}
	const q = `
	INSERT INTO reconcile_runs(project_id, started_at, finished_at, services, pairs, unpaired, issue_count, issues)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, q,
		r.ProjectID, r.StartedAt, r.FinishedAt, r.Services, r.Pairs, pq.Array(unpaired), len(issues), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert reconcile run: %w", err)
	}
	return nil
}

func (s *PGStore) RecentAttempts(ctx context.Context, limit int) ([]AttemptRecord, error) {
	const q = `
	SELECT version, source, target_service_id, state, outcome, message, observations, polls, started_at, finished_at
	FROM deploy_attempts
	ORDER BY finished_at DESC
	LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, q, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query deploy attempts: %w", err)
	}
	defer rows.Close()

	out := []AttemptRecord{}
	for rows.Next() {
		var (
			rec   AttemptRecord
			state string
			raw   []byte
		)
		if err := rows.Scan(&rec.Version, &rec.Source, &rec.TargetServiceID, &state, &rec.Outcome,
			&rec.Message, &raw, &rec.Polls, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deploy attempt: %w", err)
		}
		rec.State = deploy.State(state)
		if err := json.Unmarshal(raw, &rec.Observations); err != nil {
			return nil, fmt.Errorf("failed to decode observations of %s: %w", rec.Version, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) RecentReconciles(ctx context.Context, limit int) ([]ReconcileRecord, error) {
	const q = `
	SELECT id, project_id, started_at, finished_at, services, pairs, unpaired, issue_count, issues
	FROM reconcile_runs
	ORDER BY id DESC
	LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, q, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	out := []ReconcileRecord{}
	for rows.Next() {
		var (
			rec ReconcileRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.StartedAt, &rec.FinishedAt, &rec.Services,
			&rec.Pairs, pq.Array(&rec.Unpaired), &rec.IssueCount, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile run: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.Issues); err != nil {
			return nil, fmt.Errorf("failed to decode issues of run %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() error { return s.db.Close() }

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

// NoopStore discards history; used when no database is configured.
type NoopStore struct{}

func (NoopStore) RecordAttempt(context.Context, *deploy.Attempt) error { return nil }

func (NoopStore) RecordReconcile(context.Context, *reconcile.Report) error { return nil }

func (NoopStore) RecentAttempts(context.Context, int) ([]AttemptRecord, error) {
	return []AttemptRecord{}, nil
}

func (NoopStore) RecentReconciles(context.Context, int) ([]ReconcileRecord, error) {
	return []ReconcileRecord{}, nil
}

func (NoopStore) Close() error { return nil }
