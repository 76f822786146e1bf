package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository archives battle history in PostgreSQL. Nothing in the live engine reads it;
// the shared session store stays the only coordination point.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS battle_sessions (
			id VARCHAR(64) PRIMARY KEY,
			phase VARCHAR(32) NOT NULL,
			participants JSONB NOT NULL DEFAULT '[]',
			completed_problems JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS skill_casts (
			id BIGSERIAL PRIMARY KEY,
			effect_id VARCHAR(64) NOT NULL UNIQUE,
			session_id VARCHAR(64) NOT NULL,
			caster VARCHAR(64) NOT NULL,
			target VARCHAR(64) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS solve_events (
			id BIGSERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			identity VARCHAR(64) NOT NULL,
			problem_id VARCHAR(128) NOT NULL,
			difficulty VARCHAR(20) NOT NULL,
			points BIGINT NOT NULL,
			solved_at TIMESTAMPTZ NOT NULL,
			UNIQUE(session_id, identity, problem_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_casts_session ON skill_casts(session_id, applied_at)`,
		`CREATE INDEX IF NOT EXISTS idx_solve_events_session ON solve_events(session_id, solved_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const (
	insertSkillCastSQL = `
		INSERT INTO skill_casts (effect_id, session_id, caster, target, kind, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (effect_id) DO NOTHING
	`
	insertSolveSQL = `
		INSERT INTO solve_events (session_id, identity, problem_id, difficulty, points, solved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, identity, problem_id) DO NOTHING
	`
	upsertSessionSQL = `
		INSERT INTO battle_sessions (id, phase, participants, completed_problems, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET phase = $2, participants = $3, completed_problems = $4, updated_at = $6, archived_at = $7
	`
)

// RecordSkillCast archives one skill cast. Re-archiving the same effect is a no-op.
func (r *Repository) RecordSkillCast(ctx context.Context, sessionID string, effect domain.SkillEffect) error {
	_, err := r.pool.Exec(ctx, insertSkillCastSQL,
		effect.ID, sessionID, effect.From, effect.Target, string(effect.Kind), effect.AppliedAt)
	if err != nil {
		return fmt.Errorf("recording skill cast: %w", err)
	}
	return nil
}

// RecordSolve archives one solve. A problem is credited once per participant.
func (r *Repository) RecordSolve(ctx context.Context, sessionID, identity string, solve domain.SolveRecord, at time.Time) error {
	_, err := r.pool.Exec(ctx, insertSolveSQL,
		sessionID, identity, solve.ProblemID, string(solve.Difficulty), solve.Points, at)
	if err != nil {
		return fmt.Errorf("recording solve: %w", err)
	}
	return nil
}

// ArchiveSession upserts a snapshot of the session document
func (r *Repository) ArchiveSession(ctx context.Context, s domain.Session) error {
	args, err := sessionArgs(s, time.Now())
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, upsertSessionSQL, args...); err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}
	return nil
}

// ArchiveBatch writes audit records in one round trip. Records that cannot be decoded are
// skipped and counted; the returned count is the number queued.
func (r *Repository) ArchiveBatch(ctx context.Context, records []domain.AuditRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := queueRecord(batch, rec); err != nil {
			r.logger.Warn("skipping audit record",
				"session_id", rec.SessionID,
				"kind", rec.Kind,
				"error", err,
			)
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("archiving audit batch: %w", err)
		}
	}
	return batch.Len(), nil
}

var errUnknownAuditKind = errors.New("unknown audit kind")

// queueRecord adds the insert for one audit record to batch
func queueRecord(batch *pgx.Batch, rec domain.AuditRecord) error {
	switch rec.Kind {
	case domain.AuditSkillCast:
		var effect domain.SkillEffect
		if err := json.Unmarshal(rec.Data, &effect); err != nil {
			return fmt.Errorf("decoding skill cast: %w", err)
		}
		if effect.ID == "" {
			return fmt.Errorf("decoding skill cast: missing effect id")
		}
		batch.Queue(insertSkillCastSQL,
			effect.ID, rec.SessionID, effect.From, effect.Target, string(effect.Kind), effect.AppliedAt)
	case domain.AuditSolve:
		var solve domain.SolveRecord
		if err := json.Unmarshal(rec.Data, &solve); err != nil {
			return fmt.Errorf("decoding solve: %w", err)
		}
		batch.Queue(insertSolveSQL,
			rec.SessionID, rec.Identity, solve.ProblemID, string(solve.Difficulty), solve.Points, rec.CreatedAt)
	default:
		return fmt.Errorf("%w: %q", errUnknownAuditKind, rec.Kind)
	}
	return nil
}

func sessionArgs(s domain.Session, now time.Time) ([]any, error) {
	participants, err := json.Marshal(s.ConnectedParticipants)
	if err != nil {
		return nil, fmt.Errorf("marshaling participants: %w", err)
	}
	completed, err := json.Marshal(s.CompletedProblems)
	if err != nil {
		return nil, fmt.Errorf("marshaling completed problems: %w", err)
	}
	return []any{s.ID, string(s.Phase), participants, completed, s.CreatedAt, s.UpdatedAt, now}, nil
}

// History returns the archived skill casts and solves of a session in the order they happened
func (r *Repository) History(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	casts, err := r.ListSkillCasts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	solves, err := r.ListSolves(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	for _, s := range solves {
		totals[s.Identity] += s.Points
	}
	return &domain.SessionHistory{
		SessionID:  sessionID,
		SkillCasts: casts,
		Solves:     solves,
		Totals:     totals,
	}, nil
}

// ListSkillCasts retrieves the archived skill casts of a session
func (r *Repository) ListSkillCasts(ctx context.Context, sessionID string) ([]domain.SkillCastEntry, error) {
	query := `
		SELECT effect_id, caster, target, kind, applied_at
		FROM skill_casts
		WHERE session_id = $1
		ORDER BY applied_at ASC
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing skill casts: %w", err)
	}
	defer rows.Close()

	casts := []domain.SkillCastEntry{}
	for rows.Next() {
		var c domain.SkillCastEntry
		if err := rows.Scan(&c.EffectID, &c.From, &c.Target, &c.Kind, &c.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning skill cast: %w", err)
		}
		casts = append(casts, c)
	}
	return casts, rows.Err()
}

// ListSolves retrieves the archived solves of a session
func (r *Repository) ListSolves(ctx context.Context, sessionID string) ([]domain.SolveEntry, error) {
	query := `
		SELECT identity, problem_id, difficulty, points, solved_at
		FROM solve_events
		WHERE session_id = $1
		ORDER BY solved_at ASC
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing solves: %w", err)
	}
	defer rows.Close()

	solves := []domain.SolveEntry{}
	for rows.Next() {
		var s domain.SolveEntry
		if err := rows.Scan(&s.Identity, &s.ProblemID, &s.Difficulty, &s.Points, &s.SolvedAt); err != nil {
			return nil, fmt.Errorf("scanning solve: %w", err)
		}
		solves = append(solves, s)
	}
	return solves, rows.Err()
}

// GetSession retrieves the archived snapshot of a session
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, phase, participants, completed_problems, created_at, updated_at
		FROM battle_sessions
		WHERE id = $1
	`
	var (
		s            domain.Session
		participants []byte
		completed    []byte
	)
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&s.ID,
		&s.Phase,
		&participants,
		&completed,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting archived session: %w", err)
	}
	if err := json.Unmarshal(participants, &s.ConnectedParticipants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if err := json.Unmarshal(completed, &s.CompletedProblems); err != nil {
		return nil, fmt.Errorf("decoding completed problems: %w", err)
	}
	return &s, nil
}
