// Package saga implements the Saga Store (C4): persistence and atomic,
// idempotent step completion for the choreographed deletion sagas that
// drive user- and project-deletion across every resource service.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
)

// Status is a saga's overall lifecycle state.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// StepStatus is one confirming service's progress within a saga.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepCompleted StepStatus = "COMPLETED"
)

// Type names the two choreographed deletion sagas this platform runs.
type Type string

const (
	TypeUserDeletion    Type = "user_deletion"
	TypeProjectDeletion Type = "project_deletion"
)

// Saga is one in-flight or finished deletion saga.
type Saga struct {
	ID                string
	Type              Type
	RelatedResourceID string
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Step is one confirming service's outstanding obligation within a saga.
type Step struct {
	ID          string
	SagaID      string
	ServiceName string
	Status      StepStatus
	CompletedAt *time.Time
}

// Store persists sagas and their steps in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("saga: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool so callers (e.g. internal/audit) can
// share one connection pool with the Saga Store.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const schema = `
CREATE TABLE IF NOT EXISTS sagas (
	id UUID PRIMARY KEY,
	type TEXT NOT NULL,
	related_resource_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS sagas_one_in_progress_per_resource
	ON sagas (type, related_resource_id)
	WHERE status = 'IN_PROGRESS';

CREATE TABLE IF NOT EXISTS saga_steps (
	id UUID PRIMARY KEY,
	saga_id UUID NOT NULL REFERENCES sagas(id),
	service_name TEXT NOT NULL,
	status TEXT NOT NULL,
	completed_at TIMESTAMPTZ,
	UNIQUE (saga_id, service_name)
);
`

// InitSchema creates the saga/saga_steps tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// StartSaga creates a new IN_PROGRESS saga with one PENDING step per
// confirming service. It enforces the "at most one IN_PROGRESS saga per
// (type, related_resource_id)" invariant via a partial unique index: a
// concurrent start for the same resource fails with apperr.Conflict.
func (s *Store) StartSaga(ctx context.Context, sagaType Type, relatedResourceID string, confirmingServices []string) (*Saga, error) {
	if len(confirmingServices) == 0 {
		return nil, apperr.InvalidArgumentf("saga requires at least one confirming service")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("saga: begin start tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO sagas (id, type, related_resource_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, string(sagaType), relatedResourceID, string(StatusInProgress), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflictf("a saga of type %q is already in progress for resource %q", sagaType, relatedResourceID)
		}
		return nil, fmt.Errorf("saga: insert saga: %w", err)
	}

	for _, svc := range confirmingServices {
		if _, err := tx.Exec(ctx, `
			INSERT INTO saga_steps (id, saga_id, service_name, status)
			VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), id, svc, string(StepPending)); err != nil {
			return nil, fmt.Errorf("saga: insert step: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("saga: commit start tx: %w", err)
	}

	return &Saga{ID: id, Type: sagaType, RelatedResourceID: relatedResourceID, Status: StatusInProgress, CreatedAt: now, UpdatedAt: now}, nil
}

// CompleteStep idempotently marks serviceName's step complete for sagaID.
// A repeat delivery of the same confirmation is a no-op, not an error. When
// every step is complete, the saga itself transitions to COMPLETED and
// finalized is true — the caller (the saga orchestrator's finalizer
// consumer) should then issue the saga's terminal hard-delete.
func (s *Store) CompleteStep(ctx context.Context, sagaID, serviceName string) (finalized bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("saga: begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sagaStatus string
	if err := tx.QueryRow(ctx, `
		SELECT status FROM sagas WHERE id = $1 FOR UPDATE
	`, sagaID).Scan(&sagaStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperr.NotFoundf("saga %q not found", sagaID)
		}
		return false, fmt.Errorf("saga: lock saga row: %w", err)
	}
	if sagaStatus != string(StatusInProgress) {
		// Already finalized: a retried confirmation after finalization is a no-op.
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE saga_steps SET status = $1, completed_at = now()
		WHERE saga_id = $2 AND service_name = $3 AND status = $4
	`, string(StepCompleted), sagaID, serviceName, string(StepPending))
	if err != nil {
		return false, fmt.Errorf("saga: complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the step was already completed (idempotent replay) or the
		// service was never registered as a confirming party; either way,
		// there is nothing further to do here.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("saga: commit no-op step: %w", err)
		}
		return false, nil
	}

	var pending int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM saga_steps WHERE saga_id = $1 AND status = $2
	`, sagaID, string(StepPending)).Scan(&pending); err != nil {
		return false, fmt.Errorf("saga: count pending steps: %w", err)
	}

	if pending == 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE sagas SET status = $1, updated_at = now() WHERE id = $2
		`, string(StatusCompleted), sagaID); err != nil {
			return false, fmt.Errorf("saga: finalize saga: %w", err)
		}
		finalized = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("saga: commit complete tx: %w", err)
	}
	return finalized, nil
}

// FindInProgress returns the IN_PROGRESS saga of sagaType for
// relatedResourceID, or nil (not an error) if none exists — the partial
// unique index guarantees at most one such row.
func (s *Store) FindInProgress(ctx context.Context, sagaType Type, relatedResourceID string) (*Saga, error) {
	var sg Saga
	var t, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, related_resource_id, status, created_at, updated_at
		FROM sagas WHERE type = $1 AND related_resource_id = $2 AND status = $3
	`, string(sagaType), relatedResourceID, string(StatusInProgress)).
		Scan(&sg.ID, &t, &sg.RelatedResourceID, &status, &sg.CreatedAt, &sg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("saga: find in-progress: %w", err)
	}
	sg.Type, sg.Status = Type(t), Status(status)
	return &sg, nil
}

// Get returns a saga by ID.
func (s *Store) Get(ctx context.Context, sagaID string) (*Saga, error) {
	var sg Saga
	var t, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, related_resource_id, status, created_at, updated_at
		FROM sagas WHERE id = $1
	`, sagaID).Scan(&sg.ID, &t, &sg.RelatedResourceID, &status, &sg.CreatedAt, &sg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("saga %q not found", sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: get: %w", err)
	}
	sg.Type, sg.Status = Type(t), Status(status)
	return &sg, nil
}

// Steps returns every step for sagaID.
func (s *Store) Steps(ctx context.Context, sagaID string) ([]Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, saga_id, service_name, status, completed_at
		FROM saga_steps WHERE saga_id = $1 ORDER BY service_name
	`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var status string
		if err := rows.Scan(&st.ID, &st.SagaID, &st.ServiceName, &status, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("saga: scan step: %w", err)
		}
		st.Status = StepStatus(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// StuckSagas returns every IN_PROGRESS saga whose updated_at predates
// olderThan, for the maintenance reaper's stuck-saga alert (C15).
func (s *Store) StuckSagas(ctx context.Context, olderThan time.Time) ([]Saga, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, related_resource_id, status, created_at, updated_at
		FROM sagas WHERE status = $1 AND updated_at < $2
	`, string(StatusInProgress), olderThan)
	if err != nil {
		return nil, fmt.Errorf("saga: list stuck: %w", err)
	}
	defer rows.Close()

	var sagas []Saga
	for rows.Next() {
		var sg Saga
		var t, status string
		if err := rows.Scan(&sg.ID, &t, &sg.RelatedResourceID, &status, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("saga: scan stuck: %w", err)
		}
		sg.Type, sg.Status = Type(t), Status(status)
		sagas = append(sagas, sg)
	}
	return sagas, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
