// Package projects implements the Project resource service (C5): project
// CRUD, the Project-Deletion saga's initiating half (spec §4.4 step 1), and
// the user-deletion cascade hop where the Project service drives every one
// of a deactivated user's projects through that same algorithm before
// confirming its own participation in the User-Deletion saga.
package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/saga"
)

// Status is a Project's lifecycle state (spec §3).
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusPendingDeletion Status = "PENDING_DELETION"
)

// Project is one user-owned project (spec §3).
type Project struct {
	ID        string
	Name      string
	OwnerID   string
	Status    Status
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists Projects in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id UUID NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS projects_owner_idx ON projects (owner_id);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Create(ctx context.Context, name, ownerID string, metadata json.RawMessage) (*Project, error) {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	p := &Project{ID: uuid.NewString(), Name: name, OwnerID: ownerID, Status: StatusActive, Metadata: metadata, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, owner_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, p.ID, name, ownerID, string(StatusActive), []byte(metadata), p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("projects: create: %w", err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, status, metadata, created_at, updated_at FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.OwnerID, &status, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("project %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("projects: get: %w", err)
	}
	p.Status = Status(status)
	return &p, nil
}

// ActiveProjectsForOwner lists every ACTIVE project owned by ownerID, used
// by the user-deletion cascade.
func (s *Store) ActiveProjectsForOwner(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, owner_id, status, metadata, created_at, updated_at
		FROM projects WHERE owner_id = $1 AND status = $2
	`, ownerID, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("projects: list active for owner: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &status, &p.Metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("projects: scan: %w", err)
		}
		p.Status = Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) markPendingDeletion(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE projects SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, string(StatusPendingDeletion), id, string(StatusActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("project %q is not active (already pending deletion or missing)", id)
	}
	return nil
}

func (s *Store) hardDelete(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return err
}

// Service wires the Project Store to the Saga Store and Event Bus (spec
// §4.4 representative algorithm).
type Service struct {
	Store      *Store
	Sagas      *saga.Store
	Bus        bus.Adapter
	Confirming []string // per-project-deletion confirming-service list
	Logger     *slog.Logger

	// ServiceName is this service's own name in the user-deletion saga's
	// confirming-service list, used when this Service acts as the
	// user-deletion cascade driver.
	ServiceName string
}

// StartDeletionSaga implements DELETE /projects/{id}: requires requesterID
// to own the project (spec §6), transitions ACTIVE -> PENDING_DELETION,
// creates the saga, and publishes project.deletion.initiated, all inside one
// transaction (spec §4.4 step 1).
func (svc *Service) StartDeletionSaga(ctx context.Context, projectID, requesterID string, staffOverride bool) (*saga.Saga, error) {
	p, err := svc.Store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != requesterID && !staffOverride {
		return nil, apperr.PermissionDeniedf("only the project owner may delete project %q", projectID)
	}
	if existing, err := svc.Sagas.FindInProgress(ctx, saga.TypeProjectDeletion, projectID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Conflictf("a project-deletion saga is already in progress for %q", projectID)
	}
	return svc.startDeletionSagaUnchecked(ctx, projectID, p.OwnerID)
}

// startDeletionSagaUnchecked runs the §4.4 algorithm without the owner
// authorization check, used both by StartDeletionSaga and by the
// user-deletion cascade (the user is already gone, so there is no caller to
// authorize against).
func (svc *Service) startDeletionSagaUnchecked(ctx context.Context, projectID, ownerID string) (*saga.Saga, error) {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("projects: begin deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := svc.Store.markPendingDeletion(ctx, tx, projectID); err != nil {
		return nil, err
	}

	sg, err := svc.Sagas.StartSaga(ctx, saga.TypeProjectDeletion, projectID, svc.Confirming)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(bus.ProjectDeletionInitiated{ProjectID: projectID, OwnerID: ownerID})
	if err := svc.Bus.Publish(ctx, bus.ExchangeProjectEvents, bus.RKProjectDeletionInitiated, body, bus.KindTopic, true); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "failed to publish project.deletion.initiated", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("projects: commit deletion tx: %w", err)
	}
	audit.Record("saga.started", "project", projectID, ownerID, "type=project_deletion")
	return sg, nil
}

// HardDelete implements sagaorch.HardDeleter for the project-deletion saga.
func (svc *Service) HardDelete(ctx context.Context, projectID string) error {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("projects: begin hard-delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := svc.Store.hardDelete(ctx, tx, projectID); err != nil {
		return fmt.Errorf("projects: hard delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("projects: commit hard-delete tx: %w", err)
	}
	audit.Record("project.hard_deleted", "project", projectID, "", "")
	return nil
}

// ConsumeUserDeletionInitiated binds to user_events/user.deletion.initiated
// and drives the cascade: every active project the user owns is pushed
// through the project-deletion saga, then all_projects_for_user.deleted is
// published — the Project service's own confirming step in the
// User-Deletion saga (spec §4.4).
func (svc *Service) ConsumeUserDeletionInitiated(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeUserEvents,
		Queue:        "projects.user_deletion_cascade",
		RoutingKeys:  []string{bus.RKUserDeletionInitiated},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return svc.Bus.Consume(ctx, binding, svc.handleUserDeletionInitiated)
}

func (svc *Service) handleUserDeletionInitiated(ctx context.Context, _ string, body []byte) error {
	var evt bus.UserDeletionInitiated
	if err := json.Unmarshal(body, &evt); err != nil {
		if svc.Logger != nil {
			svc.Logger.Warn("projects: malformed user.deletion.initiated, dropping", "error", err)
		}
		return nil
	}

	active, err := svc.Store.ActiveProjectsForOwner(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("projects: list active projects for cascade: %w", err)
	}

	for _, p := range active {
		if existing, err := svc.Sagas.FindInProgress(ctx, saga.TypeProjectDeletion, p.ID); err != nil {
			return err
		} else if existing != nil {
			continue // already being deleted independently; do not double-initiate
		}
		if _, err := svc.startDeletionSagaUnchecked(ctx, p.ID, p.OwnerID); err != nil {
			return fmt.Errorf("projects: cascade initiate project %s: %w", p.ID, err)
		}
	}

	confirmBody, _ := json.Marshal(bus.AllProjectsForUserDeleted{UserID: evt.UserID})
	if err := svc.Bus.Publish(ctx, bus.ExchangeUserEvents, bus.RKAllProjectsForUserDeleted, confirmBody, bus.KindTopic, true); err != nil {
		return fmt.Errorf("projects: publish all_projects_for_user.deleted: %w", err)
	}
	return nil
}
