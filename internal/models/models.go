// Package models implements the AIModel resource service (C5): model CRUD,
// the system/owned visibility split, and participation in both the
// project-deletion saga (owned models scoped to a deleted project... in
// this platform models are user-scoped, not project-scoped, so models only
// participate in the user-deletion saga) and the healer-driving
// model.deleted / model.capabilities.updated events (spec §3, §4.5).
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
)

// Model is one configured AI model binding (spec §3 AIModel).
type Model struct {
	ID            string
	IsSystemModel bool
	OwnerID       *string
	Provider      string
	Name          string
	Configuration json.RawMessage
	Capabilities  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists Models in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS ai_models (
	id UUID PRIMARY KEY,
	is_system_model BOOLEAN NOT NULL,
	owner_id UUID,
	provider TEXT NOT NULL,
	name TEXT NOT NULL,
	configuration JSONB NOT NULL DEFAULT '{}',
	capabilities TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((is_system_model AND owner_id IS NULL) OR (NOT is_system_model AND owner_id IS NOT NULL))
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Create(ctx context.Context, ownerID *string, provider, name string, configuration json.RawMessage, capabilities []string) (*Model, error) {
	m := &Model{ID: uuid.NewString(), IsSystemModel: ownerID == nil, OwnerID: ownerID, Provider: provider, Name: name, Configuration: configuration, Capabilities: capabilities, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_models (id, is_system_model, owner_id, provider, name, configuration, capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, m.ID, m.IsSystemModel, ownerID, provider, name, []byte(configuration), capabilities, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("models: create: %w", err)
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Model, error) {
	var m Model
	err := s.pool.QueryRow(ctx, `
		SELECT id, is_system_model, owner_id, provider, name, configuration, capabilities, created_at, updated_at
		FROM ai_models WHERE id = $1
	`, id).Scan(&m.ID, &m.IsSystemModel, &m.OwnerID, &m.Provider, &m.Name, &m.Configuration, &m.Capabilities, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("model %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("models: get: %w", err)
	}
	return &m, nil
}

func (s *Store) deleteOwnedByUser(ctx context.Context, tx pgx.Tx, ownerID string) ([]string, error) {
	rows, err := tx.Query(ctx, `DELETE FROM ai_models WHERE owner_id = $1 RETURNING id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Service wires the Model Store to the Event Bus.
type Service struct {
	Store *Store
	Bus   bus.Adapter
}

// Lookup implements nodes.ModelLookup: resolve modelID to its capabilities,
// used directly in-process here and over RPC (C2) when the Node service is
// a separate process.
func (svc *Service) Lookup(ctx context.Context, modelID string) ([]string, error) {
	m, err := svc.Store.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return m.Capabilities, nil
}

// Delete deletes a user-owned model, requiring ownership (system models are
// read-only to non-staff, spec §3), and publishes model.deleted so the
// healer can mark dependent nodes INACTIVE.
func (svc *Service) Delete(ctx context.Context, modelID, requesterID string, staff bool) error {
	m, err := svc.Store.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if m.IsSystemModel && !staff {
		return apperr.PermissionDeniedf("system model %q cannot be deleted", modelID)
	}
	if !m.IsSystemModel && (m.OwnerID == nil || *m.OwnerID != requesterID) && !staff {
		return apperr.PermissionDeniedf("model %q is not owned by requester", modelID)
	}
	if _, err := svc.Store.pool.Exec(ctx, `DELETE FROM ai_models WHERE id = $1`, modelID); err != nil {
		return fmt.Errorf("models: delete: %w", err)
	}
	body, _ := json.Marshal(bus.ModelDeleted{ModelID: modelID})
	if err := svc.Bus.Publish(ctx, bus.ExchangeResourceEvents, bus.RKModelDeleted, body, bus.KindTopic, true); err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to publish model.deleted", err)
	}
	audit.Record("model.deleted", "model", modelID, requesterID, "")
	return nil
}

// UpdateCapabilities changes modelID's capability set and publishes
// model.capabilities.updated so the healer can migrate dependent nodes'
// config templates forward (spec §4.5).
func (svc *Service) UpdateCapabilities(ctx context.Context, modelID string, capabilities []string) error {
	if _, err := svc.Store.pool.Exec(ctx, `UPDATE ai_models SET capabilities = $1, updated_at = now() WHERE id = $2`, capabilities, modelID); err != nil {
		return fmt.Errorf("models: update capabilities: %w", err)
	}
	body, _ := json.Marshal(bus.ModelCapabilitiesUpdated{ModelID: modelID, NewCapabilities: capabilities})
	if err := svc.Bus.Publish(ctx, bus.ExchangeResourceEvents, bus.RKModelCapabilitiesUpdated, body, bus.KindTopic, true); err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to publish model.capabilities.updated", err)
	}
	return nil
}

// ConsumeUserDeletionInitiated deletes every model the deactivated user owns
// and confirms this service's user-deletion saga step (spec §4.4). System
// models are never user-owned so they are unaffected.
func (svc *Service) ConsumeUserDeletionInitiated(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeUserEvents,
		Queue:        "models.user_deletion",
		RoutingKeys:  []string{bus.RKUserDeletionInitiated},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return svc.Bus.Consume(ctx, binding, svc.handleUserDeletionInitiated)
}

func (svc *Service) handleUserDeletionInitiated(ctx context.Context, _ string, body []byte) error {
	var evt bus.UserDeletionInitiated
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil
	}
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("models: begin user-deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleted, err := svc.Store.deleteOwnedByUser(ctx, tx, evt.UserID)
	if err != nil {
		return fmt.Errorf("models: delete owned by user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("models: commit user-deletion tx: %w", err)
	}
	for _, id := range deleted {
		mdBody, _ := json.Marshal(bus.ModelDeleted{ModelID: id})
		_ = svc.Bus.Publish(ctx, bus.ExchangeResourceEvents, bus.RKModelDeleted, mdBody, bus.KindTopic, true)
	}

	confirm, _ := json.Marshal(bus.ResourceForUserDeleted{UserID: evt.UserID, ServiceName: "AIModelService"})
	return svc.Bus.Publish(ctx, bus.ExchangeUserEvents, bus.ResourceForUserDeletedKey("AIModelService"), confirm, bus.KindTopic, true)
}
