// Package toolsvc implements the Tool resource service (C5): tool CRUD, the
// STANDARD/MCP type split, the internal-function execution-block invariant,
// and participation in the user-deletion saga via tool.deleted events that
// drive the Node Dependency Healer (C7).
package toolsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
)

// ToolType distinguishes platform-native tools from MCP-bridged ones.
type ToolType string

const (
	TypeStandard ToolType = "STANDARD"
	TypeMCP      ToolType = "MCP"
)

// Tool is one invocable tool definition (spec §3).
type Tool struct {
	ID            string
	IsSystemTool  bool
	OwnerID       *string
	Name          string
	ToolType      ToolType
	Definition    json.RawMessage // {name, description, parameters schema, execution block}
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists Tools in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS tools (
	id UUID PRIMARY KEY,
	is_system_tool BOOLEAN NOT NULL,
	owner_id UUID,
	name TEXT NOT NULL,
	tool_type TEXT NOT NULL,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner_id, name)
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Create validates the "user-owned tools cannot have execution.type =
// internal_function" invariant (spec §3) before inserting.
func (s *Store) Create(ctx context.Context, ownerID *string, name string, toolType ToolType, definition json.RawMessage) (*Tool, error) {
	if ownerID != nil && gjson.GetBytes(definition, "execution.type").String() == "internal_function" {
		return nil, apperr.InvalidArgumentf("user-owned tools cannot use execution.type=internal_function")
	}
	t := &Tool{ID: uuid.NewString(), IsSystemTool: ownerID == nil, OwnerID: ownerID, Name: name, ToolType: toolType, Definition: definition, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tools (id, is_system_tool, owner_id, name, tool_type, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, t.ID, t.IsSystemTool, ownerID, name, string(toolType), []byte(definition), t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflictf("tool name %q already exists for this owner", name)
		}
		return nil, fmt.Errorf("toolsvc: create: %w", err)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Tool, error) {
	var t Tool
	var toolType string
	err := s.pool.QueryRow(ctx, `
		SELECT id, is_system_tool, owner_id, name, tool_type, definition, created_at, updated_at
		FROM tools WHERE id = $1
	`, id).Scan(&t.ID, &t.IsSystemTool, &t.OwnerID, &t.Name, &toolType, &t.Definition, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("tool %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("toolsvc: get: %w", err)
	}
	t.ToolType = ToolType(toolType)
	return &t, nil
}

// GetMany returns every tool in ids, used by the Inference Orchestrator's
// GetToolDefinitions RPC (spec §4.6 stage 3).
func (s *Store) GetMany(ctx context.Context, ids []string) ([]Tool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, is_system_tool, owner_id, name, tool_type, definition, created_at, updated_at
		FROM tools WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("toolsvc: get many: %w", err)
	}
	defer rows.Close()
	var out []Tool
	for rows.Next() {
		var t Tool
		var toolType string
		if err := rows.Scan(&t.ID, &t.IsSystemTool, &t.OwnerID, &t.Name, &toolType, &t.Definition, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("toolsvc: scan: %w", err)
		}
		t.ToolType = ToolType(toolType)
		out = append(out, t)
	}
	return out, rows.Err()
}

// getByName looks up a tool visible to userID by its callable name, used by
// ExecuteMultipleTools (spec §4.8). Tool names are unique per owner
// (including the NULL/system-tool owner), not globally, so a lookup must
// stay scoped to "system tools, or tools userID owns" to avoid resolving a
// name to a different user's same-named private tool.
func (s *Store) getByName(ctx context.Context, name, userID string) (*Tool, error) {
	var t Tool
	var toolType string
	err := s.pool.QueryRow(ctx, `
		SELECT id, is_system_tool, owner_id, name, tool_type, definition, created_at, updated_at
		FROM tools WHERE name = $1 AND (is_system_tool OR owner_id = $2)
		ORDER BY is_system_tool DESC
		LIMIT 1
	`, name, userID).Scan(&t.ID, &t.IsSystemTool, &t.OwnerID, &t.Name, &toolType, &t.Definition, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("tool %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("toolsvc: get by name: %w", err)
	}
	t.ToolType = ToolType(toolType)
	return &t, nil
}

func (s *Store) deleteOwnedByUser(ctx context.Context, tx pgx.Tx, ownerID string) ([]string, error) {
	rows, err := tx.Query(ctx, `DELETE FROM tools WHERE owner_id = $1 RETURNING id`, ownerID)
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

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// Service wires the Tool Store to the Event Bus and, when this deployment
// runs its own tool-execution path, to an Executor for ExecuteMultipleTools.
// Executor may be nil in a deployment that only serves CRUD/definitions.
type Service struct {
	Store    *Store
	Bus      bus.Adapter
	Executor *Executor
}

// Delete deletes a user-owned tool and publishes tool.deleted so the healer
// can strip it from every referencing node's tool_config.tool_ids.
func (svc *Service) Delete(ctx context.Context, toolID, requesterID string, staff bool) error {
	t, err := svc.Store.Get(ctx, toolID)
	if err != nil {
		return err
	}
	if t.IsSystemTool && !staff {
		return apperr.PermissionDeniedf("system tool %q cannot be deleted", toolID)
	}
	if !t.IsSystemTool && (t.OwnerID == nil || *t.OwnerID != requesterID) && !staff {
		return apperr.PermissionDeniedf("tool %q is not owned by requester", toolID)
	}
	if _, err := svc.Store.pool.Exec(ctx, `DELETE FROM tools WHERE id = $1`, toolID); err != nil {
		return fmt.Errorf("toolsvc: delete: %w", err)
	}
	body, _ := json.Marshal(bus.ToolDeleted{ToolID: toolID})
	if err := svc.Bus.Publish(ctx, bus.ExchangeResourceEvents, bus.RKToolDeleted, body, bus.KindTopic, true); err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to publish tool.deleted", err)
	}
	audit.Record("tool.deleted", "tool", toolID, requesterID, "")
	return nil
}

// ValidateOwnership implements the internal POST /internal/tools/validate
// endpoint (spec §6): every id in ids must exist and be visible to
// requesterID (system tool, or owned by requesterID).
func (svc *Service) ValidateOwnership(ctx context.Context, ids []string, requesterID string) error {
	tools, err := svc.Store.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[string]Tool, len(tools))
	for _, t := range tools {
		found[t.ID] = t
	}
	for _, id := range ids {
		t, ok := found[id]
		if !ok {
			return apperr.NotFoundf("tool %q not found", id)
		}
		if !t.IsSystemTool && (t.OwnerID == nil || *t.OwnerID != requesterID) {
			return apperr.PermissionDeniedf("tool %q is not visible to requester", id)
		}
	}
	return nil
}

func (svc *Service) ConsumeUserDeletionInitiated(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeUserEvents,
		Queue:        "tools.user_deletion",
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
		return fmt.Errorf("toolsvc: begin user-deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleted, err := svc.Store.deleteOwnedByUser(ctx, tx, evt.UserID)
	if err != nil {
		return fmt.Errorf("toolsvc: delete owned by user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("toolsvc: commit user-deletion tx: %w", err)
	}
	for _, id := range deleted {
		tdBody, _ := json.Marshal(bus.ToolDeleted{ToolID: id})
		_ = svc.Bus.Publish(ctx, bus.ExchangeResourceEvents, bus.RKToolDeleted, tdBody, bus.KindTopic, true)
	}

	confirm, _ := json.Marshal(bus.ResourceForUserDeleted{UserID: evt.UserID, ServiceName: "ToolService"})
	return svc.Bus.Publish(ctx, bus.ExchangeUserEvents, bus.ResourceForUserDeletedKey("ToolService"), confirm, bus.KindTopic, true)
}
