// Package nodes implements the Node resource service (C5) and the Node
// Dependency Healer (C7): Node CRUD, the two-stage draft/configure-model
// create flow, the config-template generation and merge-forward rules, and
// the automatic ACTIVE/ALTERED/INACTIVE/DRAFT status machine that reacts to
// upstream model and tool deletions (spec §3, §4.5).
package nodes

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
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
)

// Status is a Node's lifecycle state (spec §3, §4.5).
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusActive   Status = "ACTIVE"
	StatusAltered  Status = "ALTERED"
	StatusInactive Status = "INACTIVE"
)

// Node is one user-configured agent (spec §3).
type Node struct {
	ID            string
	ProjectID     string
	OwnerID       string
	Name          string
	Status        Status
	Configuration string // raw JSON object, manipulated with gjson/sjson
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Capabilities a model can advertise (spec §3 AIModel.capabilities).
const (
	CapText     = "text"
	CapVision   = "vision"
	CapToolUse  = "tool_use"
)

// GenerateTemplate builds the configuration template for a node bound to
// modelID with the given capability set, merging forward any values already
// present in prior (the node's current configuration, or "" for a fresh
// bind) whose keys still exist in the new template (spec §4.5 config
// template rules, reused identically by configure-model and the healer's
// model.capabilities.updated handler).
func GenerateTemplate(modelID string, capabilities []string, prior string) string {
	cfg := "{}"
	cfg, _ = sjson.Set(cfg, "model_config.model_id", modelID)

	if prior != "" {
		if params := gjson.Get(prior, "parameters"); params.Exists() {
			cfg, _ = sjson.SetRaw(cfg, "parameters", params.Raw)
		}
	}
	if !gjson.Get(cfg, "parameters").Exists() {
		cfg, _ = sjson.SetRaw(cfg, "parameters", "{}")
	}

	has := func(cap string) bool {
		for _, c := range capabilities {
			if c == cap {
				return true
			}
		}
		return false
	}

	if has(CapText) {
		cfg = mergeForward(cfg, prior, "memory_config", `{"is_enabled":false,"bucket_id":null}`)
		cfg = mergeForward(cfg, prior, "rag_config", `{"is_enabled":false,"collection_id":null}`)
	}
	if has(CapToolUse) {
		cfg = mergeForward(cfg, prior, "tool_config", `{"tool_ids":[]}`)
	}
	return cfg
}

// mergeForward sets key in cfg to its value in prior if prior carries that
// key, else to fallback (spec §4.5: "merge user values forward iff the key
// still exists in the new template").
func mergeForward(cfg, prior, key, fallback string) string {
	if prior != "" {
		if v := gjson.Get(prior, key); v.Exists() {
			out, err := sjson.SetRaw(cfg, key, v.Raw)
			if err == nil {
				return out
			}
		}
	}
	out, _ := sjson.SetRaw(cfg, key, fallback)
	return out
}

// TemplateKeys returns the top-level keys a template defines, used to check
// the "configuration keys ⊆ template" invariant (spec §8 invariant 4).
func TemplateKeys(templateJSON string) map[string]struct{} {
	keys := map[string]struct{}{}
	gjson.Parse(templateJSON).ForEach(func(k, _ gjson.Result) bool {
		keys[k.String()] = struct{}{}
		return true
	})
	return keys
}

// Store persists Nodes in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL,
	owner_id UUID NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'DRAFT',
	configuration JSONB NOT NULL DEFAULT '{}',
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS nodes_project_idx ON nodes (project_id);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) CreateDraft(ctx context.Context, projectID, ownerID, name string) (*Node, error) {
	n := &Node{ID: uuid.NewString(), ProjectID: projectID, OwnerID: ownerID, Name: name, Status: StatusDraft, Configuration: "{}", Version: 1, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (id, project_id, owner_id, name, status, configuration, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
	`, n.ID, projectID, ownerID, name, string(StatusDraft), []byte(n.Configuration), n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("nodes: create draft: %w", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	return s.get(ctx, s.pool, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func (s *Store) get(ctx context.Context, q querier, id string) (*Node, error) {
	var n Node
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, project_id, owner_id, name, status, configuration, version, created_at, updated_at
		FROM nodes WHERE id = $1
	`, id).Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &status, &n.Configuration, &n.Version, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("node %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: get: %w", err)
	}
	n.Status = Status(status)
	return &n, nil
}

func (s *Store) getForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Node, error) {
	var n Node
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, project_id, owner_id, name, status, configuration, version, created_at, updated_at
		FROM nodes WHERE id = $1 FOR UPDATE
	`, id).Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &status, &n.Configuration, &n.Version, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("node %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: get for update: %w", err)
	}
	n.Status = Status(status)
	return &n, nil
}

func (s *Store) ListByProject(ctx context.Context, projectID string) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, owner_id, name, status, configuration, version, created_at, updated_at
		FROM nodes WHERE project_id = $1 ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("nodes: list by project: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		var status string
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &status, &n.Configuration, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("nodes: scan: %w", err)
		}
		n.Status = Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// NodesReferencingModel returns every node whose configuration.model_config.model_id
// equals modelID, locked FOR UPDATE, for the healer's model.deleted handler.
func nodesReferencingModel(ctx context.Context, tx pgx.Tx, modelID string) ([]Node, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, project_id, owner_id, name, status, configuration, version, created_at, updated_at
		FROM nodes WHERE configuration->'model_config'->>'model_id' = $1 FOR UPDATE
	`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		var status string
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &status, &n.Configuration, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Status = Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// nodesContainingTool returns every node whose configuration.tool_config.tool_ids
// contains toolID, locked FOR UPDATE, for the healer's tool.deleted handler.
func nodesContainingTool(ctx context.Context, tx pgx.Tx, toolID string) ([]Node, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, project_id, owner_id, name, status, configuration, version, created_at, updated_at
		FROM nodes WHERE configuration->'tool_config'->'tool_ids' @> to_jsonb($1::text) FOR UPDATE
	`, toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		var status string
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &status, &n.Configuration, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Status = Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) updateConfigAndStatus(ctx context.Context, tx pgx.Tx, n *Node, newConfig string, newStatus Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE nodes SET configuration = $1, status = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND version = $4
	`, []byte(newConfig), string(newStatus), n.ID, n.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("node %q changed concurrently", n.ID)
	}
	return nil
}

// ModelLookup resolves a model ID to its capability list, an RPC in
// production but injected here so the healer and configure-model flow share
// one seam (grounded on the teacher's dependency-injected provider lookup
// pattern in internal/engine/failover.go).
type ModelLookup func(ctx context.Context, modelID string) (capabilities []string, err error)

// Service implements the Node resource service's HTTP-facing operations.
type Service struct {
	Store       *Store
	Bus         bus.Adapter
	LookupModel ModelLookup
	Logger      *slog.Logger
}

// CreateDraft implements POST /nodes/draft (stage 1, spec §6).
func (svc *Service) CreateDraft(ctx context.Context, projectID, ownerID, name string) (*Node, error) {
	return svc.Store.CreateDraft(ctx, projectID, ownerID, name)
}

// ConfigureModel implements POST /nodes/{id}/configure-model (stage 2, spec
// §6): binds modelID, generates the template from its capabilities, and
// transitions DRAFT/INACTIVE -> ACTIVE. This is the only path via which a
// Node's model may ever change (spec §3 invariant i).
func (svc *Service) ConfigureModel(ctx context.Context, nodeID, modelID string) (*Node, error) {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodes: begin configure tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := svc.Store.getForUpdate(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}

	caps, err := svc.LookupModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	newConfig := GenerateTemplate(modelID, caps, n.Configuration)
	if err := svc.Store.updateConfigAndStatus(ctx, tx, n, newConfig, StatusActive); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("nodes: commit configure tx: %w", err)
	}

	n.Configuration, n.Status, n.Version = newConfig, StatusActive, n.Version+1
	audit.Record("node.status.transitioned", "node", nodeID, n.OwnerID, fmt.Sprintf("status=%s model_id=%s", StatusActive, modelID))
	return n, nil
}

// Update implements PUT /nodes/{id} (spec §4.5): only keys already present
// in the node's current template may change, and model_id may never change
// here (spec §3 invariant i, §4.5 "generic update" rule).
func (svc *Service) Update(ctx context.Context, nodeID string, patch map[string]json.RawMessage) (*Node, error) {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodes: begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := svc.Store.getForUpdate(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}

	currentKeys := TemplateKeys(n.Configuration)
	newConfig := n.Configuration
	for key, val := range patch {
		if key == "model_config" {
			return nil, apperr.InvalidArgumentf("model_config cannot be changed via generic update; use configure-model")
		}
		if _, ok := currentKeys[key]; !ok {
			return nil, apperr.InvalidArgumentf("key %q is not present in node %q's current template", key, nodeID)
		}
		newConfig, err = sjson.SetRawBytes([]byte(newConfig), key, val)
		if err != nil {
			return nil, apperr.InvalidArgumentf("invalid value for key %q: %v", key, err)
		}
	}
	// model_id must survive untouched even if model_config itself were
	// permitted through some future key (belt-and-suspenders on invariant i).
	if gjson.Get(newConfig, "model_config.model_id").String() != gjson.Get(n.Configuration, "model_config.model_id").String() {
		return nil, apperr.InvalidArgumentf("model_id cannot change via generic update")
	}

	if err := svc.Store.updateConfigAndStatus(ctx, tx, n, newConfig, n.Status); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("nodes: commit update tx: %w", err)
	}
	n.Configuration, n.Version = newConfig, n.Version+1
	return n, nil
}

// CanInfer reports whether a Node's status allows submitting an inference
// job (spec §4.5: refused unless ACTIVE or ALTERED).
func CanInfer(s Status) bool { return s == StatusActive || s == StatusAltered }

// Healer implements the Node Dependency Healer (C7): a bus consumer bound to
// resource_events with routing keys model.deleted, tool.deleted, and
// model.capabilities.updated (spec §4.5).
type Healer struct {
	Store       *Store
	Bus         bus.Adapter
	LookupModel ModelLookup
	Logger      *slog.Logger
}

func (h *Healer) Run(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeResourceEvents,
		Queue:        "nodes.dependency_healer",
		RoutingKeys:  []string{bus.RKModelDeleted, bus.RKToolDeleted, bus.RKModelCapabilitiesUpdated},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return h.Bus.Consume(ctx, binding, h.handle)
}

func (h *Healer) handle(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case bus.RKModelDeleted:
		var evt bus.ModelDeleted
		if err := json.Unmarshal(body, &evt); err != nil {
			return h.dropMalformed(routingKey, err)
		}
		return h.handleModelDeleted(ctx, evt.ModelID)
	case bus.RKToolDeleted:
		var evt bus.ToolDeleted
		if err := json.Unmarshal(body, &evt); err != nil {
			return h.dropMalformed(routingKey, err)
		}
		return h.handleToolDeleted(ctx, evt.ToolID)
	case bus.RKModelCapabilitiesUpdated:
		var evt bus.ModelCapabilitiesUpdated
		if err := json.Unmarshal(body, &evt); err != nil {
			return h.dropMalformed(routingKey, err)
		}
		return h.handleCapabilitiesUpdated(ctx, evt.ModelID, evt.NewCapabilities)
	default:
		return nil
	}
}

func (h *Healer) dropMalformed(routingKey string, err error) error {
	if h.Logger != nil {
		h.Logger.Warn("healer: malformed event, dropping", "routing_key", routingKey, "error", err)
	}
	return nil
}

// handleModelDeleted sets every node pinned to modelID to INACTIVE (spec
// §4.5, invariant 3).
func (h *Healer) handleModelDeleted(ctx context.Context, modelID string) error {
	tx, err := h.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("healer: begin model-deleted tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	affected, err := nodesReferencingModel(ctx, tx, modelID)
	if err != nil {
		return fmt.Errorf("healer: find nodes for model: %w", err)
	}
	for _, n := range affected {
		if err := h.Store.updateConfigAndStatus(ctx, tx, &n, n.Configuration, StatusInactive); err != nil {
			return err
		}
		audit.Record("node.status.transitioned", "node", n.ID, n.OwnerID, fmt.Sprintf("status=%s reason=model_deleted model_id=%s", StatusInactive, modelID))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("healer: commit model-deleted tx: %w", err)
	}
	return nil
}

// handleToolDeleted removes toolID from every node's tool_config.tool_ids
// and sets status ALTERED (spec §4.5).
func (h *Healer) handleToolDeleted(ctx context.Context, toolID string) error {
	tx, err := h.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("healer: begin tool-deleted tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	affected, err := nodesContainingTool(ctx, tx, toolID)
	if err != nil {
		return fmt.Errorf("healer: find nodes for tool: %w", err)
	}
	for _, n := range affected {
		newConfig := removeToolID(n.Configuration, toolID)
		if err := h.Store.updateConfigAndStatus(ctx, tx, &n, newConfig, StatusAltered); err != nil {
			return err
		}
		audit.Record("node.status.transitioned", "node", n.ID, n.OwnerID, fmt.Sprintf("status=%s reason=tool_deleted tool_id=%s", StatusAltered, toolID))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("healer: commit tool-deleted tx: %w", err)
	}
	return nil
}

func removeToolID(config, toolID string) string {
	ids := gjson.Get(config, "tool_config.tool_ids").Array()
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.String() != toolID {
			kept = append(kept, id.String())
		}
	}
	out, _ := sjson.Set(config, "tool_config.tool_ids", kept)
	return out
}

// handleCapabilitiesUpdated regenerates the template for every node pinned
// to modelID from the new capability list, merges user values forward where
// the key survives, and sets status ACTIVE (spec §4.5).
func (h *Healer) handleCapabilitiesUpdated(ctx context.Context, modelID string, newCapabilities []string) error {
	tx, err := h.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("healer: begin capabilities-updated tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	affected, err := nodesReferencingModel(ctx, tx, modelID)
	if err != nil {
		return fmt.Errorf("healer: find nodes for model: %w", err)
	}
	for _, n := range affected {
		newConfig := GenerateTemplate(modelID, newCapabilities, n.Configuration)
		if err := h.Store.updateConfigAndStatus(ctx, tx, &n, newConfig, StatusActive); err != nil {
			return err
		}
		audit.Record("node.status.transitioned", "node", n.ID, n.OwnerID, fmt.Sprintf("status=%s reason=capabilities_updated model_id=%s", StatusActive, modelID))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("healer: commit capabilities-updated tx: %w", err)
	}
	return nil
}
