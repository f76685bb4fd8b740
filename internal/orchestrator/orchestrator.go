// Package orchestrator implements the Inference Orchestrator (C8): the
// synchronous front door for POST /nodes/{id}/infer. It fans out RPCs to
// the Node, Model, Data, Tool and Memory services, runs the validation
// gauntlet, assembles a job payload, and hands it to the bus for the
// Inference Executor (C9) to pick up (spec §4.6).
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/kv"
	"github.com/basket/nodeforge/internal/rpcclient"
)

// Full gRPC method paths for the RPCs this stage fans out to. Every
// service's "wire" is the rpcclient byte-envelope (see internal/rpcclient).
const (
	methodNodeGet              = "/nodeforge.nodes.NodeService/GetNode"
	methodModelGet             = "/nodeforge.models.ModelService/GetModelConfiguration"
	methodDataGetFileMetadata  = "/nodeforge.filesvc.DataService/GetFileMetadata"
	methodDataGetFileContent   = "/nodeforge.filesvc.DataService/GetFileContent"
	methodToolGetDefinitions   = "/nodeforge.toolsvc.ToolService/GetToolDefinitions"
	methodMemoryGetHistory     = "/nodeforge.memorysvc.MemoryService/GetHistory"
)

// Input is one inference-request input item (spec §4.6 request body).
type Input struct {
	Type string `json:"type"` // "file_id" | "image_url"
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ResourceOverrides lets the caller toggle RAG/memory usage per request.
type ResourceOverrides struct {
	UseRAG    bool `json:"use_rag,omitempty"`
	UseMemory bool `json:"use_memory,omitempty"`
}

// OutputConfig controls delivery mode and memory-write behavior for inputs.
type OutputConfig struct {
	Mode                  string `json:"mode,omitempty"` // "streaming" | "blocking"
	PersistInputsInMemory bool   `json:"persist_inputs_in_memory,omitempty"`
}

// Request is the decoded POST /nodes/{node_id}/infer body.
type Request struct {
	Prompt             string             `json:"prompt,omitempty"`
	Inputs             []Input            `json:"inputs,omitempty"`
	ResourceOverrides  ResourceOverrides  `json:"resource_overrides,omitempty"`
	ParameterOverrides map[string]any     `json:"parameter_overrides,omitempty"`
	OutputConfig       OutputConfig       `json:"output_config,omitempty"`
}

// Response is what POST /nodes/{node_id}/infer returns on success.
type Response struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	WebsocketTicket  string `json:"websocket_ticket"`
}

// nodeDetails, modelDetails mirror the subset of Node/Model state the
// orchestrator needs; full resource shapes live in internal/nodes,
// internal/models but this package only talks to them over RPC (C2), never
// imports their packages directly, matching the spec's service boundary.
type nodeDetails struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Configuration string `json:"configuration"`
}

type modelDetails struct {
	ID            string   `json:"id"`
	Configuration string   `json:"configuration"`
	Capabilities  []string `json:"capabilities"`
}

type fileMetadata struct {
	ID       string `json:"id"`
	Mimetype string `json:"mimetype"`
}

type toolDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

type historyEntry struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

// Service wires the RPC clients, ephemeral KV store and Event Bus this
// stage needs. Every *rpcclient.Client may be nil if this deployment has no
// node requiring that fan-out (e.g. Data is only dialed when inputs carry
// file_id items), but in the reference wiring all five are dialed once at
// startup and shared across requests (spec §5: one bus/RPC connection per
// process).
type Service struct {
	Node   *rpcclient.Client
	Model  *rpcclient.Client
	Data   *rpcclient.Client
	Tool   *rpcclient.Client
	Memory *rpcclient.Client

	KV  *kv.Client
	Bus bus.Adapter

	OwnershipTTL time.Duration
	TicketTTL    time.Duration
}

// Infer runs the full five-stage algorithm and returns the submitted job's
// id and delivery ticket (spec §4.6).
func (svc *Service) Infer(ctx context.Context, nodeID, userID string, req Request) (*Response, error) {
	if req.Prompt == "" && len(req.Inputs) == 0 {
		return nil, apperr.InvalidArgumentf("request must carry a prompt or at least one input")
	}

	// Stage 1 — parallel metadata fetch. The model fetch depends on the
	// node's bound model_id, so it cannot join the node/file-metadata
	// errgroup; it runs as soon as the node comes back (still concurrent
	// with the file-metadata fetch, which depends on neither).
	var node nodeDetails
	var model modelDetails
	var files []fileMetadata
	fileIDs := fileIDsOf(req.Inputs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Node.Call(gctx, methodNodeGet, map[string]string{"node_id": nodeID, "user_id": userID}, &node)
	})
	if len(fileIDs) > 0 {
		g.Go(func() error {
			return svc.Data.Call(gctx, methodDataGetFileMetadata, map[string]any{"ids": fileIDs, "user_id": userID}, &files)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	modelID := gjson.Get(node.Configuration, "model_config.model_id").String()
	if modelID == "" {
		return nil, apperr.InvalidArgumentf("node %q has no model_config.model_id bound", nodeID)
	}
	if err := svc.Model.Call(ctx, methodModelGet, map[string]string{"model_id": modelID}, &model); err != nil {
		return nil, err
	}

	// Stage 2 — validation gauntlet.
	if node.Status == "INACTIVE" || node.Status == "DRAFT" {
		return nil, apperr.InvalidArgumentf("node %q is not ready to accept inference (status=%s)", nodeID, node.Status)
	}
	if err := validateInputCompatibility(req.Inputs, model.Capabilities); err != nil {
		return nil, err
	}
	cfg := node.Configuration
	if req.ResourceOverrides.UseRAG && !gjson.Get(cfg, "rag_config").Exists() {
		return nil, apperr.InvalidArgumentf("node %q has no rag_config but use_rag was requested", nodeID)
	}
	useMemory := req.ResourceOverrides.UseMemory
	memCfg := gjson.Get(cfg, "memory_config")
	if useMemory && !memCfg.Exists() {
		return nil, apperr.InvalidArgumentf("node %q has no memory_config but use_memory was requested", nodeID)
	}
	bucketID := memCfg.Get("bucket_id").String()
	memoryEnabled := memCfg.Get("is_enabled").Bool() && useMemory
	if memoryEnabled && bucketID == "" {
		return nil, apperr.InvalidArgumentf("node %q memory_config.is_enabled is true but carries no bucket_id", nodeID)
	}

	// Stage 3 — dynamic resource collection, in parallel.
	toolIDs := gjson.Get(cfg, "tool_config.tool_ids").Array()
	var tools []toolDefinition
	var history []historyEntry

	g2, gctx2 := errgroup.WithContext(ctx)
	if len(toolIDs) > 0 {
		ids := make([]string, len(toolIDs))
		for i, v := range toolIDs {
			ids[i] = v.String()
		}
		g2.Go(func() error {
			return svc.Tool.Call(gctx2, methodToolGetDefinitions, map[string]any{"tool_ids": ids, "user_id": userID}, &tools)
		})
	}
	if memoryEnabled {
		g2.Go(func() error {
			return svc.Memory.Call(gctx2, methodMemoryGetHistory, map[string]any{"bucket_id": bucketID, "user_id": userID}, &history)
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	// Stage 4 — job assembly.
	jobID := uuid.NewString()
	payload := jobPayload{
		JobID:              jobID,
		UserID:             userID,
		NodeID:             nodeID,
		Timestamp:          time.Now().UTC().Format(time.RFC3339Nano),
		Query:              req.Prompt,
		Inputs:             req.Inputs,
		DefaultParameters:  gjson.Get(cfg, "parameters").Value(),
		ParameterOverrides: req.ParameterOverrides,
		OutputMode:         defaultString(req.OutputConfig.Mode, "blocking"),
		PersistInputsInMemory: req.OutputConfig.PersistInputsInMemory,
		MemoryBucketID:     bucketID,
		Resources: jobResources{
			ModelConfig: model.Configuration,
			Tools:       tools,
			RAGContext:  gjson.Get(cfg, "rag_config").Value(),
			MemoryHistory: history,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internalf("orchestrator: marshal job payload: %v", err)
	}

	// Stage 5 — ownership record + ticket + publish. Ownership and ticket
	// are written before the publish; if the publish fails the job never
	// existed so a stray KV record with a 24h/60s TTL is harmless and will
	// simply expire unconsumed.
	if err := svc.KV.PutJobOwnership(ctx, jobID, userID, svc.OwnershipTTL); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "failed to record job ownership", err)
	}
	ticket := uuid.NewString()
	if err := svc.KV.PutDeliveryTicket(ctx, ticket, jobID, svc.TicketTTL); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "failed to mint delivery ticket", err)
	}
	if err := svc.Bus.Publish(ctx, bus.ExchangeInference, bus.RKInferenceJobStart, body, bus.KindTopic, true); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "failed to publish inference.job.start", err)
	}

	return &Response{JobID: jobID, Status: "submitted", WebsocketTicket: ticket}, nil
}

// jobPayload is the body published to inference_exchange/inference.job.start
// (spec §4.6 stage 4), and is also the shape internal/executor decodes.
type jobPayload struct {
	JobID                 string         `json:"job_id"`
	UserID                string         `json:"user_id"`
	NodeID                string         `json:"node_id"`
	Timestamp             string         `json:"timestamp"`
	Query                 string         `json:"query"`
	Inputs                []Input        `json:"inputs,omitempty"`
	DefaultParameters     any            `json:"default_parameters"`
	ParameterOverrides    map[string]any `json:"parameter_overrides,omitempty"`
	OutputMode            string         `json:"output_mode"`
	PersistInputsInMemory bool           `json:"persist_inputs_in_memory"`
	MemoryBucketID        string         `json:"memory_bucket_id,omitempty"`
	Resources             jobResources   `json:"resources"`
}

type jobResources struct {
	ModelConfig   string           `json:"model_config"`
	Tools         []toolDefinition `json:"tools,omitempty"`
	RAGContext    any              `json:"rag_context,omitempty"`
	MemoryHistory []historyEntry   `json:"memory_context,omitempty"`
}

func fileIDsOf(inputs []Input) []string {
	var ids []string
	for _, in := range inputs {
		if in.Type == "file_id" {
			ids = append(ids, in.ID)
		}
	}
	return ids
}

// validateInputCompatibility rejects inputs the model's capability set
// cannot serve, e.g. an image input against a model with no "vision"
// capability (spec §4.6 stage 2).
func validateInputCompatibility(inputs []Input, capabilities []string) error {
	has := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		has[c] = true
	}
	for _, in := range inputs {
		switch in.Type {
		case "image_url":
			if !has["vision"] {
				return apperr.InvalidArgumentf("model does not support vision input but an image_url input was provided")
			}
		case "file_id":
			// File compatibility (text vs image) is resolved once the Data
			// Builder classifies the file's content in C9; a file_id input
			// against a non-text, non-vision model still needs at least
			// "text" to receive the extracted content.
			if !has["text"] {
				return apperr.InvalidArgumentf("model does not support text input but a file_id input was provided")
			}
		default:
			return apperr.InvalidArgumentf("unrecognized input type %q", in.Type)
		}
	}
	return nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
