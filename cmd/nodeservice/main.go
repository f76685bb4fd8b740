// Command nodeservice runs the Node resource service (C5) together with
// the Node Dependency Healer (C7): draft/configure/update node lifecycle,
// the GetNode RPC the Inference Orchestrator (C8) dials into, and the bus
// consumer that keeps a node's configuration template consistent with its
// bound model and tools as those resources change out from under it (spec
// §4.5, §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/nodes"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "nodes"

func main() {
	if err := run(); err != nil {
		slog.Error("nodeservice exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, serviceName, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := audit.Init(cfg.HomeDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.StorageDSN(serviceName))
	if err != nil {
		return err
	}
	defer pool.Close()
	store := nodes.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	modelAddr := os.Getenv("MODELSERVICE_RPC_ADDR")
	if modelAddr == "" {
		modelAddr = "localhost:9102"
	}
	modelRPC, err := rpcclient.Dial(modelAddr)
	if err != nil {
		return err
	}
	defer modelRPC.Close()
	lookupModel := func(ctx context.Context, modelID string) ([]string, error) {
		var resp struct {
			Capabilities []string `json:"capabilities"`
		}
		if err := modelRPC.Call(ctx, "/nodeforge.models.ModelService/GetModelConfiguration", map[string]string{"model_id": modelID}, &resp); err != nil {
			return nil, err
		}
		return resp.Capabilities, nil
	}

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &nodes.Service{Store: store, Bus: broker, LookupModel: lookupModel, Logger: logger}
	healer := &nodes.Healer{Store: store, Bus: broker, LookupModel: lookupModel, Logger: logger}

	go func() {
		if err := healer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("nodes: dependency healer stopped", "error", err)
		}
	}()

	rpcAddr := os.Getenv("NODESERVICE_RPC_ADDR")
	if rpcAddr == "" {
		rpcAddr = ":9101"
	}
	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	rpcSrv := rpcclient.NewServer("nodeforge.nodes.NodeService")
	rpcSrv.RegisterUnary("/nodeforge.nodes.NodeService/GetNode", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			NodeID string `json:"node_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetNode request: %v", err)
		}
		n, err := store.Get(ctx, in.NodeID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": n.ID, "status": string(n.Status), "configuration": n.Configuration}, nil
	})
	go func() {
		if err := rpcSrv.Serve(lis); err != nil {
			logger.Error("nodeservice: rpc server stopped", "error", err)
		}
	}()
	logger.Info("nodeservice rpc listening", "addr", rpcAddr)

	mux := http.NewServeMux()
	h := &handlers{svc: svc, store: store}
	mux.Handle("POST /nodes/draft", verifier.Middleware(http.HandlerFunc(h.createDraft)))
	mux.Handle("POST /nodes/{id}/configure-model", verifier.Middleware(http.HandlerFunc(h.configureModel)))
	mux.Handle("PUT /nodes/{id}", verifier.Middleware(http.HandlerFunc(h.update)))
	mux.Handle("GET /projects/{id}/nodes", verifier.Middleware(http.HandlerFunc(h.listByProject)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("nodeservice listening", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type handlers struct {
	svc   *nodes.Service
	store *nodes.Store
}

type draftRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func (h *handlers) createDraft(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	var req draftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.ProjectID == "" || req.Name == "" {
		httpx.WriteError(w, apperr.InvalidArgumentf("project_id and name are required"))
		return
	}
	n, err := h.svc.CreateDraft(r.Context(), req.ProjectID, p.UserID, req.Name)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, nodeView(n))
}

type configureModelRequest struct {
	ModelID string `json:"model_id"`
}

func (h *handlers) configureModel(w http.ResponseWriter, r *http.Request) {
	var req configureModelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.ModelID == "" {
		httpx.WriteError(w, apperr.InvalidArgumentf("model_id is required"))
		return
	}
	n, err := h.svc.ConfigureModel(r.Context(), r.PathValue("id"), req.ModelID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, nodeView(n))
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.WriteError(w, err)
		return
	}
	n, err := h.svc.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, nodeView(n))
}

func (h *handlers) listByProject(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListByProject(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	views := make([]map[string]any, len(list))
	for i := range list {
		views[i] = nodeView(&list[i])
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func nodeView(n *nodes.Node) map[string]any {
	return map[string]any{
		"id": n.ID, "project_id": n.ProjectID, "owner_id": n.OwnerID, "name": n.Name,
		"status": string(n.Status), "configuration": n.Configuration, "version": n.Version,
	}
}
