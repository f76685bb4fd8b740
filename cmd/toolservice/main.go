// Command toolservice runs the Tool resource service (C5): tool
// definitions, the tool.deleted publisher the Node Dependency Healer (C7)
// consumes, the GetToolDefinitions RPC the Inference Orchestrator (C8)
// dials into, and the internal ownership-validate endpoint (spec §3, §4.6,
// §6).
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/mcp"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/sandbox/wasm"
	"github.com/basket/nodeforge/internal/telemetry"
	"github.com/basket/nodeforge/internal/toolsvc"
)

const serviceName = "tools"

func main() {
	if err := run(); err != nil {
		slog.Error("toolservice exited", "error", err)
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
	store := toolsvc.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	execPolicy := toolsvc.DefaultPolicy()
	wasmHost, err := wasm.NewHost(ctx, wasm.Config{Policy: execPolicy, Logger: logger})
	if err != nil {
		return err
	}
	defer wasmHost.Close(ctx)
	if skillsDir := os.Getenv("WASM_SKILLS_DIR"); skillsDir != "" {
		if entries, derr := os.ReadDir(skillsDir); derr == nil {
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
					continue
				}
				if lerr := wasmHost.LoadModuleFromFile(ctx, filepath.Join(skillsDir, entry.Name())); lerr != nil {
					logger.Warn("tools: failed to load wasm skill", "file", entry.Name(), "error", lerr)
				}
			}
		}
	}
	mcpManager := mcp.NewManager(nil, execPolicy, logger)

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &toolsvc.Service{Store: store, Bus: broker, Executor: toolsvc.NewExecutor(wasmHost, mcpManager, logger)}

	go func() {
		if err := svc.ConsumeUserDeletionInitiated(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tools: user-deletion consumer stopped", "error", err)
		}
	}()

	rpcAddr := os.Getenv("TOOLSERVICE_RPC_ADDR")
	if rpcAddr == "" {
		rpcAddr = ":9103"
	}
	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	rpcSrv := rpcclient.NewServer("nodeforge.toolsvc.ToolService")
	rpcSrv.RegisterUnary("/nodeforge.toolsvc.ToolService/GetToolDefinitions", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			ToolIDs []string `json:"tool_ids"`
			UserID  string   `json:"user_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetToolDefinitions request: %v", err)
		}
		if err := svc.ValidateOwnership(ctx, in.ToolIDs, in.UserID); err != nil {
			return nil, err
		}
		tools, err := store.GetMany(ctx, in.ToolIDs)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(tools))
		for i, t := range tools {
			out[i] = map[string]any{"id": t.ID, "name": t.Name, "definition": t.Definition}
		}
		return out, nil
	})
	rpcSrv.RegisterUnary("/nodeforge.toolsvc.ToolService/ExecuteMultipleTools", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			Calls     []toolsvc.Call `json:"calls"`
			UserID    string         `json:"user_id"`
			SessionID string         `json:"session_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode ExecuteMultipleTools request: %v", err)
		}
		return svc.ExecuteMultipleTools(ctx, in.Calls, in.UserID, in.SessionID)
	})
	go func() {
		if err := rpcSrv.Serve(lis); err != nil {
			logger.Error("toolservice: rpc server stopped", "error", err)
		}
	}()
	logger.Info("toolservice rpc listening", "addr", rpcAddr)

	mux := http.NewServeMux()
	h := &handlers{svc: svc}
	mux.Handle("DELETE /tools/{id}", verifier.Middleware(http.HandlerFunc(h.delete)))
	mux.Handle("POST /internal/tools/validate", verifier.Middleware(http.HandlerFunc(h.validate)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("toolservice listening", "addr", cfg.BindAddr)

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
	svc *toolsvc.Service
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	if err := h.svc.Delete(r.Context(), r.PathValue("id"), p.UserID, p.IsStaff); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateRequest struct {
	ToolIDs []string `json:"tool_ids"`
}

// validate implements POST /internal/tools/validate: another service (the
// Node service, binding tool_ids into a node's tool_config) confirms the
// requester owns or has system-tool access to every id (spec §6).
func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	var req validateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.svc.ValidateOwnership(r.Context(), req.ToolIDs, p.UserID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
