// Command memoryservice runs the Memory resource service (C5): buckets and
// messages, the memory.context.update consumer that appends an inference
// job's feedback turn, the GetHistory RPC the Inference Orchestrator (C8)
// dials into, and the internal bucket-ownership-validate endpoint (spec
// §3, §4.6, §6).
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
	"github.com/basket/nodeforge/internal/memorysvc"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "memory"

func main() {
	if err := run(); err != nil {
		slog.Error("memoryservice exited", "error", err)
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
	store := memorysvc.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &memorysvc.Service{Store: store, Bus: broker}

	go func() {
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("memory: context-update consumer stopped", "error", err)
		}
	}()

	rpcAddr := os.Getenv("MEMORYSERVICE_RPC_ADDR")
	if rpcAddr == "" {
		rpcAddr = ":9104"
	}
	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	rpcSrv := rpcclient.NewServer("nodeforge.memorysvc.MemoryService")
	rpcSrv.RegisterUnary("/nodeforge.memorysvc.MemoryService/GetHistory", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			BucketID string `json:"bucket_id"`
			UserID   string `json:"user_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetHistory request: %v", err)
		}
		if err := store.ValidateOwnership(ctx, []string{in.BucketID}, in.UserID); err != nil {
			return nil, err
		}
		msgs, err := store.History(ctx, in.BucketID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(msgs))
		for i, m := range msgs {
			out[i] = map[string]any{"role": m.Role, "content": m.Content}
		}
		return out, nil
	})
	go func() {
		if err := rpcSrv.Serve(lis); err != nil {
			logger.Error("memoryservice: rpc server stopped", "error", err)
		}
	}()
	logger.Info("memoryservice rpc listening", "addr", rpcAddr)

	mux := http.NewServeMux()
	h := &handlers{store: store}
	mux.Handle("POST /internal/buckets/validate", verifier.Middleware(http.HandlerFunc(h.validate)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("memoryservice listening", "addr", cfg.BindAddr)

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
	store *memorysvc.Store
}

type validateRequest struct {
	BucketIDs []string `json:"bucket_ids"`
}

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
	if err := h.store.ValidateOwnership(r.Context(), req.BucketIDs, p.UserID); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
