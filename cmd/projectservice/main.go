// Command projectservice runs the Project resource service (C5): project
// creation, the project-deletion saga's initiating half, the user-deletion
// cascade hop, and the internal ownership-authorize RPC other services
// call before acting on a project ID (spec §4.4, §6).
package main

import (
	"context"
	"errors"
	"log/slog"
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
	"github.com/basket/nodeforge/internal/projects"
	"github.com/basket/nodeforge/internal/saga"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "projects"

func main() {
	if err := run(); err != nil {
		slog.Error("projectservice exited", "error", err)
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
	store := projects.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	sagas, err := saga.Open(ctx, cfg.StorageDSN("saga"))
	if err != nil {
		return err
	}
	defer sagas.Close()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)

	svc := &projects.Service{
		Store:       store,
		Sagas:       sagas,
		Bus:         broker,
		Confirming:  cfg.Saga.ProjectDeletionConfirmingServices,
		Logger:      logger,
		ServiceName: "ProjectService",
	}

	go func() {
		if err := svc.ConsumeUserDeletionInitiated(ctx); err != nil && ctx.Err() == nil {
			logger.Error("projects: user-deletion consumer stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	h := &handlers{svc: svc, store: store}
	mux.Handle("POST /projects", verifier.Middleware(http.HandlerFunc(h.create)))
	mux.Handle("DELETE /projects/{id}", verifier.Middleware(http.HandlerFunc(h.delete)))
	mux.HandleFunc("GET /internal/projects/{id}/authorize", h.authorize)

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("projectservice listening", "addr", cfg.BindAddr)

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
	svc   *projects.Service
	store *projects.Store
}

type createRequest struct {
	Name string `json:"name"`
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Name == "" {
		httpx.WriteError(w, apperr.InvalidArgumentf("name is required"))
		return
	}
	proj, err := h.store.Create(r.Context(), req.Name, p.UserID, nil)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": proj.ID, "name": proj.Name, "status": string(proj.Status)})
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	sg, err := h.svc.StartDeletionSaga(r.Context(), r.PathValue("id"), p.UserID, p.IsStaff)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"saga_id": sg.ID, "status": string(sg.Status)})
}

// authorize implements GET /internal/projects/{id}/authorize: other
// services call this before acting on a project_id they were handed, to
// confirm the caller-asserted owner actually owns it (spec §6).
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	proj, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if proj.OwnerID != ownerID {
		httpx.WriteError(w, apperr.PermissionDeniedf("project %q is not owned by %q", proj.ID, ownerID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
