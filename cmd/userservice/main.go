// Command userservice runs the User resource service (C5): registration,
// access-token issuance, and the account-deletion saga entry point (spec
// §4.4, §6).
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
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/saga"
	"github.com/basket/nodeforge/internal/telemetry"
	"github.com/basket/nodeforge/internal/users"
)

const serviceName = "users"

func main() {
	if err := run(); err != nil {
		slog.Error("userservice exited", "error", err)
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
	store := users.NewStore(pool)
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

	svc := &users.Service{
		Store:      store,
		Sagas:      sagas,
		Bus:        broker,
		Confirming: cfg.Saga.UserDeletionConfirmingServices,
	}

	mux := http.NewServeMux()
	h := &handlers{svc: svc, store: store, verifier: verifier}
	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("POST /auth/token", h.token)
	mux.Handle("DELETE /auth/me", verifier.Middleware(http.HandlerFunc(h.deleteMe)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("userservice listening", "addr", cfg.BindAddr)

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
	svc      *users.Service
	store    *users.Store
	verifier *identity.Verifier
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Email == "" || req.Username == "" || len(req.Password) < 8 {
		httpx.WriteError(w, apperr.InvalidArgumentf("email, username and a password of at least 8 characters are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httpx.WriteError(w, apperr.Internalf("hash password: %v", err))
		return
	}
	u, err := h.store.Register(r.Context(), req.Email, req.Username, string(hash))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": u.ID, "email": u.Email, "username": u.Username})
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	u, err := h.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		httpx.WriteError(w, apperr.PermissionDeniedf("invalid email or password"))
		return
	}
	if !u.IsActive {
		httpx.WriteError(w, apperr.PermissionDeniedf("account is deactivated"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		httpx.WriteError(w, apperr.PermissionDeniedf("invalid email or password"))
		return
	}
	token, err := h.verifier.Issue(u.ID, u.IsStaff, time.Hour)
	if err != nil {
		httpx.WriteError(w, apperr.Internalf("issue token: %v", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

func (h *handlers) deleteMe(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	sg, err := h.svc.StartDeletionSaga(r.Context(), p.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"saga_id": sg.ID, "status": string(sg.Status)})
}
