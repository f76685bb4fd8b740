// Command fileservice runs the File/Data resource service (C5): file
// metadata and object storage, the project- and user-deletion cascade
// consumers, and the GetFileMetadata/GetFileContent RPCs the Inference
// Orchestrator (C8) and Inference Executor (C9) dial into (spec §3, §4.6,
// §4.7, §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/config"
	"github.com/basket/nodeforge/internal/filesvc"
	"github.com/basket/nodeforge/internal/httpx"
	"github.com/basket/nodeforge/internal/identity"
	"github.com/basket/nodeforge/internal/rpcclient"
	"github.com/basket/nodeforge/internal/telemetry"
)

const serviceName = "files"

func main() {
	if err := run(); err != nil {
		slog.Error("fileservice exited", "error", err)
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
	store := filesvc.NewStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	objects, err := filesvc.NewLocalObjects(filepath.Join(cfg.HomeDir, "objects"))
	if err != nil {
		return err
	}

	broker := bus.NewBroker(cfg.Bus.URL, logger)
	defer broker.Close()

	verifier := identity.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.ClockSkew)
	svc := &filesvc.Service{Store: store, Objects: objects, Bus: broker}

	go func() {
		if err := svc.ConsumeProjectDeletionInitiated(ctx); err != nil && ctx.Err() == nil {
			logger.Error("files: project-deletion consumer stopped", "error", err)
		}
	}()
	go func() {
		if err := svc.ConsumeUserDeletionInitiated(ctx); err != nil && ctx.Err() == nil {
			logger.Error("files: user-deletion consumer stopped", "error", err)
		}
	}()

	rpcAddr := os.Getenv("FILESERVICE_RPC_ADDR")
	if rpcAddr == "" {
		rpcAddr = ":9105"
	}
	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	rpcSrv := rpcclient.NewServer("nodeforge.filesvc.DataService")
	rpcSrv.RegisterUnary("/nodeforge.filesvc.DataService/GetFileMetadata", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			IDs    []string `json:"ids"`
			UserID string   `json:"user_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetFileMetadata request: %v", err)
		}
		files, err := store.GetMetadata(ctx, in.IDs, in.UserID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(files))
		for i, f := range files {
			out[i] = map[string]any{"id": f.ID, "mimetype": f.Mimetype}
		}
		return out, nil
	})
	rpcSrv.RegisterUnary("/nodeforge.filesvc.DataService/GetFileContent", func(ctx context.Context, req json.RawMessage) (any, error) {
		var in struct {
			FileID string `json:"file_id"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, apperr.InvalidArgumentf("decode GetFileContent request: %v", err)
		}
		f, data, err := svc.Content(ctx, in.FileID, in.UserID)
		if err != nil {
			return nil, err
		}
		return classifyContent(f, data), nil
	})
	go func() {
		if err := rpcSrv.Serve(lis); err != nil {
			logger.Error("fileservice: rpc server stopped", "error", err)
		}
	}()
	logger.Info("fileservice rpc listening", "addr", rpcAddr)

	mux := http.NewServeMux()
	h := &handlers{store: store, objects: objects}
	mux.Handle("POST /files", verifier.Middleware(http.HandlerFunc(h.upload)))

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("fileservice listening", "addr", cfg.BindAddr)

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

// classifyContent implements the Data Builder's response shape (spec
// §4.7): text decoded as UTF-8 for text/* mimetypes, a bare URL passthrough
// is handled upstream by the orchestrator for image_url inputs, and
// anything else falls back to "unsupported" with a note rather than
// shipping raw bytes the model cannot consume. PDF text extraction is left
// to a dedicated parser library at the point this classification proves
// too coarse; today PDFs fall into the unsupported bucket with that noted
// explicitly so the gap is visible rather than silently mishandled.
func classifyContent(f *filesvc.File, data []byte) map[string]any {
	switch {
	case len(f.Mimetype) >= 5 && f.Mimetype[:5] == "text/":
		return map[string]any{"type": "text_content", "content": string(data)}
	case f.Mimetype == "application/pdf":
		return map[string]any{"type": "unsupported", "content": "pdf text extraction not configured for this deployment"}
	default:
		return map[string]any{"type": "unsupported", "content": "mimetype " + f.Mimetype + " is not a supported inference input"}
	}
}

type handlers struct {
	store   *filesvc.Store
	objects *filesvc.LocalObjects
}

// upload implements the file-ingestion path a real deployment needs before
// any file_id input can be referenced by an inference request: store the
// raw bytes and a metadata row. Not part of spec §6's table (which only
// names the internal RPCs other services use against an existing file_id),
// but every "$file_id input" precondition in §4.6/§4.7 presupposes one.
func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.PermissionDeniedf("no authenticated principal"))
		return
	}
	projectID := r.URL.Query().Get("project_id")
	filename := r.Header.Get("X-Filename")
	mimetype := r.Header.Get("Content-Type")
	if projectID == "" || filename == "" {
		httpx.WriteError(w, apperr.InvalidArgumentf("project_id query param and X-Filename header are required"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		httpx.WriteError(w, apperr.InvalidArgumentf("read body: %v", err))
		return
	}
	storagePath := filepath.Join(p.UserID, uuid.NewString()+"_"+filename)
	if err := h.objects.Put(r.Context(), storagePath, data); err != nil {
		httpx.WriteError(w, err)
		return
	}
	f, err := h.store.Create(r.Context(), p.UserID, projectID, filename, mimetype, int64(len(data)), storagePath)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"id": f.ID, "filename": f.Filename, "size_bytes": strconv.FormatInt(f.SizeBytes, 10),
	})
}
