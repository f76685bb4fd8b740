// Package filesvc implements the File resource service (C5): StoredFile
// metadata, content-addressed storage-path bookkeeping, and the
// GetFileMetadata/GetFileContent RPCs the Inference Orchestrator (C8 Stage 1)
// and Inference Executor (C9 Data Builder) call synchronously (spec §3, §4.6,
// §4.7). Object bytes live in an external object store (out of scope, spec
// §1); this package is authoritative for metadata only.
package filesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
)

// File is one uploaded object's metadata (spec §3 StoredFile).
type File struct {
	ID          string
	OwnerID     string
	ProjectID   string
	Filename    string
	Mimetype    string
	SizeBytes   int64
	StoragePath string
	CreatedAt   time.Time
}

// ObjectStore is the out-of-scope external collaborator (spec §1) this
// service reads file bytes through.
type ObjectStore interface {
	Get(ctx context.Context, storagePath string) ([]byte, error)
}

// Store persists File metadata in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS stored_files (
	id UUID PRIMARY KEY,
	owner_id UUID NOT NULL,
	project_id UUID NOT NULL,
	filename TEXT NOT NULL,
	mimetype TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Create(ctx context.Context, ownerID, projectID, filename, mimetype string, size int64, storagePath string) (*File, error) {
	f := &File{ID: uuid.NewString(), OwnerID: ownerID, ProjectID: projectID, Filename: filename, Mimetype: mimetype, SizeBytes: size, StoragePath: storagePath, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stored_files (id, owner_id, project_id, filename, mimetype, size_bytes, storage_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, ownerID, projectID, filename, mimetype, size, storagePath, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("filesvc: create: %w", err)
	}
	return f, nil
}

func (s *Store) GetMetadata(ctx context.Context, ids []string, requesterID string) ([]File, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, project_id, filename, mimetype, size_bytes, storage_path, created_at
		FROM stored_files WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("filesvc: get metadata: %w", err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.ProjectID, &f.Filename, &f.Mimetype, &f.SizeBytes, &f.StoragePath, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("filesvc: scan: %w", err)
		}
		if f.OwnerID != requesterID {
			return nil, apperr.PermissionDeniedf("file %q is not visible to requester", f.ID)
		}
		out = append(out, f)
	}
	if len(out) != len(ids) {
		return nil, apperr.NotFoundf("one or more file ids not found")
	}
	return out, nil
}

func (s *Store) deleteOwnedByProject(ctx context.Context, tx pgx.Tx, projectID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM stored_files WHERE project_id = $1`, projectID)
	return err
}

func (s *Store) deleteOwnedByUser(ctx context.Context, tx pgx.Tx, ownerID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM stored_files WHERE owner_id = $1`, ownerID)
	return err
}

// Service wires the Store, the ObjectStore collaborator, and the Event Bus
// for this service's saga participation.
type Service struct {
	Store   *Store
	Objects ObjectStore
	Bus     bus.Adapter
}

// Content loads one file's bytes classified per spec §4.7 Data Builder:
// PDFs/text are the caller's job to parse further, this RPC just returns the
// raw bytes and mimetype the executor dispatches on.
func (svc *Service) Content(ctx context.Context, fileID, requesterID string) (*File, []byte, error) {
	files, err := svc.Store.GetMetadata(ctx, []string{fileID}, requesterID)
	if err != nil {
		return nil, nil, err
	}
	f := files[0]
	data, err := svc.Objects.Get(ctx, f.StoragePath)
	if err != nil {
		return &f, nil, apperr.Wrap(apperr.Unavailable, "object store read failed", err)
	}
	return &f, data, nil
}

func (svc *Service) consumeDeletion(ctx context.Context, exchange, routingKey, queue string, extract func([]byte) (string, bool)) error {
	binding := bus.Binding{
		Exchange:     exchange,
		Queue:        queue,
		RoutingKeys:  []string{routingKey},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return svc.Bus.Consume(ctx, binding, func(ctx context.Context, _ string, body []byte) error {
		id, ok := extract(body)
		if !ok {
			return nil
		}
		return svc.deleteAndConfirm(ctx, exchange, routingKey, id)
	})
}

func (svc *Service) deleteAndConfirm(ctx context.Context, exchange, routingKey, resourceID string) error {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("filesvc: begin deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var confirmExchange, confirmKey string
	var body []byte
	if exchange == bus.ExchangeProjectEvents {
		if err := svc.Store.deleteOwnedByProject(ctx, tx, resourceID); err != nil {
			return fmt.Errorf("filesvc: delete project files: %w", err)
		}
		confirmExchange = bus.ExchangeProjectEvents
		confirmKey = bus.ResourceForProjectDeletedKey("DataService")
		body, _ = json.Marshal(bus.ResourceForProjectDeleted{ProjectID: resourceID, ServiceName: "DataService"})
	} else {
		if err := svc.Store.deleteOwnedByUser(ctx, tx, resourceID); err != nil {
			return fmt.Errorf("filesvc: delete user files: %w", err)
		}
		confirmExchange = bus.ExchangeUserEvents
		confirmKey = bus.ResourceForUserDeletedKey("DataService")
		body, _ = json.Marshal(bus.ResourceForUserDeleted{UserID: resourceID, ServiceName: "DataService"})
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("filesvc: commit deletion tx: %w", err)
	}
	return svc.Bus.Publish(ctx, confirmExchange, confirmKey, body, bus.KindTopic, true)
}

// ConsumeProjectDeletionInitiated confirms this service's participation in
// the project-deletion saga (spec §4.4 step 2).
func (svc *Service) ConsumeProjectDeletionInitiated(ctx context.Context) error {
	return svc.consumeDeletion(ctx, bus.ExchangeProjectEvents, bus.RKProjectDeletionInitiated, "files.project_deletion", func(body []byte) (string, bool) {
		var evt bus.ProjectDeletionInitiated
		if err := json.Unmarshal(body, &evt); err != nil || evt.ProjectID == "" {
			return "", false
		}
		return evt.ProjectID, true
	})
}

// ConsumeUserDeletionInitiated confirms this service's participation in the
// user-deletion saga.
func (svc *Service) ConsumeUserDeletionInitiated(ctx context.Context) error {
	return svc.consumeDeletion(ctx, bus.ExchangeUserEvents, bus.RKUserDeletionInitiated, "files.user_deletion", func(body []byte) (string, bool) {
		var evt bus.UserDeletionInitiated
		if err := json.Unmarshal(body, &evt); err != nil || evt.UserID == "" {
			return "", false
		}
		return evt.UserID, true
	})
}

