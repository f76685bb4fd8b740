// Package memorysvc implements the Memory resource service (C5):
// MemoryBucket and Message storage, the idempotent memory.context.update
// consumer that the Inference Executor's feedback stage (C9 step 4)
// publishes to, and bucket history retrieval for the Inference
// Orchestrator's Stage 3 fan-out (spec §3, §4.6, §4.7).
package memorysvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
)

// MemoryType distinguishes the two supported memory strategies (spec §3).
type MemoryType string

const (
	TypeConversationBufferWindow MemoryType = "conversation_buffer_window"
	TypeConversationSummary      MemoryType = "conversation_summary"
)

// Bucket is one memory container (spec §3 MemoryBucket).
type Bucket struct {
	ID           string
	OwnerID      string
	ProjectID    string
	Name         string
	MemoryType   MemoryType
	Config       json.RawMessage
	MessageCount int
	TokenCount   int
}

// Message is one stored turn (spec §3 Message). Content is the rich,
// multi-part representation: [{type:text|file_ref|image_ref, ...}].
type Message struct {
	ID             string
	BucketID       string
	Role           string
	Content        json.RawMessage
	IdempotencyKey *string
	Timestamp      string
}

// Store persists buckets and messages in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS memory_buckets (
	id UUID PRIMARY KEY,
	owner_id UUID NOT NULL,
	project_id UUID NOT NULL,
	name TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	message_count INT NOT NULL DEFAULT 0,
	token_count INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	bucket_id UUID NOT NULL REFERENCES memory_buckets(id),
	role TEXT NOT NULL,
	content JSONB NOT NULL,
	idempotency_key TEXT UNIQUE,
	ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) CreateBucket(ctx context.Context, ownerID, projectID, name string, memoryType MemoryType, config json.RawMessage) (*Bucket, error) {
	b := &Bucket{ID: uuid.NewString(), OwnerID: ownerID, ProjectID: projectID, Name: name, MemoryType: memoryType, Config: config}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_buckets (id, owner_id, project_id, name, memory_type, config)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, ownerID, projectID, name, string(memoryType), []byte(config))
	if err != nil {
		return nil, fmt.Errorf("memorysvc: create bucket: %w", err)
	}
	return b, nil
}

func (s *Store) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	var b Bucket
	var mt string
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, project_id, name, memory_type, config, message_count, token_count
		FROM memory_buckets WHERE id = $1
	`, id).Scan(&b.ID, &b.OwnerID, &b.ProjectID, &b.Name, &mt, &b.Config, &b.MessageCount, &b.TokenCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("memory bucket %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("memorysvc: get bucket: %w", err)
	}
	b.MemoryType = MemoryType(mt)
	return &b, nil
}

// ValidateOwnership implements POST /internal/buckets/validate (spec §6).
func (s *Store) ValidateOwnership(ctx context.Context, ids []string, requesterID string) error {
	for _, id := range ids {
		b, err := s.GetBucket(ctx, id)
		if err != nil {
			return err
		}
		if b.OwnerID != requesterID {
			return apperr.PermissionDeniedf("memory bucket %q is not visible to requester", id)
		}
	}
	return nil
}

// History returns bucketID's messages in chronological order, for the
// Inference Orchestrator's Stage 3 GetHistory RPC (spec §4.6).
func (s *Store) History(ctx context.Context, bucketID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bucket_id, role, content, idempotency_key, ts::text
		FROM messages WHERE bucket_id = $1 ORDER BY ts
	`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("memorysvc: history: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.BucketID, &m.Role, &m.Content, &m.IdempotencyKey, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("memorysvc: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendBatch inserts messagesToAdd into bucketID inside one transaction.
// Only the first message in the batch carries idempotencyKey (spec §3
// Message invariant); the column's UNIQUE constraint makes a replayed batch
// a no-op rather than a duplicate insert (spec §8 round-trip property).
func (s *Store) AppendBatch(ctx context.Context, bucketID, idempotencyKey string, messages []bus.MemoryMessageToAdd) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("memorysvc: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idempotencyKey != "" {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE idempotency_key = $1)`, idempotencyKey).Scan(&exists); err != nil {
			return fmt.Errorf("memorysvc: check idempotency: %w", err)
		}
		if exists {
			// Already applied by a prior delivery of the same job's feedback;
			// the batch is a no-op (spec §8 idempotence property).
			return tx.Commit(ctx)
		}
	}

	for i, m := range messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return apperr.InvalidArgumentf("memorysvc: marshal message content: %v", err)
		}
		var key *string
		if i == 0 && idempotencyKey != "" {
			key = &idempotencyKey
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, bucket_id, role, content, idempotency_key)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.NewString(), bucketID, m.Role, content, key); err != nil {
			if isUniqueViolation(err) {
				// Concurrent redelivery raced us and already inserted this
				// key; treat as the same no-op outcome.
				_ = tx.Rollback(ctx)
				return nil
			}
			return fmt.Errorf("memorysvc: insert message: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE memory_buckets SET message_count = message_count + $1 WHERE id = $2
	`, len(messages), bucketID); err != nil {
		return fmt.Errorf("memorysvc: update message count: %w", err)
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// Service wires the Store to the Event Bus for the memory.context.update
// consumer (C9 step 4's destination).
type Service struct {
	Store *Store
	Bus   bus.Adapter
}

func (svc *Service) Run(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeMemory,
		Queue:        "memory.context_update",
		RoutingKeys:  []string{bus.RKMemoryContextUpdate},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return svc.Bus.Consume(ctx, binding, svc.handle)
}

func (svc *Service) handle(ctx context.Context, _ string, body []byte) error {
	var evt bus.MemoryContextUpdate
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil // malformed, drop
	}
	return svc.Store.AppendBatch(ctx, evt.MemoryBucketID, evt.IdempotencyKey, evt.MessagesToAdd)
}
