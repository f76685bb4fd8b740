// Package users implements the User resource service (C5): the
// authoritative User table, registration, and the soft-deactivate-then-hard-
// delete lifecycle the User-Deletion saga drives (spec §3, §4.4).
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/saga"
)

// User is one registered account (spec §3).
type User struct {
	ID           string
	Email        string
	Username     string
	IsActive     bool
	IsStaff      bool
	PasswordHash string
	DateJoined   time.Time
}

// Store persists Users in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT true,
	is_staff BOOLEAN NOT NULL DEFAULT false,
	password_hash TEXT NOT NULL,
	date_joined TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Register creates a new active, non-staff User.
func (s *Store) Register(ctx context.Context, email, username, passwordHash string) (*User, error) {
	u := &User{ID: uuid.NewString(), Email: email, Username: username, IsActive: true, PasswordHash: passwordHash, DateJoined: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, is_active, is_staff, password_hash, date_joined)
		VALUES ($1, $2, $3, true, false, $4, $5)
	`, u.ID, email, username, passwordHash, u.DateJoined)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflictf("email or username already registered")
		}
		return nil, fmt.Errorf("users: register: %w", err)
	}
	return u, nil
}

// Get returns a User by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, username, is_active, is_staff, password_hash, date_joined
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Username, &u.IsActive, &u.IsStaff, &u.PasswordHash, &u.DateJoined)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("user %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("users: get: %w", err)
	}
	return &u, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, username, is_active, is_staff, password_hash, date_joined
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.Username, &u.IsActive, &u.IsStaff, &u.PasswordHash, &u.DateJoined)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("no user with that email")
	}
	if err != nil {
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &u, nil
}

func (s *Store) deactivate(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE users SET is_active = false WHERE id = $1 AND is_active = true`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("user %q not found or already deactivated", id)
	}
	return nil
}

func (s *Store) hardDelete(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// Service wires the User Store to the Saga Store and the Event Bus, per
// spec §4.4: starting a deletion saga soft-deactivates the user and creates
// the saga's rows inside one transaction with publishing
// user.deletion.initiated — if the publish fails, the transaction (and
// therefore the soft-state change) rolls back (spec §4.4 rule).
type Service struct {
	Store      *Store
	Sagas      *saga.Store
	Bus        bus.Adapter
	Confirming []string // confirming-service list from config (spec §9)
}

// StartDeletionSaga implements DELETE /auth/me.
func (svc *Service) StartDeletionSaga(ctx context.Context, userID string) (*saga.Saga, error) {
	if existing, err := svc.Sagas.FindInProgress(ctx, saga.TypeUserDeletion, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Conflictf("a user-deletion saga is already in progress for %q", userID)
	}

	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("users: begin deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := svc.Store.deactivate(ctx, tx, userID); err != nil {
		return nil, err
	}

	sg, err := svc.Sagas.StartSaga(ctx, saga.TypeUserDeletion, userID, svc.Confirming)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(bus.UserDeletionInitiated{UserID: userID})
	if err := svc.Bus.Publish(ctx, bus.ExchangeUserEvents, bus.RKUserDeletionInitiated, body, bus.KindTopic, true); err != nil {
		// Publish failure rolls the soft-deactivate back too (spec §4.4).
		return nil, apperr.Wrap(apperr.Unavailable, "failed to publish user.deletion.initiated", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("users: commit deletion tx: %w", err)
	}
	audit.Record("saga.started", "user", userID, userID, "type=user_deletion")
	return sg, nil
}

// HardDelete implements sagaorch.HardDeleter: the terminal, irreversible
// delete once every confirming service has finished.
func (svc *Service) HardDelete(ctx context.Context, userID string) error {
	tx, err := svc.Store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("users: begin hard-delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := svc.Store.hardDelete(ctx, tx, userID); err != nil {
		return fmt.Errorf("users: hard delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("users: commit hard-delete tx: %w", err)
	}
	audit.Record("user.hard_deleted", "user", userID, "", "")
	return nil
}
