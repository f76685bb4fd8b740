// Package kv implements the ephemeral key/value store backing the job
// ownership record and the single-use WebSocket delivery ticket (spec
// §4.10): both are short-TTL Redis keys, never persisted to the durable
// resource stores.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a ticket or ownership record does not exist
// or has already expired.
var ErrNotFound = errors.New("kv: key not found")

// Client wraps a redis.Client with the connection-check idiom the pack uses
// (construct, then explicitly verify reachability before serving traffic).
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient builds a Client against opts. Dialing is lazy; call
// EnsureConnection to fail fast during service startup.
func NewClient(opts *redis.Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: redis.NewClient(opts), logger: logger}
}

// ParseURL builds redis.Options from a redis:// URL, the form platform
// configuration carries KV.URL in.
func ParseURL(rawURL string) (*redis.Options, error) {
	return redis.ParseURL(rawURL)
}

func (c *Client) EnsureConnection(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.rdb.Close() }

// PutJobOwnership records that userID owns jobID, with a TTL matching the
// platform's ownership-record lifetime (default 24h, spec §4.10). The
// cancellation broadcaster (C11) consults this before honoring a cancel
// request.
func (c *Client) PutJobOwnership(ctx context.Context, jobID, userID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, ownershipKey(jobID), userID, ttl).Err()
}

// JobOwner returns the user ID that owns jobID, or ErrNotFound if the
// ownership record has expired or never existed.
func (c *Client) JobOwner(ctx context.Context, jobID string) (string, error) {
	v, err := c.rdb.Get(ctx, ownershipKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get job ownership: %w", err)
	}
	return v, nil
}

// PutDeliveryTicket issues a single-use WebSocket delivery ticket for
// jobID, with the platform's default 60s TTL.
func (c *Client) PutDeliveryTicket(ctx context.Context, ticket, jobID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, ticketKey(ticket), jobID, ttl).Err()
}

// RedeemDeliveryTicket atomically reads and deletes ticket, returning the
// job ID it was issued for. A ticket can be redeemed exactly once; a
// concurrent or repeat redemption observes ErrNotFound (spec §4.10 single-
// use invariant).
func (c *Client) RedeemDeliveryTicket(ctx context.Context, ticket string) (string, error) {
	v, err := c.rdb.GetDel(ctx, ticketKey(ticket)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: redeem ticket: %w", err)
	}
	return v, nil
}

// DeleteJobOwnership removes jobID's ownership record, used once the
// Cancellation Broadcaster (C11) has published the cancel so the same job
// cannot be cancelled a second time.
func (c *Client) DeleteJobOwnership(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, ownershipKey(jobID)).Err()
}

func ownershipKey(jobID string) string { return "job_ownership:" + jobID }
func ticketKey(ticket string) string   { return "ws_ticket:" + ticket }
