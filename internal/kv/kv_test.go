package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := NewClient(&redis.Options{Addr: mr.Addr()}, nil)
	if err := client.EnsureConnection(context.Background()); err != nil {
		t.Fatalf("ensure connection: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestJobOwnershipRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.PutJobOwnership(ctx, "job-1", "user-9", time.Hour); err != nil {
		t.Fatalf("put ownership: %v", err)
	}
	owner, err := client.JobOwner(ctx, "job-1")
	if err != nil {
		t.Fatalf("job owner: %v", err)
	}
	if owner != "user-9" {
		t.Fatalf("expected user-9, got %q", owner)
	}
}

func TestJobOwnerMissingReturnsNotFound(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.JobOwner(context.Background(), "never-existed"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobOwnershipExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	if err := client.PutJobOwnership(ctx, "job-2", "user-1", time.Second); err != nil {
		t.Fatalf("put ownership: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := client.JobOwner(ctx, "job-2"); err != ErrNotFound {
		t.Fatalf("expected expired ownership to return ErrNotFound, got %v", err)
	}
}

func TestDeliveryTicketIsSingleUse(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.PutDeliveryTicket(ctx, "ticket-abc", "job-1", time.Minute); err != nil {
		t.Fatalf("put ticket: %v", err)
	}

	jobID, err := client.RedeemDeliveryTicket(ctx, "ticket-abc")
	if err != nil {
		t.Fatalf("redeem ticket: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("expected job-1, got %q", jobID)
	}

	if _, err := client.RedeemDeliveryTicket(ctx, "ticket-abc"); err != ErrNotFound {
		t.Fatalf("expected second redemption to fail with ErrNotFound, got %v", err)
	}
}

func TestDeliveryTicketExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	if err := client.PutDeliveryTicket(ctx, "ticket-xyz", "job-2", time.Second); err != nil {
		t.Fatalf("put ticket: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := client.RedeemDeliveryTicket(ctx, "ticket-xyz"); err != ErrNotFound {
		t.Fatalf("expected expired ticket to return ErrNotFound, got %v", err)
	}
}
