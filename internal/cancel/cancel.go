// Package cancel implements the Cancellation Broadcaster (C11): the
// DELETE /jobs/{job_id} HTTP handler that verifies ownership against the
// ephemeral KV store and fans the cancel request out to every Executor
// instance (spec §4.8).
package cancel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/kv"
)

// Service wires the ephemeral KV store and Event Bus.
type Service struct {
	KV  *kv.Client
	Bus bus.Adapter
}

// Cancel implements DELETE /jobs/{job_id} (spec §4.8): look up the
// ownership record, require the requester to be the owner, broadcast the
// cancel to every Executor, and delete the ownership record so the job
// can't be cancelled twice.
func (s *Service) Cancel(ctx context.Context, jobID, requesterID string) error {
	owner, err := s.KV.JobOwner(ctx, jobID)
	if errors.Is(err, kv.ErrNotFound) {
		return apperr.NotFoundf("job %q not found or already completed", jobID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to look up job ownership", err)
	}
	if owner != requesterID {
		return apperr.PermissionDeniedf("job %q is not owned by requester", jobID)
	}

	body, err := json.Marshal(bus.JobControlCancel{JobID: jobID, UserID: requesterID})
	if err != nil {
		return apperr.Internalf("cancel: marshal cancel message: %v", err)
	}
	if err := s.Bus.Publish(ctx, bus.ExchangeJobControlFanout, "", body, bus.KindFanout, true); err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to publish job cancellation", err)
	}

	if err := s.KV.DeleteJobOwnership(ctx, jobID); err != nil {
		return apperr.Wrap(apperr.Unavailable, "failed to clear job ownership", err)
	}
	return nil
}
