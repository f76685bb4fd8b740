// Package sagaorch implements the choreographed Saga Orchestrators (C6):
// the generic algorithm spec §4.4 describes once and applies to both
// user-deletion and project-deletion. A single Finalizer type drives both —
// only the confirming-service list, the routing keys it listens on, and the
// terminal hard-delete callback differ per saga type.
package sagaorch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/saga"
)

// HardDeleter performs the terminal, irreversible delete once every
// confirming step has completed. Implemented by the User and Project
// resource services respectively.
type HardDeleter interface {
	HardDelete(ctx context.Context, relatedResourceID string) error
}

// Finalizer consumes per-service deletion confirmations for one saga Type,
// completing saga steps idempotently and triggering the terminal hard-delete
// exactly once, the moment the last PENDING step clears (spec §4.4 step 3).
type Finalizer struct {
	Type      saga.Type
	Store     *saga.Store
	Bus       bus.Adapter
	Queue     string   // durable queue name this finalizer consumes on
	Exchange  string   // exchange the confirmation events are published to
	Bindings  []string // routing key patterns matching this saga's confirmations
	Deleter   HardDeleter
	Logger    *slog.Logger
	// ExtractStep pulls {saga related-resource id, confirming service name}
	// out of one delivered confirmation event body. Different confirmation
	// events (per-service vs. the project-service's own "all projects done"
	// signal) carry the service name differently, so this is pluggable.
	ExtractStep func(routingKey string, body []byte) (relatedResourceID, serviceName string, err error)
}

// Run blocks consuming confirmations until ctx is canceled or the adapter
// returns a fatal error.
func (f *Finalizer) Run(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     f.Exchange,
		Queue:        f.Queue,
		RoutingKeys:  f.Bindings,
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
	}
	return f.Bus.Consume(ctx, binding, f.handle)
}

func (f *Finalizer) handle(ctx context.Context, routingKey string, body []byte) error {
	relatedResourceID, serviceName, err := f.ExtractStep(routingKey, body)
	if err != nil {
		// Malformed event: logging and acking (via RequeueAndRetry's caller
		// policy this would requeue forever on a permanently malformed
		// payload, so treat parse failures as poison and swallow them).
		if f.Logger != nil {
			f.Logger.Warn("sagaorch: malformed confirmation, dropping", "routing_key", routingKey, "error", err)
		}
		return nil
	}

	sg, err := f.lookupInProgressSaga(ctx, relatedResourceID)
	if err != nil {
		return err
	}
	if sg == nil {
		// Unknown or already-completed saga: ack and ignore (spec §4.4 rule).
		if f.Logger != nil {
			f.Logger.Warn("sagaorch: confirmation for unknown/completed saga, ignoring",
				"type", f.Type, "related_resource_id", relatedResourceID, "service", serviceName)
		}
		return nil
	}

	finalized, err := f.Store.CompleteStep(ctx, sg.ID, serviceName)
	if err != nil {
		return fmt.Errorf("sagaorch: complete step: %w", err)
	}
	audit.Record("saga.step.completed", "saga", sg.ID, "", fmt.Sprintf("service=%s finalized=%v", serviceName, finalized))

	if !finalized {
		return nil
	}

	if err := f.Deleter.HardDelete(ctx, relatedResourceID); err != nil {
		// The saga is already COMPLETED at this point (finalized==true came
		// from CompleteStep's own transaction); a hard-delete failure here is
		// an operational alert, not something to roll the saga status back
		// for, since that status change already committed atomically with
		// the last step completion.
		if f.Logger != nil {
			f.Logger.Error("sagaorch: hard delete failed after saga finalized", "saga_id", sg.ID, "related_resource_id", relatedResourceID, "error", err)
		}
		return fmt.Errorf("sagaorch: hard delete: %w", err)
	}
	audit.Record("saga.finalized", "saga", sg.ID, "", fmt.Sprintf("related_resource_id=%s", relatedResourceID))
	return nil
}

// lookupInProgressSaga finds the one IN_PROGRESS saga of f.Type for
// relatedResourceID, returning nil (not an error) if none exists or it has
// already finalized — the caller's ack-and-ignore path.
func (f *Finalizer) lookupInProgressSaga(ctx context.Context, relatedResourceID string) (*saga.Saga, error) {
	sg, err := f.Store.FindInProgress(ctx, f.Type, relatedResourceID)
	if err != nil {
		return nil, fmt.Errorf("sagaorch: find in-progress saga: %w", err)
	}
	return sg, nil
}

// UserDeletionConfirmation extracts {user_id, service_name} for the
// user-deletion saga, which has one irregular confirming event: the Project
// service never emits a per-service "resource.for_user.deleted.ProjectService"
// message of its own. Instead it drives every one of the user's projects
// through the project-deletion saga (reusing that exact algorithm) and only
// then emits "all_projects_for_user.deleted", which this finalizer treats as
// the Project service's confirming step (spec §4.4).
func UserDeletionConfirmation(projectServiceName string) func(string, []byte) (string, string, error) {
	perService := PerServiceConfirmation("user_id")
	return func(routingKey string, body []byte) (string, string, error) {
		if routingKey == "all_projects_for_user.deleted" {
			var payload struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return "", "", fmt.Errorf("decode all-projects confirmation: %w", err)
			}
			if payload.UserID == "" {
				return "", "", fmt.Errorf("all-projects confirmation missing user_id")
			}
			return payload.UserID, projectServiceName, nil
		}
		return perService(routingKey, body)
	}
}

// PerServiceConfirmation extracts {project_id|user_id, service_name} from
// the standard "resource.for_<kind>.deleted.<Service>" event body, which
// carries both fields explicitly (bus.ResourceForProjectDeleted /
// bus.ResourceForUserDeleted shape).
func PerServiceConfirmation(idField string) func(string, []byte) (string, string, error) {
	return func(_ string, body []byte) (string, string, error) {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", "", fmt.Errorf("decode confirmation: %w", err)
		}
		id, _ := payload[idField].(string)
		svc, _ := payload["service_name"].(string)
		if id == "" || svc == "" {
			return "", "", fmt.Errorf("confirmation missing %q or service_name", idField)
		}
		return id, svc, nil
	}
}
