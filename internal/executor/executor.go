package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/nodeforge/internal/apperr"
	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/rpcclient"
)

// Service is one Executor instance: bound to inference_jobs_queue, it
// spawns one goroutine per received job and tracks them in a registry the
// cancellation fanout consumer consults (spec §4.7, §4.8, §5).
type Service struct {
	Bus    bus.Adapter
	Data   *rpcclient.Client
	Tool   ToolInvoker
	Memory *rpcclient.Client

	Concurrency int // prefetch N, bounds in-flight jobs (spec §4.7)
	Logger      *slog.Logger

	mu       sync.Mutex
	running  map[string]*runningJob
}

// runningJob is the registry entry the fanout cancel consumer looks up by
// job_id. The spec frames RUNNING_JOBS as a single-owner map accessed only
// on "the scheduler thread"; Go's runtime schedules goroutines with real
// parallelism rather than the single-threaded cooperative loop the rest of
// the platform assumes, so this package guards the map with a mutex instead
// — the same invariant (only one task ever touches a given job's cancel
// func at a time), expressed with the concurrency primitive Go actually
// gives us.
type runningJob struct {
	userID string
	cancel context.CancelFunc
}

func (e *Service) register(jobID, userID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == nil {
		e.running = make(map[string]*runningJob)
	}
	e.running[jobID] = &runningJob{userID: userID, cancel: cancel}
}

func (e *Service) deregister(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobID)
}

// cancelledError is raised at the pipeline boundary when a task observes
// its cancellation signal at a suspension point (spec §5).
type cancelledError struct{}

func (*cancelledError) Error() string { return "executor: job cancelled" }

func newCancelled() error { return &cancelledError{} }

func isCancelled(err error) bool {
	_, ok := err.(*cancelledError)
	return ok
}

// Run binds inference_jobs_queue and the per-instance cancellation fanout
// queue, and blocks until ctx is cancelled.
func (e *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- e.runJobConsumer(ctx) }()
	go func() { errCh <- e.runCancelConsumer(ctx) }()
	return <-errCh
}

func (e *Service) runJobConsumer(ctx context.Context) error {
	prefetch := e.Concurrency
	if prefetch <= 0 {
		prefetch = 16
	}
	binding := bus.Binding{
		Exchange:     bus.ExchangeInference,
		Queue:        "inference_jobs_queue",
		RoutingKeys:  []string{bus.RKInferenceJobStart},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.RequeueAndRetry,
		Prefetch:     prefetch,
	}
	return e.Bus.Consume(ctx, binding, e.handleJobMessage)
}

// handleJobMessage parses the job and spawns it as an independent task; the
// bus ack/nack for the *message* follows the spawned task's own completion
// signal rather than this handler returning immediately, matching "message
// is acked on success or cancellation, nacked+requeued on unexpected error"
// (spec §4.7).
func (e *Service) handleJobMessage(ctx context.Context, _ string, body []byte) error {
	job, err := parseJob(body)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("dropping malformed inference job", "error", err)
		}
		return nil // malformed: reject without requeue
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e.register(job.JobID, job.UserID, cancel)
	defer e.deregister(job.JobID)

	return e.runPipeline(jobCtx, job)
}

// runPipeline is stage 2-4 of spec §4.7: build context, run, feedback.
func (e *Service) runPipeline(ctx context.Context, job *Job) error {
	dataParts, err := buildData(ctx, e.Data, job.UserID, job.Inputs)
	if err != nil {
		return e.fail(ctx, job, err)
	}

	provider, params, err := buildModel(job.Resources.ModelConfig, job.DefaultParameters, job.ParameterOverrides)
	if err != nil {
		return e.fail(ctx, job, err)
	}

	history := buildMemoryHistory(job.Resources.MemoryHistory)
	tools := buildTools(job.Resources.Tools)
	messages := buildPrompt(job.Query, dataParts, job.Resources.RAGContext, history, len(tools) > 0)

	result := e.runJob(ctx, job, provider, messages, tools, params, e.Tool)
	if result.Err != nil {
		if isCancelled(result.Err) {
			_ = e.publishError(ctx, job.JobID, "job cancelled")
			return nil // ack, no requeue — cancellation is terminal
		}
		return e.fail(ctx, job, result.Err)
	}

	// Streaming jobs already delivered every delta as a chunk; the final
	// event here carries no new content but is what lets the Delivery
	// Gateway close the socket with code 1000 (spec §4.8).
	if err := e.publishFinal(ctx, job.JobID, result.Content); err != nil {
		return fmt.Errorf("executor: publish final result: %w", err)
	}

	if job.MemoryBucketID != "" {
		fb := buildFeedback(job, result.AssistantText)
		body, err := marshalFeedback(fb)
		if err != nil {
			return fmt.Errorf("executor: marshal feedback: %w", err)
		}
		if err := e.Bus.Publish(ctx, bus.ExchangeMemory, bus.RKMemoryContextUpdate, body, bus.KindTopic, true); err != nil {
			if e.Logger != nil {
				e.Logger.Error("failed to publish memory feedback", "job_id", job.JobID, "error", err)
			}
		}
	}
	return nil
}

func (e *Service) fail(ctx context.Context, job *Job, err error) error {
	_ = e.publishError(ctx, job.JobID, string(apperr.KindOf(err))+": "+err.Error())
	if apperr.KindOf(err) == apperr.Internal || apperr.KindOf(err) == apperr.Unavailable {
		// Transient/unexpected failures are nacked+requeued; the bus
		// handler's OnError policy (RequeueAndRetry) applies when this
		// handler returns a non-nil error.
		return err
	}
	return nil // malformed/invalid job content: ack, no requeue
}

// runCancelConsumer binds this instance's own queue to the job control
// fanout exchange (spec §4.8: "Every Executor binds a per-instance
// exclusive queue to this fanout"). The queue name is minted once per
// process so no two instances share a binding; every instance still
// receives every cancel message, as fanout requires.
func (e *Service) runCancelConsumer(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeJobControlFanout,
		Queue:        "executor.cancel." + uuid.NewString(),
		ExchangeKind: bus.KindFanout,
		OnError:      bus.AlwaysAck,
	}
	return e.Bus.Consume(ctx, binding, e.handleCancel)
}

func (e *Service) handleCancel(ctx context.Context, _ string, body []byte) error {
	var msg bus.JobControlCancel
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil
	}
	e.mu.Lock()
	job, ok := e.running[msg.JobID]
	e.mu.Unlock()
	if !ok {
		return nil // not ours, ignore
	}
	if job.userID != msg.UserID {
		return nil // owner mismatch, ignore
	}
	job.cancel()
	return nil
}
