// Package dispatcher implements the control plane's only consumer of the
// task queues: it reserves one envelope at a time, leases an executor,
// submits a workload to the orchestrator, watches it to a terminal state,
// and emits the lifecycle events the storage worker turns into durable
// rows. None of its state survives a restart — everything it knows about
// an in-flight evaluation lives on the stack of one goroutine for the
// duration of that evaluation's dispatch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/executorpool"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/orchestrator"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/retry"
)

// Metrics is the narrow surface the dispatcher needs from the metrics
// package.
type Metrics interface {
	IncDispatchStarted()
	IncDispatchSucceeded(kind model.ErrorKind) // kind is "" on success
}

type noopMetrics struct{}

func (noopMetrics) IncDispatchStarted()                  {}
func (noopMetrics) IncDispatchSucceeded(model.ErrorKind) {}

// policyNacker is implemented by queues (PrimaryQueue) that support
// choosing a backoff policy per failure kind; the legacy queue drops an
// envelope on Nack regardless of policy, so it does not need to implement
// this.
type policyNacker interface {
	NackWithPolicy(ctx context.Context, reservationID string, lastErr error, policy retry.Policy) error
}

// Dispatcher pulls envelopes from one Queue and drives them through the
// orchestrator.
type Dispatcher struct {
	queue  queue.Queue
	pool   *executorpool.Pool
	driver orchestrator.Driver
	bus    eventbus.EventBus

	metrics Metrics
	logger  *slog.Logger

	source               string
	visibility           time.Duration
	provisioningDeadline time.Duration
	poolExhaustedPolicy  retry.Policy
	apiUnavailablePolicy retry.Policy

	wg     sync.WaitGroup
	cancel context.CancelFunc

	idleBackoff time.Duration
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithMetrics(m Metrics) Option     { return func(d *Dispatcher) { d.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithSource(source string) Option  { return func(d *Dispatcher) { d.source = source } }
func WithVisibility(v time.Duration) Option {
	return func(d *Dispatcher) { d.visibility = v }
}
func WithProvisioningDeadline(t time.Duration) Option {
	return func(d *Dispatcher) { d.provisioningDeadline = t }
}
func WithIdleBackoff(b time.Duration) Option {
	return func(d *Dispatcher) { d.idleBackoff = b }
}

// New builds a Dispatcher consuming from q, leasing executors from pool,
// submitting to driver, and publishing lifecycle events onto bus.
func New(q queue.Queue, pool *executorpool.Pool, driver orchestrator.Driver, bus eventbus.EventBus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:                q,
		pool:                 pool,
		driver:               driver,
		bus:                  bus,
		metrics:              noopMetrics{},
		logger:               slog.Default(),
		source:               "dispatcher",
		visibility:           30 * time.Second,
		provisioningDeadline: 60 * time.Second,
		poolExhaustedPolicy:  retry.Aggressive,
		apiUnavailablePolicy: retry.Aggressive,
		idleBackoff:          200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches workerCount goroutines, each independently reserving,
// dispatching, and acking/nacking envelopes until ctx is cancelled or Stop
// is called.
func (d *Dispatcher) Start(ctx context.Context, workerCount int) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.runWorker(runCtx)
	}
}

// Stop cancels every worker and blocks until they exit or ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := d.queue.Reserve(ctx, d.visibility)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-time.After(d.idleBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err != nil {
			d.logger.Error("queue reserve failed", "error", err)
			select {
			case <-time.After(d.idleBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		d.metrics.IncDispatchStarted()
		d.handle(ctx, res)
	}
}

// handle drives one reserved envelope through acquire/execute/watch/emit,
// then acks or nacks the reservation. It never lets a panic inside dispatch
// escape without first releasing any executor lease that was acquired.
func (d *Dispatcher) handle(ctx context.Context, res *queue.Reservation) {
	evalID := res.Envelope.EvaluationID
	seq := new(int64)

	kind, dispatchErr := d.dispatchSafely(ctx, res, seq)
	d.metrics.IncDispatchSucceeded(kind)

	if dispatchErr == nil {
		if err := d.queue.Ack(ctx, res.ID); err != nil && !errors.Is(err, queue.ErrNotReserved) {
			d.logger.Error("ack failed", "evaluation_id", evalID, "error", err)
		}
		return
	}

	policy := retry.Default
	if kind == model.ErrorKindPoolEmpty {
		policy = d.poolExhaustedPolicy
	} else if kind == model.ErrorKindAPIUnavailable {
		policy = d.apiUnavailablePolicy
	}

	if nacker, ok := d.queue.(policyNacker); ok {
		if err := nacker.NackWithPolicy(ctx, res.ID, dispatchErr, policy); err != nil && !errors.Is(err, queue.ErrNotReserved) {
			d.logger.Error("nack failed", "evaluation_id", evalID, "error", err)
		}
		return
	}
	if err := d.queue.Nack(ctx, res.ID, dispatchErr); err != nil && !errors.Is(err, queue.ErrNotReserved) {
		d.logger.Error("nack failed", "evaluation_id", evalID, "error", err)
	}
}

// dispatchSafely wraps dispatch with panic recovery so a bug in one
// evaluation's handling can never leak a lease: the deferred release in
// dispatch runs during the panic's unwind just as it would on a normal
// error return.
func (d *Dispatcher) dispatchSafely(ctx context.Context, res *queue.Reservation, seq *int64) (kind model.ErrorKind, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: panic handling %s: %v", res.Envelope.EvaluationID, r)
			kind = model.ErrorKindExecutorCrash
			d.logger.Error("recovered from panic in dispatch", "evaluation_id", res.Envelope.EvaluationID, "panic", r)
		}
	}()
	return d.dispatch(ctx, res, seq)
}

func (d *Dispatcher) dispatch(ctx context.Context, res *queue.Reservation, seq *int64) (model.ErrorKind, error) {
	envelope := res.Envelope
	evalID := envelope.EvaluationID

	// Step 2: acquire an executor lease. The pool is configured with a
	// fixed lease TTL sized to cover the largest permitted
	// timeout_seconds plus overhead, so every evaluation shares one TTL
	// rather than the dispatcher computing a bespoke one per call.
	executorID, err := d.pool.Acquire(ctx, evalID)
	if err != nil {
		if errors.Is(err, ephemeralkv.ErrPoolExhausted) {
			return model.ErrorKindPoolEmpty, fmt.Errorf("dispatcher: %s: %w", evalID, err)
		}
		return model.ErrorKindAPIUnavailable, fmt.Errorf("dispatcher: acquiring lease for %s: %w", evalID, err)
	}

	var released bool
	release := func() {
		if released {
			return
		}
		released = true
		if err := d.pool.Release(context.WithoutCancel(ctx), executorID, evalID); err != nil {
			d.logger.Error("releasing lease failed", "evaluation_id", evalID, "executor_id", executorID, "error", err)
		}
	}
	defer release()

	// Step 3: build the workload specification.
	spec := orchestrator.WorkloadSpec{
		EvaluationID:   evalID,
		RuntimeImage:   envelope.RuntimeImage,
		Code:           envelope.Code,
		TimeoutSeconds: envelope.TimeoutSeconds,
		MemoryBytes:    envelope.MemoryBytes,
		CPUShares:      envelope.CPUShares,
	}

	// Step 4: submit, retrying per the aggressive policy if the
	// orchestrator API itself is unreachable.
	handle, err := d.submitWithRetry(ctx, spec)
	if err != nil {
		return model.ErrorKindAPIUnavailable, fmt.Errorf("dispatcher: submitting workload for %s: %w", evalID, err)
	}

	startedAt := time.Now()
	d.publish(ctx, model.TopicProvisioning, seq, map[string]any{
		"evaluation_id": evalID,
		"status":        string(model.StatusProvisioning),
		"started_at":    startedAt,
	})

	// Step 5: watch to terminal, bounded by a provisioning deadline until
	// the workload leaves PhasePending.
	update, err := d.watchToTerminal(ctx, handle, evalID)
	if err != nil {
		d.cleanupFailedWorkload(ctx, handle)
		if errors.Is(err, errProvisioningDeadline) {
			d.publish(ctx, model.TopicFailed, seq, map[string]any{
				"evaluation_id": evalID,
				"status":        string(model.StatusFailed),
				"error":         err.Error(),
				"error_kind":    string(model.ErrorKindProvisioningTimeout),
				"finished_at":   time.Now(),
			})
			return model.ErrorKindProvisioningTimeout, nil
		}
		return model.ErrorKindAPIUnavailable, err
	}

	// Step 5 continued: combined stdout+stderr retrieval, truncated.
	output, exitCode, logErr := d.driver.Logs(ctx, handle)
	if logErr != nil {
		d.logger.Warn("retrieving combined logs failed", "evaluation_id", evalID, "error", logErr)
	}

	var eval model.Evaluation
	eval.TruncateOutput(output)

	// Step 6: running, then exactly one of completed/failed.
	d.publish(ctx, model.TopicRunning, seq, map[string]any{
		"evaluation_id": evalID,
		"status":        string(model.StatusRunning),
	})

	if update.Phase == orchestrator.PhaseSucceeded {
		d.publish(ctx, model.TopicCompleted, seq, map[string]any{
			"evaluation_id":    evalID,
			"status":           string(model.StatusCompleted),
			"exit_code":        exitCode,
			"output":           eval.Output,
			"output_truncated": eval.OutputTruncated,
			"output_size":      eval.OutputSize,
			"finished_at":      time.Now(),
		})
		return "", nil
	}

	// A workload that produced an exit code ran the user's code to
	// completion and failed on its own terms (user_error); one that
	// terminated without ever reporting an exit code was killed by the
	// orchestrator itself (executor_crash). DeadlineExceeded overrides
	// both: the orchestrator's own timeout enforcement fired.
	errKind := model.ErrorKindExecutorCrash
	errMsg := "workload exited with a non-zero status"
	switch {
	case update.DeadlineExceeded:
		errKind = model.ErrorKindTimeout
		errMsg = "workload exceeded its timeout_seconds"
	case update.ExitCode != nil:
		errKind = model.ErrorKindUserError
		errMsg = fmt.Sprintf("workload exited with status %d", *update.ExitCode)
	}
	if update.Err != nil {
		errMsg = update.Err.Error()
	}
	d.publish(ctx, model.TopicFailed, seq, map[string]any{
		"evaluation_id":    evalID,
		"status":           string(model.StatusFailed),
		"exit_code":        exitCode,
		"output":           eval.Output,
		"output_truncated": eval.OutputTruncated,
		"output_size":      eval.OutputSize,
		"error":            errMsg,
		"error_kind":       string(errKind),
		"finished_at":      time.Now(),
	})
	return "", nil
}

var errProvisioningDeadline = errors.New("dispatcher: workload did not schedule within the provisioning deadline")

// submitWithRetry retries Execute under the aggressive policy; the
// orchestrator API being transiently unreachable must not fail the
// evaluation outright.
func (d *Dispatcher) submitWithRetry(ctx context.Context, spec orchestrator.WorkloadSpec) (orchestrator.Handle, error) {
	policy := d.apiUnavailablePolicy
	var lastErr error
	for attempt := 0; ; attempt++ {
		handle, err := d.driver.Execute(ctx, spec)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if retry.Exhausted(attempt, policy) {
			return orchestrator.Handle{}, fmt.Errorf("exhausted %d retries: %w", policy.MaxRetries, lastErr)
		}
		select {
		case <-time.After(retry.NextDelay(attempt, policy)):
		case <-ctx.Done():
			return orchestrator.Handle{}, ctx.Err()
		}
	}
}

// watchToTerminal consumes the driver's status stream, enforcing the
// provisioning deadline while the workload is still PhasePending and
// otherwise waiting for ctx (bounded by the workload's own timeout at the
// orchestrator layer) to surface a terminal update.
func (d *Dispatcher) watchToTerminal(ctx context.Context, handle orchestrator.Handle, evalID string) (orchestrator.StatusUpdate, error) {
	ch, err := d.driver.Watch(ctx, handle)
	if err != nil {
		return orchestrator.StatusUpdate{}, fmt.Errorf("dispatcher: watching %s: %w", evalID, err)
	}

	deadline := time.NewTimer(d.provisioningDeadline)
	defer deadline.Stop()
	scheduled := false

	for {
		select {
		case update, ok := <-ch:
			if !ok {
				return orchestrator.StatusUpdate{}, fmt.Errorf("dispatcher: watch closed for %s before a terminal phase", evalID)
			}
			if update.Phase == orchestrator.PhaseRunning || update.Phase == orchestrator.PhaseSucceeded || update.Phase == orchestrator.PhaseFailed {
				scheduled = true
			}
			if update.Phase == orchestrator.PhaseSucceeded || update.Phase == orchestrator.PhaseFailed {
				return update, nil
			}
		case <-deadline.C:
			if !scheduled {
				return orchestrator.StatusUpdate{}, errProvisioningDeadline
			}
			// Scheduled but still running past the provisioning window:
			// this is the workload's own timeout, enforced at the
			// orchestrator layer (activeDeadlineSeconds-equivalent); it
			// will surface as a PhaseFailed update on ch, not here.
		case <-ctx.Done():
			return orchestrator.StatusUpdate{}, fmt.Errorf("dispatcher: watch cancelled for %s: %w", evalID, ctx.Err())
		}
	}
}

func (d *Dispatcher) cleanupFailedWorkload(ctx context.Context, handle orchestrator.Handle) {
	if err := d.driver.Delete(context.WithoutCancel(ctx), handle, 0); err != nil {
		d.logger.Warn("deleting workload after dispatch failure failed", "workload", handle.Name, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, topic string, seq *int64, payload map[string]any) {
	event, err := eventbus.NewEvent(d.source, topic, payload)
	if err != nil {
		d.logger.Error("building event failed", "topic", topic, "error", err)
		return
	}
	event.SetExtension("sequence", atomic.AddInt64(seq, 1))
	if err := d.bus.Publish(ctx, event); err != nil {
		d.logger.Error("publishing event failed", "topic", topic, "error", err)
	}
}
