package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeOutcome configures how a FakeDriver resolves one evaluation's
// workload, for tests that need to drive the dispatcher through specific
// terminal states.
type FakeOutcome struct {
	ExitCode         int
	Output           []byte
	Err              error         // if set, Execute fails outright (e.g. api_unavailable)
	Delay            time.Duration // simulated time before reaching a terminal phase
	Phase            StatusPhase   // defaults to PhaseSucceeded if ExitCode == 0, else PhaseFailed
	Hang             bool          // stays pending, never reaching running or a terminal phase; for provisioning-deadline tests
	DeadlineExceeded bool          // simulates the orchestrator's own timeout enforcement
}

type fakeWorkload struct {
	spec    WorkloadSpec
	outcome FakeOutcome
	done    chan struct{}
	deleted bool
	phase   StatusPhase
}

// FakeDriver is an in-memory Driver for dispatcher/cleanup unit and BDD
// tests: no real isolation, entirely deterministic, outcomes preconfigured
// per evaluation id via SetOutcome.
type FakeDriver struct {
	mu             sync.Mutex
	workloads      map[string]*fakeWorkload
	outcomes       map[string]FakeOutcome
	defaultOutcome FakeOutcome
	watchers       []chan WorkloadEvent
}

// NewFakeDriver builds a FakeDriver. Evaluations with no outcome
// preconfigured via SetOutcome use defaultOutcome (exit 0, empty output, no
// delay).
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		workloads:      make(map[string]*fakeWorkload),
		outcomes:       make(map[string]FakeOutcome),
		defaultOutcome: FakeOutcome{ExitCode: 0, Output: []byte("")},
	}
}

// SetOutcome preconfigures how evaluationID's workload resolves.
func (d *FakeDriver) SetOutcome(evaluationID string, outcome FakeOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[evaluationID] = outcome
}

func (d *FakeDriver) Execute(ctx context.Context, spec WorkloadSpec) (Handle, error) {
	d.mu.Lock()
	outcome, ok := d.outcomes[spec.EvaluationID]
	if !ok {
		outcome = d.defaultOutcome
	}
	if outcome.Err != nil {
		d.mu.Unlock()
		return Handle{}, outcome.Err
	}

	handle := Handle{EvaluationID: spec.EvaluationID, Name: fmt.Sprintf("fake-%s-%s", spec.EvaluationID, uuid.New().String()[:8])}
	wl := &fakeWorkload{spec: spec, outcome: outcome, done: make(chan struct{}), phase: PhasePending}
	d.workloads[handle.Name] = wl
	d.mu.Unlock()

	d.broadcast(WorkloadEvent{Handle: handle, Phase: PhasePending, Preserve: spec.Preserve})
	return handle, nil
}

func (d *FakeDriver) Watch(ctx context.Context, handle Handle) (<-chan StatusUpdate, error) {
	d.mu.Lock()
	wl, ok := d.workloads[handle.Name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown workload %s", handle.Name)
	}

	ch := make(chan StatusUpdate, 4)
	go func() {
		defer close(ch)

		select {
		case ch <- StatusUpdate{Phase: PhasePending}:
		case <-ctx.Done():
			return
		}

		if wl.outcome.Hang {
			<-ctx.Done()
			return
		}

		d.setPhase(handle, PhaseRunning, wl.outcome.Err != nil && wl.spec.Preserve)
		select {
		case ch <- StatusUpdate{Phase: PhaseRunning}:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(wl.outcome.Delay):
		case <-ctx.Done():
			return
		}

		phase := wl.outcome.Phase
		if phase == "" {
			if wl.outcome.ExitCode == 0 {
				phase = PhaseSucceeded
			} else {
				phase = PhaseFailed
			}
		}
		exitCode := wl.outcome.ExitCode
		close(wl.done)
		d.setPhase(handle, phase, wl.spec.Preserve)
		select {
		case ch <- StatusUpdate{Phase: phase, ExitCode: &exitCode, DeadlineExceeded: wl.outcome.DeadlineExceeded}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// setPhase records wl's current phase and broadcasts it to every
// WatchWorkloads subscriber.
func (d *FakeDriver) setPhase(handle Handle, phase StatusPhase, preserve bool) {
	d.mu.Lock()
	if wl, ok := d.workloads[handle.Name]; ok {
		wl.phase = phase
	}
	d.mu.Unlock()
	d.broadcast(WorkloadEvent{Handle: handle, Phase: phase, Preserve: preserve})
}

func (d *FakeDriver) broadcast(event WorkloadEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// WatchWorkloads returns a channel seeded with the current phase of every
// known workload, then fed subsequent phase changes. Call Disconnect to
// simulate the watch dropping, exercising the cleanup controller's
// reconnect-with-backoff path.
func (d *FakeDriver) WatchWorkloads(ctx context.Context) (<-chan WorkloadEvent, error) {
	d.mu.Lock()
	ch := make(chan WorkloadEvent, 32)
	d.watchers = append(d.watchers, ch)
	var seed []WorkloadEvent
	for name, wl := range d.workloads {
		seed = append(seed, WorkloadEvent{
			Handle:   Handle{EvaluationID: wl.spec.EvaluationID, Name: name},
			Phase:    wl.phase,
			Preserve: wl.spec.Preserve,
		})
	}
	d.mu.Unlock()

	go func() {
		for _, event := range seed {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Disconnect closes every live WatchWorkloads channel, simulating the
// orchestrator's watch stream dropping.
func (d *FakeDriver) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.watchers {
		close(ch)
	}
	d.watchers = nil
}

func (d *FakeDriver) Logs(_ context.Context, handle Handle) ([]byte, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wl, ok := d.workloads[handle.Name]
	if !ok {
		return nil, 0, fmt.Errorf("orchestrator: unknown workload %s", handle.Name)
	}
	return wl.outcome.Output, wl.outcome.ExitCode, nil
}

func (d *FakeDriver) Delete(_ context.Context, handle Handle, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wl, ok := d.workloads[handle.Name]
	if !ok {
		return nil // idempotent: deleting an unknown/already-deleted handle is a no-op
	}
	wl.deleted = true
	return nil
}

// Deleted reports whether handle.Name was deleted, for test assertions.
func (d *FakeDriver) Deleted(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	wl, ok := d.workloads[name]
	return ok && wl.deleted
}

var (
	_ Driver          = (*FakeDriver)(nil)
	_ WorkloadWatcher = (*FakeDriver)(nil)
)
