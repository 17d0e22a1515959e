// Package orchestrator abstracts the container orchestrator behind the
// narrow Driver contract spec 6.2 defines: any backend that can create an
// isolated, network-less, resource-limited, time-bounded workload
// satisfies it. Two drivers ship: k8sjob (a real Kubernetes batch/v1 Job
// driver) and fake (an in-memory driver for tests and local dev).
package orchestrator

import (
	"context"
	"time"
)

// WorkloadSpec is everything a driver needs to materialize one evaluation
// as an isolated workload.
type WorkloadSpec struct {
	EvaluationID   string
	RuntimeImage   string
	Code           []byte
	TimeoutSeconds int
	MemoryBytes    int64
	CPUShares      int
	Preserve       bool // carried as a label so the cleanup controller can read it without the evaluation record
}

// Handle identifies a workload a driver created, opaque to callers beyond
// passing it back into Watch/Logs/Delete.
type Handle struct {
	EvaluationID string
	Name         string
}

// StatusPhase is the orchestrator-level lifecycle phase of a workload,
// distinct from (and coarser than) model.Status: the dispatcher translates
// these into evaluation status transitions.
type StatusPhase string

const (
	PhasePending   StatusPhase = "pending"
	PhaseRunning   StatusPhase = "running"
	PhaseSucceeded StatusPhase = "succeeded"
	PhaseFailed    StatusPhase = "failed"
)

// StatusUpdate is one observation of a workload's lifecycle, delivered by
// Watch.
type StatusUpdate struct {
	Phase    StatusPhase
	ExitCode *int
	Err      error

	// DeadlineExceeded is set on a terminal PhaseFailed update that was
	// caused by the workload running past its own timeout_seconds (the
	// orchestrator's activeDeadlineSeconds-equivalent enforcement),
	// distinct from a workload crashing or exiting non-zero on its own.
	DeadlineExceeded bool
}

// Driver is the narrow interface the dispatcher and cleanup controller
// depend on. Implementations must guarantee the workload runs with no
// network access, a hard resource ceiling, and an enforced time bound —
// the isolation technology itself is out of scope (spec 1).
type Driver interface {
	Execute(ctx context.Context, spec WorkloadSpec) (Handle, error)

	// Watch streams lifecycle observations until the workload reaches a
	// terminal phase or ctx is cancelled. The channel is closed when
	// watching stops for any reason.
	Watch(ctx context.Context, handle Handle) (<-chan StatusUpdate, error)

	// Logs returns combined stdout+stderr and the exit code. Valid only
	// once the workload has reached a terminal phase.
	Logs(ctx context.Context, handle Handle) (combined []byte, exitCode int, err error)

	Delete(ctx context.Context, handle Handle, grace time.Duration) error
}

// WorkloadEvent is one observation of a workload's existence and phase, as
// seen by WorkloadWatcher. Unlike StatusUpdate (scoped to one handle until
// terminal), WorkloadEvent covers every workload the driver currently
// knows about, for the cleanup controller's global sweep.
type WorkloadEvent struct {
	Handle   Handle
	Phase    StatusPhase
	Preserve bool
}

// WorkloadWatcher is implemented by drivers that can stream state changes
// for every workload under their label selector, not just one handle at a
// time. The cleanup controller is the only consumer.
type WorkloadWatcher interface {
	// WatchWorkloads streams an event for every workload's current phase
	// at subscribe time, then one event per subsequent phase change. The
	// channel is closed if the underlying watch disconnects; callers must
	// re-subscribe (with backoff) to keep observing.
	WatchWorkloads(ctx context.Context) (<-chan WorkloadEvent, error)
}
