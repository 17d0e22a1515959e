// Package model defines the data types that flow through the evaluation
// control plane: evaluations, their lifecycle events, queue envelopes, and
// the error taxonomy used to classify terminal failures.
package model

import "time"

// Status is a position in the evaluation lifecycle DAG.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is one of the DAG's sink states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// dag enumerates the edges of the status lifecycle from spec:
//
//	submitted -> queued -> provisioning -> running -> completed
//	                  \->            \->           \-> failed
//	                   -> failed       -> cancelled
var dag = map[Status]map[Status]bool{
	StatusSubmitted:    {StatusQueued: true, StatusFailed: true},
	StatusQueued:       {StatusProvisioning: true, StatusFailed: true, StatusCancelled: true},
	StatusProvisioning: {StatusRunning: true, StatusFailed: true, StatusCancelled: true},
	StatusRunning:      {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// CanTransition reports whether moving from -> to is a legal single edge of
// the status DAG. A terminal `from` never permits a transition: once an
// evaluation reaches a terminal state, nothing else may be written to its
// lifecycle fields.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	edges, ok := dag[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Priority orders envelopes within the primary task queue.
type Priority string

const (
	PriorityUrgent      Priority = "urgent"
	PriorityNormal      Priority = "normal"
	PriorityBatch       Priority = "batch"
	PriorityMaintenance Priority = "maintenance"
)

// PriorityOrder is the consumption order for the primary queue, highest
// priority first. Lower-priority queues carry no starvation guarantee under
// sustained load at a higher priority.
var PriorityOrder = []Priority{PriorityUrgent, PriorityNormal, PriorityBatch, PriorityMaintenance}

// ErrorKind is a machine-readable classification of a terminal failure.
type ErrorKind string

const (
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindIngressUnavailable ErrorKind = "ingress_unavailable"
	ErrorKindPoolEmpty          ErrorKind = "pool_empty"
	ErrorKindProvisioningTimeout ErrorKind = "provisioning_timeout"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindAPIUnavailable     ErrorKind = "api_unavailable"
	ErrorKindExecutorCrash      ErrorKind = "executor_crash"
	ErrorKindUserError          ErrorKind = "user_error"
	ErrorKindDoubleRelease      ErrorKind = "double_release_detected"
	ErrorKindOutOfOrderEvent    ErrorKind = "out_of_order_event"
	ErrorKindDLQExhausted       ErrorKind = "dlq_exhausted"
)

// Route names which task queue implementation owns an evaluation.
type Route string

const (
	RoutePrimary Route = "primary"
	RouteLegacy  Route = "legacy"
)

// OutputTruncateLimit is the maximum number of output bytes retained on an
// evaluation record; beyond this the output is truncated and OutputTruncated
// is set.
const OutputTruncateLimit = 1024 * 1024 // 1 MiB

// Evaluation is the unit of work and its full lifecycle record, as owned
// exclusively by the durable store.
type Evaluation struct {
	ID             string    `json:"id"`
	Code           []byte    `json:"-"`
	Language       string    `json:"language"`
	RuntimeImage   string    `json:"runtime_image"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	MemoryBytes    int64     `json:"memory_bytes"`
	CPUShares      int       `json:"cpu_shares"`
	Priority       Priority  `json:"priority"`
	Preserve       bool      `json:"preserve"`
	RouteTag       Route     `json:"route_tag"`

	Status Status `json:"status"`

	SubmittedAt time.Time  `json:"submitted_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	ExitCode        *int   `json:"exit_code,omitempty"`
	Output          string `json:"output,omitempty"`
	OutputTruncated bool   `json:"output_truncated"`
	OutputSize      int    `json:"output_size"`
	Error           string `json:"error,omitempty"`

	ExecutorID    string    `json:"executor_id,omitempty"`
	Attempts      int       `json:"attempts"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
}

// TruncateOutput applies the 1 MiB truncation rule in place, recording the
// full pre-truncation size and whether truncation occurred.
func (e *Evaluation) TruncateOutput(raw []byte) {
	e.OutputSize = len(raw)
	if len(raw) > OutputTruncateLimit {
		e.Output = string(raw[:OutputTruncateLimit])
		e.OutputTruncated = true
		return
	}
	e.Output = string(raw)
	e.OutputTruncated = false
}

// Envelope is the queued representation of an evaluation: the minimal
// fields needed to build a workload spec. It carries no user identity;
// identity is resolved at ingress and never travels through the queue.
type Envelope struct {
	EvaluationID   string   `json:"evaluation_id"`
	RuntimeImage   string   `json:"runtime_image"`
	Code           []byte   `json:"code"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MemoryBytes    int64    `json:"memory_bytes"`
	CPUShares      int      `json:"cpu_shares"`
	Priority       Priority `json:"priority"`
	Preserve       bool     `json:"preserve"`
	Attempt        int      `json:"attempt"`
}

// Event is an append-only audit tuple. Sequence is per-evaluation and
// strictly increasing when emitted by the same producer; consumers must
// tolerate duplicate delivery and cross-evaluation reordering.
type Event struct {
	EvaluationID string         `json:"eval_id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload"`
}

// Event kind / topic names, dotted per spec section 2. TopicProvisioning
// is not named explicitly in spec section 2's topic list, but the
// dispatcher's step of recording status=provisioning (spec 4.6 step 4)
// needs a topic of its own so the storage worker's "evaluation.*"
// subscription picks it up the same way it does queued/running/etc.
const (
	TopicQueued         = "evaluation.queued"
	TopicProvisioning   = "evaluation.provisioning"
	TopicRunning        = "evaluation.running"
	TopicCompleted      = "evaluation.completed"
	TopicFailed         = "evaluation.failed"
	TopicStorageUpdated = "storage.updated"
	TopicWorkloadCleaned = "workload.cleaned"
)
