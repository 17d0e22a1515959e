// Package ephemeralkv is the authoritative store for in-flight scheduling
// state: the executor pool's lease bookkeeping (`pool.free`, `busy:{id}`)
// and the running-evaluations set. Unlike the durable store, state here is
// expected to be rebuilt on recovery rather than preserved indefinitely.
//
// Two engines ship: a Redis-backed engine for production (TTLs and atomic
// handoffs via server-side Lua), and an in-memory engine for tests and
// single-process deployments.
package ephemeralkv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolExhausted is returned by AcquireLease when pool.free is empty.
	ErrPoolExhausted = errors.New("executor pool exhausted")
	// ErrNotStarted is returned by any operation before Start completes.
	ErrNotStarted = errors.New("ephemeral kv engine not started")
)

// Engine abstracts the ephemeral key/value store. The lease handoff
// (pool.free <-> busy:{id}) is exposed as dedicated atomic operations
// rather than composable primitives, because spec 4.5 requires the
// acquire/release handoff to be a single atomic server-side operation —
// composing it client-side from GET/SET/SADD would reopen the race the
// atomicity requirement exists to close.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// AcquireLease atomically moves an arbitrary member out of pool.free
	// into busy:{id} = evalID, expiring at ttl. ok is false (no error) if
	// pool.free was empty.
	AcquireLease(ctx context.Context, evalID string, ttl time.Duration) (executorID string, ok bool, err error)

	// ReleaseLease implements spec 4.5's idempotent release: if
	// busy:{executorID} holds evalID, it is deleted and executorID is
	// added back to pool.free (iff not already present), and matched is
	// true. Otherwise the call is a no-op and matched is false — the
	// caller is expected to count this as a double-release.
	ReleaseLease(ctx context.Context, executorID, evalID string) (matched bool, err error)

	// SeedPool ensures every id in ids is accounted for in exactly one of
	// pool.free or busy:*, without disturbing ids already tracked by
	// either. Called at startup, and periodically to recover ids whose
	// lease TTL lapsed without an explicit release.
	SeedPool(ctx context.Context, ids []string) error

	PoolFree(ctx context.Context) ([]string, error)
	PoolBusy(ctx context.Context) (map[string]string, error) // executorID -> evalID

	RunningSetAdd(ctx context.Context, evalID string) error
	RunningSetRemove(ctx context.Context, evalID string) error
	RunningSetMembers(ctx context.Context) ([]string, error)
}
