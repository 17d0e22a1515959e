package ephemeralkv

import (
	"context"
	"sync"
	"time"
)

type busyEntry struct {
	evalID    string
	expiresAt time.Time
}

// MemoryEngine is an in-process Engine backed by maps and a mutex. It is
// suitable for tests and single-process deployments; it does not survive a
// process restart, unlike the Redis engine.
type MemoryEngine struct {
	mutex sync.Mutex
	free  map[string]struct{}
	busy  map[string]busyEntry
	running map[string]struct{}

	cleanupInterval time.Duration
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	started         bool
}

// NewMemoryEngine constructs a MemoryEngine. cleanupInterval controls how
// often expired busy leases are swept back into pool.free; 0 defaults to
// 10s.
func NewMemoryEngine(cleanupInterval time.Duration) *MemoryEngine {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Second
	}
	return &MemoryEngine{
		free:            make(map[string]struct{}),
		busy:            make(map[string]busyEntry),
		running:         make(map[string]struct{}),
		cleanupInterval: cleanupInterval,
	}
}

func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mutex.Lock()
	if e.started {
		e.mutex.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	e.mutex.Unlock()

	e.wg.Add(1)
	go e.sweepLoop(runCtx)
	return nil
}

func (e *MemoryEngine) Stop(context.Context) error {
	e.mutex.Lock()
	if !e.started {
		e.mutex.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *MemoryEngine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *MemoryEngine) sweepExpired() {
	now := time.Now()
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for id, entry := range e.busy {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(e.busy, id)
			e.free[id] = struct{}{}
		}
	}
}

func (e *MemoryEngine) AcquireLease(_ context.Context, evalID string, ttl time.Duration) (string, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var executorID string
	for id := range e.free {
		executorID = id
		break
	}
	if executorID == "" {
		return "", false, nil
	}

	delete(e.free, executorID)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	e.busy[executorID] = busyEntry{evalID: evalID, expiresAt: expiresAt}
	return executorID, true, nil
}

func (e *MemoryEngine) ReleaseLease(_ context.Context, executorID, evalID string) (bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	entry, ok := e.busy[executorID]
	if !ok || entry.evalID != evalID {
		return false, nil
	}

	delete(e.busy, executorID)
	e.free[executorID] = struct{}{}
	return true, nil
}

func (e *MemoryEngine) SeedPool(_ context.Context, ids []string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for _, id := range ids {
		if _, busy := e.busy[id]; busy {
			continue
		}
		if _, free := e.free[id]; free {
			continue
		}
		e.free[id] = struct{}{}
	}
	return nil
}

func (e *MemoryEngine) PoolFree(context.Context) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	out := make([]string, 0, len(e.free))
	for id := range e.free {
		out = append(out, id)
	}
	return out, nil
}

func (e *MemoryEngine) PoolBusy(context.Context) (map[string]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	out := make(map[string]string, len(e.busy))
	for id, entry := range e.busy {
		out[id] = entry.evalID
	}
	return out, nil
}

func (e *MemoryEngine) RunningSetAdd(_ context.Context, evalID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.running[evalID] = struct{}{}
	return nil
}

func (e *MemoryEngine) RunningSetRemove(_ context.Context, evalID string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.running, evalID)
	return nil
}

func (e *MemoryEngine) RunningSetMembers(context.Context) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out, nil
}
