package orchestrator

import "sync"

// runLocks serializes mutation per run id. The store is read-then-written
// non-atomically, so two callers driving the same run would lose updates
// without this.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// lock acquires the mutex for a run id and returns its unlock func.
func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()

	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}

	l.mu.Unlock()

	m.Lock()

	return m.Unlock
}
