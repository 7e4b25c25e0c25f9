package engine

import "sync"

// RunLocks allows at most one active run per task id in this process.
type RunLocks struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func NewRunLocks() *RunLocks {
	return &RunLocks{running: map[string]struct{}{}}
}

// TryAcquire never waits. The returned release is safe to call more than once.
func (l *RunLocks) TryAcquire(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[id]; ok {
		return nil, false
	}
	l.running[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, id)
			l.mu.Unlock()
		})
	}, true
}

func (l *RunLocks) Running(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[id]
	return ok
}
