package deploy

import (
	"errors"
	"sync"
)

// ErrDeployBusy reports a deploy attempt against a deploy id that another
// invocation in this process currently holds.
var ErrDeployBusy = errors.New("deploy: deployment already in progress")

// LockRegistry serializes deploys per deploy id. It is injected into the
// manager rather than held in package state so tests and embedders control
// the locking domain.
type LockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for deployID without blocking. It returns false
// when another holder exists; callers surface that as ErrDeployBusy.
func (r *LockRegistry) TryAcquire(deployID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[deployID]; taken {
		return false
	}
	r.held[deployID] = struct{}{}
	return true
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (r *LockRegistry) Release(deployID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, deployID)
}
