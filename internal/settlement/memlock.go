package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// MemoryLockManager implements domain.LockManager for single-process
// deployments and tests. TTLs expire lazily on the next Acquire.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

// NewMemoryLockManager creates an empty lock table.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{locks: make(map[string]time.Time)}
}

// Acquire takes the lock for key, returning domain.ErrLockHeld if another
// holder owns it and its TTL has not elapsed. The returned unlock function
// is safe to call more than once.
func (m *MemoryLockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, held := m.locks[key]; held && time.Now().Before(expiry) {
		return nil, domain.ErrLockHeld
	}
	m.locks[key] = time.Now().Add(ttl)

	released := false
	unlock := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(m.locks, key)
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*MemoryLockManager)(nil)
