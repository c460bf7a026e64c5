package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryManager is an in-process Manager for single-node deployments and
// tests. Locks do not survive a restart, which is harmless: a restarted
// process has no in-flight sagas holding them.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
	poll   time.Duration
}

var _ Manager = (*MemoryManager)(nil)

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]Lease),
		now:    time.Now,
		poll:   DefaultPollInterval,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, resourceID, owner string, lease, wait time.Duration) error {
	return acquireWithin(ctx, resourceID, wait, m.poll, func(context.Context) (bool, error) {
		return m.tryAcquire(resourceID, owner, lease), nil
	})
}

func (m *MemoryManager) tryAcquire(resourceID, owner string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, held := m.leases[resourceID]
	if held && now.Before(current.ExpiresAt) && current.Owner != owner {
		return false
	}

	acquiredAt := now
	if held && current.Owner == owner && now.Before(current.ExpiresAt) {
		acquiredAt = current.AcquiredAt
	}
	m.leases[resourceID] = Lease{
		ResourceID: resourceID,
		Owner:      owner,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(lease),
	}
	return true
}

func (m *MemoryManager) Release(_ context.Context, resourceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[resourceID]; ok && current.Owner == owner {
		delete(m.leases, resourceID)
	}
	return nil
}

func (m *MemoryManager) Holder(_ context.Context, resourceID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[resourceID]
	if !ok || !m.now().Before(current.ExpiresAt) {
		return nil, nil
	}
	return &current, nil
}
