package devicelock

import (
	"context"
	"sync"
	"time"

	"github.com/jun/trailhunt/backend/internal/model"
)

// MemoryStore implements Datastore with an in-memory map for DEV_MODE and tests.
type MemoryStore struct {
	locks map[string]model.DeviceLock
	mu    sync.Mutex

	// Err, when set, is returned by every operation.
	Err error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]model.DeviceLock)}
}

func (m *MemoryStore) Get(ctx context.Context, fingerprint string) (*model.DeviceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	lock, ok := m.locks[fingerprint]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (m *MemoryStore) Put(ctx context.Context, lock model.DeviceLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	m.locks[lock.DeviceFingerprint] = lock
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	delete(m.locks, fingerprint)
	return nil
}

func (m *MemoryStore) DeleteIfExpired(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	lock, ok := m.locks[fingerprint]
	if !ok || !lock.Expired(now) {
		return false, nil
	}
	delete(m.locks, fingerprint)
	return true, nil
}

func (m *MemoryStore) ExpiredFingerprints(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []string
	for fp, lock := range m.locks {
		if lock.Expired(now) {
			out = append(out, fp)
		}
	}
	return out, nil
}

// Len returns the number of stored locks, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
