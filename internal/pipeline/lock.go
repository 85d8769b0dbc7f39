package pipeline

import (
	"context"
	"sync"
	"time"
)

// JobLocker claims exclusive work on a key for every process sharing the same
// backing store. TryLock returns false while another holder owns the key.
// Claims lapse after ttl so a crashed holder cannot wedge an asset forever.
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// MemoryLocker implements JobLocker for single-process deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{claims: make(map[string]time.Time)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if expiry, held := l.claims[key]; held && now.Before(expiry) {
		return false, nil
	}
	l.claims[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, key)
	return nil
}
