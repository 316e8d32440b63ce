package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryService implements Service with an in-process map. Suitable for
// single-instance deployments and tests.
type MemoryService struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryService creates an in-process lock service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// TryAcquire takes the lock unless a live holder exists. Expired holders
// are reclaimed.
func (s *MemoryService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := s.expires[key]; ok && s.now().Before(deadline) {
		return false, nil
	}
	s.expires[key] = s.now().Add(ttl)
	return true, nil
}

// Release drops the lock.
func (s *MemoryService) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
	return nil
}

// Close is a no-op for the in-process service.
func (s *MemoryService) Close() error {
	return nil
}

// SetNowFunc overrides the clock. Used in tests to verify TTL reclaim.
func (s *MemoryService) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
