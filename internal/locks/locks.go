// Package locks provides named, TTL-bounded mutexes used for agent
// single-flight. Locks expire on their own so a crashed worker cannot
// wedge an issue.
package locks

import (
	"context"
	"fmt"
	"time"
)

// Service is the distributed lock contract. TryAcquire is atomic across
// processes; a held key is reclaimable once its TTL elapses.
type Service interface {
	// TryAcquire attempts to take the named lock. Returns false when the
	// lock is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the named lock so subsequent work can proceed
	// immediately instead of waiting out the TTL.
	Release(ctx context.Context, key string) error

	// Close releases any underlying connections.
	Close() error
}

// AgentKey builds the single-flight lock key for an agent role on an issue.
func AgentKey(role, issueID string) string {
	return fmt.Sprintf("agent_lock:%s:%s", role, issueID)
}
