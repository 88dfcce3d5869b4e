// Package lease provides per-policy leases held around the reducer's atomic
// write. A crashed holder's lease simply expires and is re-acquired.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/basket/policyd/internal/policy"
)

// Leaser grants exclusive, expiring ownership of a key.
type Leaser interface {
	// Acquire takes or renews key for owner. It returns false when another
	// owner holds an unexpired lease.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Key is the lease key for one policy.
func Key(k policy.Key) string {
	return "policy:" + string(k.Kind) + ":" + k.PolicyID
}

type holder struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Leaser for single-node deployments and tests.
type Memory struct {
	mu     sync.Mutex
	leases map[string]holder
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]holder), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.leases[key]; ok && h.owner != owner && now.Before(h.expires) {
		return false, nil
	}
	m.leases[key] = holder{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.leases[key]; ok && h.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// Held returns the number of unexpired leases.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, h := range m.leases {
		if now.Before(h.expires) {
			n++
		}
	}
	return n
}

// SQLStore is the subset of the persistence store backing SQL leases.
type SQLStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// SQL keeps leases in the reducer database so several processes sharing one
// database file coordinate through it.
type SQL struct {
	store SQLStore
}

func NewSQL(store SQLStore) *SQL {
	return &SQL{store: store}
}

func (s *SQL) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.store.AcquireLease(ctx, key, owner, ttl)
}

func (s *SQL) Release(ctx context.Context, key, owner string) error {
	return s.store.ReleaseLease(ctx, key, owner)
}
