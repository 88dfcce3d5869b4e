package lifecycle

import (
	"fmt"
	"sync"

	"github.com/basket/policyd/internal/policy"
)

// Lookuper resolves the strategy for a policy kind.
type Lookuper interface {
	Lookup(kind policy.Kind) (Strategy, error)
}

// Registry is an immutable kind -> strategy table.
type Registry struct {
	strategies map[policy.Kind]Strategy
	version    string
}

// NewRegistry builds one strategy per configured kind. Kinds absent from set
// stay unregistered.
func NewRegistry(set GatesSet) (*Registry, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{strategies: make(map[policy.Kind]Strategy, len(set)), version: set.Version()}
	for _, kind := range set.Kinds() {
		s, err := NewStrategy(kind, set[kind])
		if err != nil {
			return nil, err
		}
		r.strategies[kind] = s
	}
	return r, nil
}

// Lookup returns the strategy for kind. A miss is a validation failure of the
// event that named the kind.
func (r *Registry) Lookup(kind policy.Kind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", policy.ErrInvalidEvent, policy.ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds lists the registered kinds in the closed-set order.
func (r *Registry) Kinds() []policy.Kind {
	out := make([]policy.Kind, 0, len(r.strategies))
	for _, k := range policy.Kinds {
		if _, ok := r.strategies[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) Version() string { return r.version }

// LiveRegistry swaps registries atomically when gates are reloaded.
type LiveRegistry struct {
	mu      sync.RWMutex
	current *Registry
}

func NewLiveRegistry(set GatesSet) (*LiveRegistry, error) {
	r, err := NewRegistry(set)
	if err != nil {
		return nil, err
	}
	return &LiveRegistry{current: r}, nil
}

// Reload replaces the registry. On error the previous registry stays active.
func (l *LiveRegistry) Reload(set GatesSet) error {
	r, err := NewRegistry(set)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.current = r
	l.mu.Unlock()
	return nil
}

func (l *LiveRegistry) Snapshot() *Registry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *LiveRegistry) Lookup(kind policy.Kind) (Strategy, error) {
	return l.Snapshot().Lookup(kind)
}
