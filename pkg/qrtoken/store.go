package qrtoken

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a token binding.
type State string

const (
	StateActive State = "ACTIVE"
	// StateUsed tokens were rotated away after a scan.
	StateUsed State = "USED"
	// StateExpired tokens belong to units that have been delivered.
	StateExpired State = "EXPIRED"
)

var ErrNotFound = errors.New("qr token not found")

// Binding ties a token to the unit it identifies.
type Binding struct {
	Token     string    `json:"token"`
	UnitID    string    `json:"unit_id"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists token bindings.
type Store interface {
	// Bind registers an ACTIVE token for unitID.
	Bind(ctx context.Context, token, unitID string) error
	// Lookup returns the binding for token or ErrNotFound.
	Lookup(ctx context.Context, token string) (*Binding, error)
	// Retire moves an ACTIVE token to state. Retiring a token that is not
	// ACTIVE returns ErrNotFound.
	Retire(ctx context.Context, token string, state State) error
}

// MemoryStore is an in-process Store for tests and single-node lite mode.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]*Binding)}
}

func (s *MemoryStore) Bind(_ context.Context, token, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[token] = &Binding{Token: token, UnitID: unitID, State: StateActive, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, token string) (*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Retire(_ context.Context, token string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[token]
	if !ok || b.State != StateActive {
		return ErrNotFound
	}
	b.State = state
	b.UpdatedAt = time.Now().UTC()
	return nil
}
