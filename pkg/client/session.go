package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// User is the signed-in profile kept with the token.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}

// State is a session snapshot.
type State struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// SignedIn reports whether the state carries a token.
func (s State) SignedIn() bool { return s.Token != "" }

// Session is the single source of the current credentials. Every consumer
// reads through it and subscribers see each change.
type Session interface {
	State() State
	Set(State) error
	Clear() error
	// Subscribe registers fn for every change and returns its cancel func.
	Subscribe(fn func(State)) (cancel func())
}

// MemorySession keeps credentials in memory.
type MemorySession struct {
	mu     sync.RWMutex
	state  State
	nextID int
	subs   map[int]func(State)
	// persist, when set, runs under the lock before subscribers are told.
	persist func(State) error
}

// NewMemorySession returns an empty session.
func NewMemorySession() *MemorySession {
	return &MemorySession{subs: map[int]func(State){}}
}

func (s *MemorySession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

func (s *MemorySession) Set(st State) error {
	s.mu.Lock()
	if s.persist != nil {
		if err := s.persist(st); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.state = st
	subs := s.snapshot()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(s.State())
	}
	return nil
}

func (s *MemorySession) Clear() error { return s.Set(State{}) }

func (s *MemorySession) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *MemorySession) snapshot() []func(State) {
	out := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// FileSession persists credentials as JSON at a path readable only by the
// owner.
type FileSession struct {
	*MemorySession
	path string
}

// NewFileSession loads path if it exists.
func NewFileSession(path string) (*FileSession, error) {
	fs := &FileSession{MemorySession: NewMemorySession(), path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read session: %w", err)
	default:
		if err := json.Unmarshal(data, &fs.state); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", path, err)
		}
	}
	fs.persist = fs.write
	return fs, nil
}

func (f *FileSession) write(st State) error {
	if !st.SignedIn() {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, f.path)
}
