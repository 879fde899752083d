package transfer

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionNotFound is returned by stores for unknown transfer ids.
var ErrSessionNotFound = errors.New("transfer session not found")

// Store persists transfer sessions. A session's absence means the
// pseudo state "ready".
type Store interface {
	Get(ctx context.Context, id string) (*Transfer, error)
	GetByCall(ctx context.Context, callID string) (*Transfer, error)
	Upsert(ctx context.Context, t *Transfer) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Transfer, error)
}

// MemoryStore keeps sessions in memory. It is the default store and
// the one used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Transfer)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetByCall(ctx context.Context, callID string) (*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.sessions {
		if _, ok := t.Role(callID); ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) Upsert(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.sessions[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Transfer, 0, len(s.sessions))
	for _, t := range s.sessions {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
