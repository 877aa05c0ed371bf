package lifecycle

import (
	"context"
	"sort"
	"sync"
)

// Store persists sessions, their transition log and billing checkpoints.
// Implementations return copies; callers may mutate returned values freely.
type Store interface {
	// CreateSession inserts s together with its creation log entry.
	CreateSession(ctx context.Context, s *Session, t Transition) error
	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*Session, error)
	// SaveTransition updates s and appends t atomically.
	SaveTransition(ctx context.Context, s *Session, t Transition) error
	// UpdateSession overwrites s.
	UpdateSession(ctx context.Context, s *Session) error
	ListTransitions(ctx context.Context, id string) ([]Transition, error)
	AppendCheckpoint(ctx context.Context, cp Checkpoint) error
	ListCheckpoints(ctx context.Context, id string) ([]Checkpoint, error)
	// ListSessionsByUser returns newest-first sessions where userID is a party.
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	ListSessionsByStatus(ctx context.Context, status Status) ([]*Session, error)
	Close() error
}

// MemoryStore is an in-process Store. State is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	transitions map[string][]Transition
	checkpoints map[string][]Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		transitions: make(map[string][]Transition),
		checkpoints: make(map[string][]Checkpoint),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	m.transitions[s.ID] = append(m.transitions[s.ID], t)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveTransition(_ context.Context, s *Session, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = s.Clone()
	m.transitions[s.ID] = append(m.transitions[s.ID], t)
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	return append([]Transition(nil), m.transitions[id]...), nil
}

func (m *MemoryStore) AppendCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[cp.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, id string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	return append([]Checkpoint(nil), m.checkpoints[id]...), nil
}

func (m *MemoryStore) ListSessionsByUser(_ context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.HasParty(userID) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status Status) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
