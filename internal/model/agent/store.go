package agent

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("agent not found")
	ErrNameRequired = errors.New("agent name is required")
)

// Store exposes agent retrieval and mutation for handlers and the pipeline.
type Store interface {
	List() []Agent
	FindByID(id string) (Agent, bool)
	Save(a Agent) (Agent, error)
	Delete(id string) error
}

// MemoryStore implements Store with an in-memory map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Agent
}

// NewMemoryStore builds a store seeded with items.
func NewMemoryStore(items []Agent) *MemoryStore {
	store := &MemoryStore{items: make(map[string]Agent, len(items))}
	for _, item := range items {
		store.items[item.ID] = item
	}
	return store
}

// List returns agents ordered by id.
func (s *MemoryStore) List() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByID returns the agent with the provided id.
func (s *MemoryStore) FindByID(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Save creates or replaces an agent, assigning an id when missing.
func (s *MemoryStore) Save(a Agent) (Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return Agent{}, ErrNameRequired
	}

	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.items[a.ID] = a
	return a, nil
}

// Delete removes an agent.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
