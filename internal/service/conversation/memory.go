package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
)

// turnRing 定长环形缓冲，追加为 O(1)。
type turnRing struct {
	buf   []conversation.Turn
	start int
	n     int
}

func newTurnRing(capacity int) *turnRing {
	return &turnRing{buf: make([]conversation.Turn, capacity)}
}

func (r *turnRing) push(t conversation.Turn) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = t
		r.n++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *turnRing) snapshot() []conversation.Turn {
	out := make([]conversation.Turn, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *turnRing) reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}

type memSession struct {
	mu        sync.Mutex
	turns     *turnRing
	updatedAt time.Time
}

// MemoryStore 进程内会话记忆，每个会话一把锁。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	maxTurns int
	turnLock *keyedMutex
	now      func() time.Time
}

// NewMemoryStore creates a store keeping at most maxTurns per session.
func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		maxTurns: clampCap(maxTurns),
		turnLock: newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) session(id string, create bool) *memSession {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok || !create {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = &memSession{turns: newTurnRing(s.maxTurns), updatedAt: s.now()}
	s.sessions[id] = sess
	return sess
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, role conversation.Role, text string) ([]conversation.Turn, error) {
	if err := validateAppend(sessionID, role, text); err != nil {
		return nil, err
	}
	sess := s.session(sessionID, true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	sess.turns.push(conversation.Turn{Role: role, Text: text, Timestamp: now})
	sess.updatedAt = now
	return sess.turns.snapshot(), nil
}

func (s *MemoryStore) Context(_ context.Context, sessionID string) ([]conversation.Turn, error) {
	sess := s.session(sessionID, false)
	if sess == nil {
		return []conversation.Turn{}, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.turns.snapshot(), nil
}

// Reset forgets the session entirely; the next Append starts a fresh transcript.
func (s *MemoryStore) Reset(_ context.Context, sessionID string) error {
	unlock := s.turnLock.lock(sessionID)
	defer unlock()

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, sessionID string, turns []conversation.Turn) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if err := conversation.ValidateTurns(turns); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	sess := s.session(sessionID, true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	sess.turns.reset()
	for _, t := range newest(turns, s.maxTurns) {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		sess.turns.push(t)
	}
	sess.updatedAt = now
	return nil
}

func (s *MemoryStore) ClearAll(context.Context) error {
	unlock := s.turnLock.lockAll()
	defer unlock()

	s.mu.Lock()
	s.sessions = make(map[string]*memSession)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sessions(context.Context) ([]SessionInfo, error) {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		out = append(out, SessionInfo{ID: id, Turns: sess.turns.n, UpdatedAt: sess.updatedAt})
		sess.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Evict(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.updatedAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted, nil
}

func (s *MemoryStore) Lock(sessionID string) func() {
	return s.turnLock.lock(sessionID)
}
