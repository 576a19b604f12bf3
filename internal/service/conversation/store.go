// Package conversation 保存每个会话的有界对话记录。
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
)

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrEmptyText       = errors.New("turn text is empty")
	ErrInvalidRole     = errors.New("invalid turn role")
	// ErrSessionCorrupt rejects history that would leave a transcript out of shape.
	ErrSessionCorrupt = errors.New("session transcript corrupt")
)

// DefaultMaxTurns is the transcript cap (five exchanges).
const DefaultMaxTurns = 10

// SessionInfo summarizes one stored transcript.
type SessionInfo struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store 会话记忆。返回的切片都是快照，调用方可以自由修改。
type Store interface {
	// Append adds a turn, trims the oldest beyond the cap and returns the resulting transcript.
	Append(ctx context.Context, sessionID string, role conversation.Role, text string) ([]conversation.Turn, error)
	Context(ctx context.Context, sessionID string) ([]conversation.Turn, error)
	// Reset waits for a turn holding Lock(sessionID) to finish, then forgets the session.
	Reset(ctx context.Context, sessionID string) error
	// Replace installs client supplied history, keeping only the newest turns within the cap.
	Replace(ctx context.Context, sessionID string, turns []conversation.Turn) error
	// ClearAll waits for every in-flight turn before dropping all sessions.
	ClearAll(ctx context.Context) error
	Sessions(ctx context.Context) ([]SessionInfo, error)
	// Evict drops sessions idle since before cutoff and reports how many went.
	Evict(ctx context.Context, cutoff time.Time) (int, error)
	// Lock serializes whole turns for one session; the returned func releases it.
	// Reset and ClearAll take it themselves, so callers must not hold it when calling them.
	Lock(sessionID string) (unlock func())
}

func validateAppend(sessionID string, role conversation.Role, text string) error {
	switch {
	case sessionID == "":
		return ErrSessionRequired
	case !role.Valid():
		return ErrInvalidRole
	case text == "":
		return ErrEmptyText
	}
	return nil
}

func clampCap(n int) int {
	if n <= 0 {
		return DefaultMaxTurns
	}
	return n
}

// newest returns the last n turns of ts.
func newest(ts []conversation.Turn, n int) []conversation.Turn {
	if len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	out := make([]conversation.Turn, len(ts))
	copy(out, ts)
	return out
}

// keyedMutex hands out one mutex per key and forgets it when nobody holds it.
// lockAll waits until no key is held and keeps new holders out until released.
type keyedMutex struct {
	all   sync.RWMutex
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.all.RLock()
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			k.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
			k.all.RUnlock()
		})
	}
}

func (k *keyedMutex) lockAll() func() {
	k.all.Lock()
	return k.all.Unlock
}

// RunJanitor evicts idle sessions every interval until ctx ends.
func RunJanitor(ctx context.Context, store Store, ttl, interval time.Duration, log zerolog.Logger) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Evict(ctx, now.Add(-ttl))
			if err != nil {
				log.Warn().Err(err).Msg("session eviction failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}
