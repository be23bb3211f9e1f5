package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionReset is returned for a question whose session was reset
	// while it was being answered. The turn is discarded.
	ErrSessionReset = errors.New("session was reset while answering")
)

type State string

const (
	StateIdle           State = "idle"
	StateAwaitingAnswer State = "awaiting_answer"
)

// Turn is one completed question and answer.
type Turn struct {
	ID       string    `json:"id"`
	Question string    `json:"question"`
	ChunkIDs []string  `json:"chunk_ids"`
	Answer   string    `json:"answer"`
	Degraded bool      `json:"degraded"`
	Cached   bool      `json:"cached"`
	Time     time.Time `json:"time"`
}

// Session is a conversation scoped to a fixed set of datasets. Only one
// question is in flight per session; later callers wait their turn.
type Session struct {
	ID        string
	Datasets  []string
	CreatedAt time.Time

	slot  chan struct{}
	mu    sync.RWMutex
	state State
	turns []Turn
	// epoch changes on every reset; a turn started in an older epoch is
	// never appended.
	epoch      uint64
	cancelTurn context.CancelFunc
}

func newSession(datasets []string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Datasets:  normalizeDatasets(datasets),
		CreatedAt: time.Now(),
		slot:      make(chan struct{}, 1),
		state:     StateIdle,
	}
}

// acquire blocks until the session is idle or ctx is done. The returned
// context is cancelled when the session is reset mid-turn.
func (s *Session) acquire(ctx context.Context) (context.Context, uint64, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.state = StateAwaitingAnswer
	s.cancelTurn = cancel
	epoch := s.epoch
	s.mu.Unlock()
	return turnCtx, epoch, nil
}

func (s *Session) release() {
	s.mu.Lock()
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	s.state = StateIdle
	s.mu.Unlock()
	<-s.slot
}

func (s *Session) current(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch == epoch
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Turns returns a copy of the completed turns, oldest first.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// appendTurn records t unless the session was reset since epoch.
func (s *Session) appendTurn(epoch uint64, t Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.turns = append(s.turns, t)
	return true
}

func (s *Session) clear() {
	s.mu.Lock()
	s.turns = nil
	s.epoch++
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.mu.Unlock()
}

// Manager owns the live sessions of the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) Create(datasets []string) *Session {
	s := newSession(datasets)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Reset drops the history of a session and cancels the question in flight,
// if any. The dataset scope is kept.
func (m *Manager) Reset(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.clear()
	return nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func normalizeDatasets(datasets []string) []string {
	seen := make(map[string]struct{}, len(datasets))
	out := make([]string, 0, len(datasets))
	for _, d := range datasets {
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
