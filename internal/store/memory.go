package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
)

// MemoryStore keeps everything in process. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]simulation.Session
	turns    map[string][]simulation.Turn
	credits  map[string]int
	credited map[string]struct{}

	// FailAppends makes AppendTurns return the given error; tests use it to
	// simulate an unavailable database.
	FailAppends error
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]simulation.Session),
		turns:    make(map[string][]simulation.Turn),
		credits:  make(map[string]int),
		credited: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session simulation.Session) (simulation.Session, error) {
	if session.PersonaID == "" {
		return simulation.Session{}, ErrPersonaMissing
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	session.Status = simulation.StatusCreated
	session.TurnCount = 0

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.turns[session.ID] = make([]simulation.Turn, 0, 16)
	s.mu.Unlock()

	return session, nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (simulation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return simulation.Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) LoadTranscript(_ context.Context, id string) ([]simulation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]simulation.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

func (s *MemoryStore) AppendTurns(_ context.Context, id string, expectedTurnCount int, turns []simulation.Turn, update simulation.Update) ([]simulation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppends != nil {
		return nil, s.FailAppends
	}

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Status.Terminal() {
		return nil, ErrSessionEnded
	}
	if session.TurnCount != expectedTurnCount {
		return nil, ErrConflict
	}

	numbered := simulation.NumberTurns(id, session.TurnCount, turns)
	s.turns[id] = append(s.turns[id], numbered...)

	session.TurnCount += len(numbered)
	session.ContinuationToken = update.ContinuationToken
	session.FullHistoryOnly = session.FullHistoryOnly || update.FullHistoryOnly
	if session.Transport == simulation.TransportNone {
		session.Transport = update.Transport
	}
	session.Status = simulation.StatusActive
	s.sessions[id] = session

	return numbered, nil
}

func (s *MemoryStore) FindTurnsByIdempotencyKey(_ context.Context, id, key string) ([]simulation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if key == "" {
		return nil, nil
	}
	var matched []simulation.Turn
	for _, t := range turns {
		if t.IdempotencyKey == key {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func (s *MemoryStore) MarkEnded(_ context.Context, id string, status simulation.Status, feedback *simulation.Feedback) (simulation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return simulation.Session{}, ErrNotFound
	}
	if session.Status.Terminal() {
		return session, ErrSessionEnded
	}
	session.Status = status
	session.EndedAt = time.Now().UTC()
	session.Feedback = feedback
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, amount int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "\x00" + reason
	if _, done := s.credited[key]; done {
		return nil
	}
	s.credited[key] = struct{}{}
	s.credits[userID] += amount
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credits[userID], nil
}

func (s *MemoryStore) Close() {}
