// Package store persists simulation sessions, their append-only transcripts
// and the reward credit ledger.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrConflict       = errors.New("session was advanced concurrently")
	ErrSessionEnded   = errors.New("session already ended")
	ErrPersonaMissing = errors.New("persona id is required")
)

// HistoryStore is the durable home of sessions and turns. AppendTurns is a
// compare-and-swap on the session's turn counter: it fails with ErrConflict
// unless the stored count equals expectedTurnCount.
type HistoryStore interface {
	CreateSession(ctx context.Context, session simulation.Session) (simulation.Session, error)
	LoadSession(ctx context.Context, id string) (simulation.Session, error)
	LoadTranscript(ctx context.Context, id string) ([]simulation.Turn, error)
	AppendTurns(ctx context.Context, id string, expectedTurnCount int, turns []simulation.Turn, update simulation.Update) ([]simulation.Turn, error)
	FindTurnsByIdempotencyKey(ctx context.Context, id, key string) ([]simulation.Turn, error)
	MarkEnded(ctx context.Context, id string, status simulation.Status, feedback *simulation.Feedback) (simulation.Session, error)
}

// Ledger records reward credits. Credit is idempotent per (userID, reason).
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int, reason string) error
	Balance(ctx context.Context, userID string) (int, error)
}

// Store is implemented by both backends.
type Store interface {
	HistoryStore
	Ledger
	Close()
}
