package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
)

const uniqueViolation = "23505"

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const sessionColumns = `id, owner_id, persona_id, turn_count, continuation_token, full_history_only, status, transport, started_at, ended_at, feedback`

func (p *Postgres) CreateSession(ctx context.Context, session simulation.Session) (simulation.Session, error) {
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

	_, err := p.pool.Exec(ctx, `
		INSERT INTO simulation_sessions (id, owner_id, persona_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.OwnerID, session.PersonaID, string(session.Status), session.StartedAt)
	if err != nil {
		return simulation.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (p *Postgres) LoadSession(ctx context.Context, id string) (simulation.Session, error) {
	return loadSession(ctx, p.pool, id, "")
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadSession(ctx context.Context, q queryer, id, suffix string) (simulation.Session, error) {
	var (
		s         simulation.Session
		status    string
		transport string
		endedAt   *time.Time
		feedback  []byte
	)
	err := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM simulation_sessions WHERE id = $1`+suffix, id).Scan(
		&s.ID, &s.OwnerID, &s.PersonaID, &s.TurnCount, &s.ContinuationToken, &s.FullHistoryOnly,
		&status, &transport, &s.StartedAt, &endedAt, &feedback,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return simulation.Session{}, ErrNotFound
	}
	if err != nil {
		return simulation.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	s.Status = simulation.Status(status)
	s.Transport = simulation.Transport(transport)
	if endedAt != nil {
		s.EndedAt = *endedAt
	}
	if len(feedback) > 0 {
		s.Feedback = &simulation.Feedback{}
		if err := json.Unmarshal(feedback, s.Feedback); err != nil {
			log.Printf("[store] session=%s has unreadable feedback: %v", id, err)
			s.Feedback = nil
		}
	}
	return s, nil
}

func (p *Postgres) LoadTranscript(ctx context.Context, id string) ([]simulation.Turn, error) {
	if _, err := p.LoadSession(ctx, id); err != nil {
		return nil, err
	}
	return p.queryTurns(ctx, `
		SELECT session_id, seq, speaker, text, audio_ref, COALESCE(idempotency_key, ''), created_at
		FROM simulation_turns WHERE session_id = $1 ORDER BY seq`, id)
}

func (p *Postgres) queryTurns(ctx context.Context, sql string, args ...any) ([]simulation.Turn, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]simulation.Turn, 0, 16)
	for rows.Next() {
		var (
			t       simulation.Turn
			speaker string
		)
		if err := rows.Scan(&t.SessionID, &t.Seq, &speaker, &t.Text, &t.AudioRef, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Speaker = simulation.Speaker(speaker)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurns locks the session row, checks the expected count and writes
// the turns together with the session update in one transaction.
func (p *Postgres) AppendTurns(ctx context.Context, id string, expectedTurnCount int, turns []simulation.Turn, update simulation.Update) ([]simulation.Turn, error) {
	var numbered []simulation.Turn

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		session, err := loadSession(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return ErrSessionEnded
		}
		if session.TurnCount != expectedTurnCount {
			return ErrConflict
		}

		numbered = simulation.NumberTurns(id, session.TurnCount, turns)
		batch := &pgx.Batch{}
		for _, t := range numbered {
			var key any
			if t.IdempotencyKey != "" {
				key = t.IdempotencyKey
			}
			batch.Queue(`
				INSERT INTO simulation_turns (session_id, seq, speaker, text, audio_ref, idempotency_key, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, t.Seq, string(t.Speaker), t.Text, t.AudioRef, key, t.CreatedAt)
		}
		transport := session.Transport
		if transport == simulation.TransportNone {
			transport = update.Transport
		}
		batch.Queue(`
			UPDATE simulation_sessions
			SET turn_count = $2, continuation_token = $3, full_history_only = full_history_only OR $4,
			    transport = $5, status = $6
			WHERE id = $1`,
			id, session.TurnCount+len(numbered), update.ContinuationToken, update.FullHistoryOnly,
			string(transport), string(simulation.StatusActive))

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrConflict
		}
		return nil, err
	}
	return numbered, nil
}

func (p *Postgres) FindTurnsByIdempotencyKey(ctx context.Context, id, key string) ([]simulation.Turn, error) {
	if _, err := p.LoadSession(ctx, id); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	return p.queryTurns(ctx, `
		SELECT session_id, seq, speaker, text, audio_ref, COALESCE(idempotency_key, ''), created_at
		FROM simulation_turns WHERE session_id = $1 AND idempotency_key = $2 ORDER BY seq`, id, key)
}

func (p *Postgres) MarkEnded(ctx context.Context, id string, status simulation.Status, feedback *simulation.Feedback) (simulation.Session, error) {
	var ended simulation.Session
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		session, err := loadSession(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			ended = session
			return ErrSessionEnded
		}

		var raw []byte
		if feedback != nil {
			if raw, err = json.Marshal(feedback); err != nil {
				return fmt.Errorf("marshal feedback: %w", err)
			}
		}
		session.Status = status
		session.EndedAt = time.Now().UTC()
		session.Feedback = feedback
		if _, err := tx.Exec(ctx, `
			UPDATE simulation_sessions SET status = $2, ended_at = $3, feedback = $4 WHERE id = $1`,
			id, string(status), session.EndedAt, raw); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		ended = session
		return nil
	})
	return ended, err
}

func (p *Postgres) Credit(ctx context.Context, userID string, amount int, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO credit_ledger (user_id, amount, reason) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, reason) DO NOTHING`, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, userID string) (int, error) {
	var total int
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", userID, err)
	}
	return total, nil
}
