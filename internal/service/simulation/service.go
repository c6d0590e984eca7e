// Package simulation advances sales-call simulations turn by turn and owns
// their end-of-life bookkeeping (feedback, reward credit).
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
	"github.com/zhouzirui/pitchroom/backend/internal/service/dialogue"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

// Transcriber turns an audio segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format, language string) (string, error)
}

// Synthesizer turns persona text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, language string) ([]byte, string, error)
}

// Scorer produces terminal feedback. It never fails; implementations fall
// back to heuristics when the model is unavailable.
type Scorer interface {
	Score(ctx context.Context, p persona.Persona, transcript []simulation.Turn) simulation.Feedback
}

// Crediter grants reward credits to a user.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int, reason string) error
}

// Dispatcher runs fire-and-forget tasks.
type Dispatcher interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// LiveSessions reports sessions currently owned by a realtime bridge.
type LiveSessions interface {
	Active(sessionID string) bool
}

// Deps wires the orchestrator. Store, Personas, Dialogue and Backoff are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Store       store.HistoryStore
	Personas    persona.Store
	Dialogue    *dialogue.Selector
	Prompts     *dialogue.PromptManager
	Backoff     *backoff.Controller
	Transcriber Transcriber
	Synthesizer Synthesizer
	Scorer      Scorer
	Crediter    Crediter
	Dispatcher  Dispatcher
	Live        LiveSessions
	Metrics     *metrics.Metrics

	RewardCredits int
}

// Service is stateless between calls; all session state lives in the store.
type Service struct {
	Deps
}

// NewService validates deps and fills optional defaults.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Personas == nil || deps.Dialogue == nil || deps.Backoff == nil {
		return nil, errors.New("simulation: store, personas, dialogue and backoff are required")
	}
	if deps.Prompts == nil {
		deps.Prompts = dialogue.NewPromptManager()
	}
	return &Service{Deps: deps}, nil
}

// CreateSession starts a simulation against personaID for ownerID.
func (s *Service) CreateSession(ctx context.Context, ownerID, personaID string) (simulation.Session, error) {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		return simulation.Session{}, newError(KindInvalidInput, "personaId is required", nil)
	}
	if _, ok := s.Personas.FindByID(personaID); !ok {
		return simulation.Session{}, newError(KindInvalidInput, fmt.Sprintf("unknown persona %q", personaID), nil)
	}

	session, err := s.Store.CreateSession(ctx, simulation.Session{OwnerID: ownerID, PersonaID: personaID})
	if err != nil {
		return simulation.Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Printf("[turn] session=%s created persona=%s owner=%s", session.ID, personaID, ownerID)
	return session, nil
}

// Session loads a session the caller may access.
func (s *Service) Session(ctx context.Context, sessionID, callerID string) (simulation.Session, error) {
	session, err := s.Store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return simulation.Session{}, newError(KindNotFound, "session not found", err)
		}
		return simulation.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !session.OwnedBy(callerID) {
		return simulation.Session{}, newError(KindForbidden, "session belongs to another user", nil)
	}
	return session, nil
}

// Transcript returns the ordered turns of a session the caller may access.
func (s *Service) Transcript(ctx context.Context, sessionID, callerID string) ([]simulation.Turn, error) {
	if _, err := s.Session(ctx, sessionID, callerID); err != nil {
		return nil, err
	}
	turns, err := s.Store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return turns, nil
}

// Persona resolves the persona of a session.
func (s *Service) Persona(session simulation.Session) (persona.Persona, error) {
	p, ok := s.Personas.FindByID(session.PersonaID)
	if !ok {
		return persona.Persona{}, newError(KindNotFound, fmt.Sprintf("persona %q not found", session.PersonaID), nil)
	}
	return p, nil
}

// Instructions builds the persona system prompt used by both transports.
func (s *Service) Instructions(p persona.Persona) string {
	return s.Prompts.BuildSystemPrompt(&p)
}
