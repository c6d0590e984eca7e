package simulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

const scoreTimeout = 20 * time.Second

// End closes a turn-mode simulation on the caller's request. Ending an
// already ended session returns it unchanged.
func (s *Service) End(ctx context.Context, sessionID, callerID string) (simulation.Session, error) {
	session, err := s.Session(ctx, sessionID, callerID)
	if err != nil {
		return simulation.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	return s.Finish(ctx, session, simulation.StatusEnded)
}

// Finish scores the transcript, marks the session terminal and dispatches
// the reward credit. It is shared by both transports; only the first caller
// for a session triggers the reward.
func (s *Service) Finish(ctx context.Context, session simulation.Session, status simulation.Status) (simulation.Session, error) {
	transcript, err := s.Store.LoadTranscript(ctx, session.ID)
	if err != nil {
		log.Printf("[turn] session=%s could not load transcript for feedback: %v", session.ID, err)
	}

	var feedback *simulation.Feedback
	if status == simulation.StatusEnded && s.Scorer != nil && humanTurns(transcript) > 0 {
		if p, err := s.Persona(session); err == nil {
			scoreCtx, cancel := context.WithTimeout(ctx, scoreTimeout)
			fb := s.Scorer.Score(scoreCtx, p, transcript)
			cancel()
			feedback = &fb
		}
	}

	ended, err := s.Store.MarkEnded(ctx, session.ID, status, feedback)
	if errors.Is(err, store.ErrSessionEnded) {
		return ended, nil
	}
	if err != nil {
		return simulation.Session{}, fmt.Errorf("mark session ended: %w", err)
	}
	log.Printf("[turn] session=%s finished status=%s turns=%d", ended.ID, ended.Status, len(transcript))

	if status == simulation.StatusEnded && humanTurns(transcript) > 0 {
		s.reward(ended)
	}
	return ended, nil
}

func (s *Service) reward(session simulation.Session) {
	if s.Crediter == nil || s.Dispatcher == nil || session.OwnerID == "" || s.RewardCredits <= 0 {
		return
	}
	owner, amount, reason := session.OwnerID, s.RewardCredits, "simulation:"+session.ID
	s.Dispatcher.Submit("reward", func(ctx context.Context) error {
		return s.Crediter.Credit(ctx, owner, amount, reason)
	})
}

func humanTurns(turns []simulation.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Speaker == simulation.SpeakerHuman {
			n++
		}
	}
	return n
}
