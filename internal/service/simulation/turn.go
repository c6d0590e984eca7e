package simulation

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
	"github.com/zhouzirui/pitchroom/backend/internal/service/dialogue"
)

const persistTimeout = 5 * time.Second

// TurnRequest carries one human utterance. Audio wins when both audio and
// text are present.
type TurnRequest struct {
	SessionID      string
	CallerID       string
	Audio          []byte
	AudioFormat    string
	Text           string
	Language       string
	IdempotencyKey string
}

// TurnResult is what the caller hears back. PersonaAudio is nil when
// synthesis failed; Warning is set when the turn was not persisted.
type TurnResult struct {
	HumanText    string `json:"humanText"`
	PersonaText  string `json:"personaText"`
	PersonaAudio []byte `json:"personaAudio,omitempty"`
	AudioFormat  string `json:"audioFormat,omitempty"`
	TurnNumber   int    `json:"turnNumber"`
	Strategy     string `json:"strategy,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
	Warning      Kind   `json:"warning,omitempty"`
}

// ProcessTurn transcribes, asks the persona for a reply, synthesizes it and
// appends both turns with a compare-and-swap on the session turn counter.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	res, err := s.processTurn(ctx, req)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(KindOf(err))
	case res.Warning != "":
		outcome = string(res.Warning)
	case res.Replayed:
		outcome = "replayed"
	}
	s.Metrics.RecordTurn(outcome, time.Since(start))
	if err != nil {
		log.Printf("[turn] session=%s failed: %v", req.SessionID, err)
	}
	return res, err
}

func (s *Service) processTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, newError(KindInvalidInput, "session id is required", nil)
	}
	session, err := s.Session(ctx, req.SessionID, req.CallerID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, newError(KindInvalidInput, "session has ended", nil)
	}
	if session.Transport == simulation.TransportRealtime || (s.Live != nil && s.Live.Active(session.ID)) {
		return nil, newError(KindInvalidInput, "session is driven by a live connection", nil)
	}
	if len(req.Audio) == 0 && strings.TrimSpace(req.Text) == "" {
		return nil, newError(KindInvalidInput, "audio or text is required", nil)
	}

	if req.IdempotencyKey != "" {
		if res, ok := s.replay(ctx, session.ID, req.IdempotencyKey); ok {
			return res, nil
		}
	}

	p, err := s.Persona(session)
	if err != nil {
		return nil, err
	}
	language := req.Language
	if language == "" {
		language = p.Language
	}

	humanText := req.Text
	if len(req.Audio) > 0 {
		if humanText, err = s.transcribe(ctx, req.Audio, req.AudioFormat, language); err != nil {
			return nil, err
		}
	}
	humanText = strings.TrimSpace(humanText)
	if humanText == "" {
		return nil, newError(KindInvalidInput, "no speech detected", nil)
	}

	// Seq 由存储在追加时分配，SessionID 先行填好供对话层记录
	human := simulation.Turn{SessionID: session.ID, Speaker: simulation.SpeakerHuman, Text: humanText, IdempotencyKey: req.IdempotencyKey}
	reply, strategy, update, err := s.reply(ctx, session, p, human)
	if err != nil {
		if e, ok := AsError(err); ok {
			e.Partial = &Partial{HumanText: humanText}
		}
		return nil, err
	}

	res := &TurnResult{
		HumanText:   humanText,
		PersonaText: reply.Text,
		Strategy:    strategy,
		TurnNumber:  session.TurnCount + 2,
	}
	res.PersonaAudio, res.AudioFormat = s.synthesize(ctx, session.ID, reply.Text, p.VoiceID, language)

	turns := []simulation.Turn{
		human,
		{Speaker: simulation.SpeakerPersona, Text: reply.Text, IdempotencyKey: req.IdempotencyKey},
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	appended, err := s.Store.AppendTurns(persistCtx, session.ID, session.TurnCount, turns, update)
	if err != nil {
		log.Printf("[turn] session=%s persist failed, returning degraded result: %v", session.ID, err)
		res.Warning = KindPersistenceDegraded
		return res, nil
	}
	res.TurnNumber = appended[len(appended)-1].Seq
	return res, nil
}

// replay returns the stored pair for a repeated idempotency key.
func (s *Service) replay(ctx context.Context, sessionID, key string) (*TurnResult, bool) {
	turns, err := s.Store.FindTurnsByIdempotencyKey(ctx, sessionID, key)
	if err != nil {
		log.Printf("[turn] session=%s idempotency lookup failed: %v", sessionID, err)
		return nil, false
	}
	var res TurnResult
	for _, t := range turns {
		switch t.Speaker {
		case simulation.SpeakerHuman:
			res.HumanText = t.Text
		case simulation.SpeakerPersona:
			res.PersonaText = t.Text
			res.TurnNumber = t.Seq
		}
	}
	if res.HumanText == "" || res.PersonaText == "" {
		return nil, false
	}
	res.Replayed = true
	log.Printf("[turn] session=%s replayed key=%s turn=%d", sessionID, key, res.TurnNumber)
	return &res, true
}

// transcribe retries a non rate-limit fault once before giving up.
func (s *Service) transcribe(ctx context.Context, audio []byte, format, language string) (string, error) {
	if s.Transcriber == nil {
		return "", newError(KindTranscriptionFailed, "speech recognition is not configured", nil)
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var text string
		text, err = backoff.Do(ctx, s.Backoff, "transcribe", func(ctx context.Context) (string, error) {
			return s.Transcriber.Transcribe(ctx, audio, format, language)
		})
		if err == nil {
			return text, nil
		}
		if stop := s.terminal(ctx, err); stop != nil {
			return "", stop
		}
		log.Printf("[turn] transcribe attempt=%d failed: %v", attempt, err)
	}
	return "", newError(KindTranscriptionFailed, "could not transcribe audio", err)
}

// reply asks the session's strategy for the persona answer. A fault on the
// threaded strategy downgrades the session to full history for good; the
// full-history strategy then gets one more try.
func (s *Service) reply(ctx context.Context, session simulation.Session, p persona.Persona, human simulation.Turn) (dialogue.Reply, string, simulation.Update, error) {
	update := simulation.Update{FullHistoryOnly: session.FullHistoryOnly, Transport: simulation.TransportTurn}
	prompt := s.Instructions(p)

	strategy := s.Dialogue.For(session)
	reply, err := s.ask(ctx, strategy, session, prompt, human)
	if err == nil {
		update.ContinuationToken = reply.Token
		return reply, strategy.Name(), update, nil
	}
	if stop := s.terminal(ctx, err); stop != nil {
		return dialogue.Reply{}, "", update, stop
	}

	fallback := s.Dialogue.Fallback()
	if strategy.Name() != fallback.Name() {
		log.Printf("[turn] session=%s strategy=%s fault, switching to %s: %v", session.ID, strategy.Name(), fallback.Name(), err)
		update.FullHistoryOnly = true
		session.ContinuationToken = ""
	} else {
		log.Printf("[turn] session=%s strategy=%s fault, retrying once: %v", session.ID, strategy.Name(), err)
	}

	reply, err = s.ask(ctx, fallback, session, prompt, human)
	if err != nil {
		if update.FullHistoryOnly && !session.FullHistoryOnly {
			s.persistDowngrade(ctx, session)
		}
		if stop := s.terminal(ctx, err); stop != nil {
			return dialogue.Reply{}, "", update, stop
		}
		return dialogue.Reply{}, "", update, newError(KindDialogueFailed, "persona could not reply", err)
	}
	update.ContinuationToken = ""
	return reply, fallback.Name(), update, nil
}

func (s *Service) ask(ctx context.Context, strategy dialogue.Strategy, session simulation.Session, prompt string, human simulation.Turn) (dialogue.Reply, error) {
	req := dialogue.Request{SystemPrompt: prompt, Token: session.ContinuationToken}
	if strategy.Name() == s.Dialogue.Fallback().Name() {
		history, err := s.Store.LoadTranscript(ctx, session.ID)
		if err != nil {
			return dialogue.Reply{}, err
		}
		req.Token = ""
		req.History = append(history, human)
	} else {
		req.History = []simulation.Turn{human}
	}
	return backoff.Do(ctx, s.Backoff, "dialogue."+strategy.Name(), func(ctx context.Context) (dialogue.Reply, error) {
		return strategy.Reply(ctx, req)
	})
}

// persistDowngrade records the switch to full history even though the turn
// itself failed, so the next turn does not try the stale token again.
func (s *Service) persistDowngrade(ctx context.Context, session simulation.Session) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	_, err := s.Store.AppendTurns(persistCtx, session.ID, session.TurnCount, nil, simulation.Update{
		FullHistoryOnly: true,
		Transport:       simulation.TransportTurn,
	})
	if err != nil {
		log.Printf("[turn] session=%s could not persist downgrade: %v", session.ID, err)
	}
}

func (s *Service) synthesize(ctx context.Context, sessionID, text, voice, language string) ([]byte, string) {
	if s.Synthesizer == nil {
		return nil, ""
	}
	type out struct {
		audio  []byte
		format string
	}
	res, err := backoff.Do(ctx, s.Backoff, "synthesize", func(ctx context.Context) (out, error) {
		audio, format, err := s.Synthesizer.Synthesize(ctx, text, voice, language)
		return out{audio, format}, err
	})
	if err != nil {
		log.Printf("[turn] session=%s synthesis failed, replying without audio: %v", sessionID, err)
		return nil, ""
	}
	return res.audio, res.format
}

// terminal returns the error to surface immediately, or nil when the fault
// may be retried by the caller.
func (s *Service) terminal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, backoff.ErrRetriesExhausted) {
		return newError(KindRetriesExhausted, "upstream is rate limiting, try again shortly", err)
	}
	return nil
}
