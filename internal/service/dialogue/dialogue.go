// Package dialogue produces persona replies through one of two strategies:
// threaded continuation, where the provider keeps the conversation and only
// the newest utterance is sent with an opaque token, and full history, where
// the whole transcript is replayed with the system prompt on every call.
package dialogue

import (
	"context"
	"errors"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
)

var (
	// ErrEmptyReply is returned when a provider answers with no text.
	ErrEmptyReply = errors.New("dialogue provider returned an empty reply")
	// ErrUnavailable is returned when no provider is configured for a strategy.
	ErrUnavailable = errors.New("dialogue provider unavailable")
)

// Continuer continues a provider-side conversation identified by token.
// An empty token starts a new conversation seeded with instructions.
type Continuer interface {
	Continue(ctx context.Context, token, instructions, utterance string) (text, newToken string, err error)
}

// Completer answers from the full transcript. The last history entry is the
// utterance being replied to.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []simulation.Turn) (string, error)
}

// Request is the input shared by both strategies.
type Request struct {
	SystemPrompt string
	Token        string
	History      []simulation.Turn
}

// Utterance returns the newest human text in the request.
func (r Request) Utterance() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Text
}

// Reply is a persona answer and the token to keep for the next turn.
type Reply struct {
	Text  string
	Token string
}

// Strategy produces one persona reply.
type Strategy interface {
	Name() string
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Threaded sends only the newest utterance plus the continuation token.
type Threaded struct {
	Continuer Continuer
}

func (Threaded) Name() string { return "threaded" }

func (s Threaded) Reply(ctx context.Context, req Request) (Reply, error) {
	if s.Continuer == nil {
		return Reply{}, ErrUnavailable
	}
	text, token, err := s.Continuer.Continue(ctx, req.Token, req.SystemPrompt, req.Utterance())
	if err != nil {
		return Reply{}, err
	}
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{Text: text, Token: token}, nil
}

// FullHistory replays the whole transcript. It never yields a token.
type FullHistory struct {
	Completer Completer
}

func (FullHistory) Name() string { return "full_history" }

func (s FullHistory) Reply(ctx context.Context, req Request) (Reply, error) {
	if s.Completer == nil {
		return Reply{}, ErrUnavailable
	}
	text, err := s.Completer.Complete(ctx, req.SystemPrompt, req.History)
	if err != nil {
		return Reply{}, err
	}
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{Text: text}, nil
}

// Selector picks the strategy for a session.
type Selector struct {
	threaded Strategy
	full     Strategy
}

// NewSelector builds a selector. A nil continuer disables threading.
func NewSelector(continuer Continuer, completer Completer) *Selector {
	s := &Selector{full: FullHistory{Completer: completer}}
	if continuer != nil {
		s.threaded = Threaded{Continuer: continuer}
	}
	return s
}

// For returns the threaded strategy while the session has not been
// downgraded and either holds a token or has no turns yet; otherwise the
// full-history strategy.
func (s *Selector) For(session simulation.Session) Strategy {
	if s.threaded != nil && !session.FullHistoryOnly &&
		(session.ContinuationToken != "" || session.TurnCount == 0) {
		return s.threaded
	}
	return s.full
}

// Fallback returns the full-history strategy.
func (s *Selector) Fallback() Strategy {
	return s.full
}
