package simulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
	"github.com/zhouzirui/pitchroom/backend/internal/service/dialogue"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

type fakeTranscriber struct {
	texts []string
	errs  []error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _, _ string) (string, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(f.texts) {
		return f.texts[i], nil
	}
	return f.texts[len(f.texts)-1], nil
}

type fakeSynthesizer struct {
	err error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, _, _ string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("audio:" + text), "mp3", nil
}

type fakeContinuer struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]error
	tokens []string
}

func (f *fakeContinuer) Continue(_ context.Context, token, _, utterance string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tokens = append(f.tokens, token)
	if err := f.failOn[f.calls]; err != nil {
		return "", "", err
	}
	return "threaded reply to " + utterance, "resp_" + string(rune('0'+f.calls)), nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	calls    int
	err      error
	lastSize int
	last     simulation.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, history []simulation.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSize = len(history)
	f.last = history[len(history)-1]
	if f.err != nil {
		return "", f.err
	}
	return "full reply to " + history[len(history)-1].Text, nil
}

type fakeScorer struct{ calls int }

func (f *fakeScorer) Score(_ context.Context, _ persona.Persona, transcript []simulation.Turn) simulation.Feedback {
	f.calls++
	return simulation.Feedback{Score: 60 + len(transcript), Summary: "ok", Source: "test"}
}

// inlineDispatcher runs tasks synchronously.
type inlineDispatcher struct{}

func (inlineDispatcher) Submit(_ string, fn func(ctx context.Context) error) bool {
	_ = fn(context.Background())
	return true
}

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	stt       *fakeTranscriber
	tts       *fakeSynthesizer
	continuer *fakeContinuer
	completer *fakeCompleter
	scorer    *fakeScorer
}

func newFixture(t *testing.T, threaded bool) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		stt:       &fakeTranscriber{texts: []string{"שלום"}},
		tts:       &fakeSynthesizer{},
		continuer: &fakeContinuer{failOn: map[int]error{}},
		completer: &fakeCompleter{},
		scorer:    &fakeScorer{},
	}
	var continuer dialogue.Continuer
	if threaded {
		continuer = f.continuer
	}
	svc, err := NewService(Deps{
		Store:         f.store,
		Personas:      persona.NewMemoryStore(persona.Seed()),
		Dialogue:      dialogue.NewSelector(continuer, f.completer),
		Backoff:       backoff.New(config.BackoffConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}),
		Transcriber:   f.stt,
		Synthesizer:   f.tts,
		Scorer:        f.scorer,
		Crediter:      f.store,
		Dispatcher:    inlineDispatcher{},
		RewardCredits: 10,
	})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) session(t *testing.T) simulation.Session {
	t.Helper()
	s, err := f.svc.CreateSession(context.Background(), "agent-1", "skeptical-cfo")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	return s
}

func (f *fixture) text(t *testing.T, sessionID, text string) *TurnResult {
	t.Helper()
	res, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: sessionID, CallerID: "agent-1", Text: text})
	if err != nil {
		t.Fatalf("ProcessTurn(%q) err: %v", text, err)
	}
	return res
}

func TestProcessTurnUnknownSession(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: "missing", CallerID: "agent-1", Audio: []byte("pcm")})
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if f.stt.calls != 0 {
		t.Fatal("transcriber must not run for an unknown session")
	}
}

func TestProcessTurnRejectsOtherOwner(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		caller string
	}{
		{name: "named owner, other caller", owner: "agent-1", caller: "intruder"},
		{name: "named owner, anonymous caller", owner: "agent-1", caller: ""},
		{name: "anonymous owner, named caller", owner: "", caller: "agent-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			s, err := f.svc.CreateSession(context.Background(), tt.owner, "skeptical-cfo")
			if err != nil {
				t.Fatalf("CreateSession err: %v", err)
			}
			_, err = f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, CallerID: tt.caller, Text: "hi"})
			if KindOf(err) != KindForbidden {
				t.Fatalf("expected forbidden, got %v", err)
			}
			if _, err := f.svc.Session(context.Background(), s.ID, tt.caller); KindOf(err) != KindForbidden {
				t.Fatalf("expected forbidden session read, got %v", err)
			}
		})
	}
}

func TestAnonymousSessionServesAnonymousCaller(t *testing.T) {
	f := newFixture(t, true)
	s, err := f.svc.CreateSession(context.Background(), "", "skeptical-cfo")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, Text: "hi"}); err != nil {
		t.Fatalf("ProcessTurn err: %v", err)
	}
}

func TestProcessTurnInputValidation(t *testing.T) {
	cases := []struct {
		name string
		req  TurnRequest
		stt  []string
	}{
		{name: "neither audio nor text", req: TurnRequest{Text: "   "}},
		{name: "silence", req: TurnRequest{Audio: []byte("pcm")}, stt: []string{"  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			if tc.stt != nil {
				f.stt.texts = tc.stt
			}
			s := f.session(t)
			tc.req.SessionID, tc.req.CallerID = s.ID, "agent-1"

			_, err := f.svc.ProcessTurn(context.Background(), tc.req)
			if KindOf(err) != KindInvalidInput {
				t.Fatalf("expected invalid_input, got %v", err)
			}
			turns, _ := f.store.LoadTranscript(context.Background(), s.ID)
			if len(turns) != 0 {
				t.Fatalf("no turn may be appended, got %d", len(turns))
			}
		})
	}
}

func TestProcessTurnPrefersAudio(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t)
	res, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, CallerID: "agent-1", Audio: []byte("pcm"), Text: "ignored"})
	if err != nil {
		t.Fatalf("ProcessTurn err: %v", err)
	}
	if res.HumanText != "שלום" || res.TurnNumber != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(res.PersonaAudio) != "audio:"+res.PersonaText || res.AudioFormat != "mp3" {
		t.Fatalf("unexpected audio: %q %q", res.PersonaAudio, res.AudioFormat)
	}
}

func TestProcessTurnSynthesisFailureIsDegraded(t *testing.T) {
	f := newFixture(t, true)
	f.tts.err = errors.New("tts backend down")
	s := f.session(t)

	res := f.text(t, s.ID, "hello")
	if res.PersonaAudio != nil || res.PersonaText == "" {
		t.Fatalf("expected text-only result, got %+v", res)
	}
	turns, _ := f.store.LoadTranscript(context.Background(), s.ID)
	if len(turns) != 2 {
		t.Fatalf("expected the turn pair to be stored, got %d", len(turns))
	}
}

func TestThreadedFaultDowngradesForGood(t *testing.T) {
	f := newFixture(t, true)
	f.continuer.failOn[2] = errors.New("previous_response_id not found")
	s := f.session(t)
	ctx := context.Background()

	first := f.text(t, s.ID, "one")
	if first.Strategy != "threaded" {
		t.Fatalf("first turn should be threaded, got %s", first.Strategy)
	}
	loaded, _ := f.store.LoadSession(ctx, s.ID)
	if loaded.ContinuationToken == "" {
		t.Fatal("expected continuation token after threaded turn")
	}

	second := f.text(t, s.ID, "two")
	if second.Strategy != "full_history" || second.PersonaText != "full reply to two" {
		t.Fatalf("second turn should fall back, got %+v", second)
	}
	if f.completer.lastSize != 3 {
		t.Fatalf("fallback should replay full history, got %d turns", f.completer.lastSize)
	}
	if f.completer.last.SessionID != s.ID || f.completer.last.Text != "two" {
		t.Fatalf("utterance handed to the completer lacks its session: %+v", f.completer.last)
	}

	third := f.text(t, s.ID, "three")
	if third.Strategy != "full_history" {
		t.Fatalf("downgrade must be permanent, got %s", third.Strategy)
	}
	if f.continuer.calls != 2 {
		t.Fatalf("continuer must not be called after the fault, got %d calls", f.continuer.calls)
	}

	loaded, _ = f.store.LoadSession(ctx, s.ID)
	if !loaded.FullHistoryOnly || loaded.ContinuationToken != "" || loaded.TurnCount != 6 {
		t.Fatalf("unexpected session after downgrade: %+v", loaded)
	}
	turns, _ := f.store.LoadTranscript(ctx, s.ID)
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
}

func TestRateLimitedDialogueSurfacesExhaustion(t *testing.T) {
	f := newFixture(t, true)
	limited := backoff.RateLimited(errors.New("429"))
	f.continuer.failOn[1] = limited
	f.continuer.failOn[2] = limited
	s := f.session(t)

	_, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, CallerID: "agent-1", Text: "hello"})
	if KindOf(err) != KindRetriesExhausted {
		t.Fatalf("expected retries_exhausted, got %v", err)
	}
	loaded, _ := f.store.LoadSession(context.Background(), s.ID)
	if loaded.FullHistoryOnly {
		t.Fatal("rate limits must not downgrade the session")
	}
	if f.completer.calls != 0 {
		t.Fatal("rate limits must not trigger the fallback strategy")
	}
}

func TestDialogueFailedCarriesPartialProgress(t *testing.T) {
	f := newFixture(t, false)
	f.completer.err = errors.New("model overloaded")
	s := f.session(t)

	_, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, CallerID: "agent-1", Audio: []byte("pcm")})
	e, ok := AsError(err)
	if !ok || e.Kind != KindDialogueFailed {
		t.Fatalf("expected dialogue_failed, got %v", err)
	}
	if e.Partial == nil || e.Partial.HumanText != "שלום" {
		t.Fatalf("expected transcribed text as partial progress, got %+v", e.Partial)
	}
	if f.completer.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", f.completer.calls)
	}
}

func TestTranscriptionRetriedOnce(t *testing.T) {
	cases := []struct {
		name     string
		errs     []error
		wantKind Kind
	}{
		{name: "second attempt succeeds", errs: []error{errors.New("socket reset")}},
		{name: "both attempts fail", errs: []error{errors.New("socket reset"), errors.New("socket reset")}, wantKind: KindTranscriptionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.stt.errs = tc.errs
			s := f.session(t)
			_, err := f.svc.ProcessTurn(context.Background(), TurnRequest{SessionID: s.ID, CallerID: "agent-1", Audio: []byte("pcm")})
			if tc.wantKind == "" && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if tc.wantKind != "" && KindOf(err) != tc.wantKind {
				t.Fatalf("expected %s, got %v", tc.wantKind, err)
			}
			if f.stt.calls != 2 {
				t.Fatalf("expected 2 transcriber calls, got %d", f.stt.calls)
			}
		})
	}
}

func TestPersistenceFailureReturnsWarning(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t)
	f.store.FailAppends = errors.New("connection refused")

	res := f.text(t, s.ID, "hello")
	if res.Warning != KindPersistenceDegraded {
		t.Fatalf("expected persistence warning, got %+v", res)
	}
	if res.PersonaText == "" {
		t.Fatal("computed reply must still be returned")
	}
}

func TestIdempotencyKeyReplaysStoredTurns(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t)
	req := TurnRequest{SessionID: s.ID, CallerID: "agent-1", Audio: []byte("pcm"), IdempotencyKey: "turn-1"}

	first, err := f.svc.ProcessTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("first ProcessTurn err: %v", err)
	}
	second, err := f.svc.ProcessTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("second ProcessTurn err: %v", err)
	}
	if !second.Replayed || second.PersonaText != first.PersonaText || second.TurnNumber != 2 {
		t.Fatalf("expected replay of first turn, got %+v", second)
	}
	if f.stt.calls != 1 || f.continuer.calls != 1 {
		t.Fatalf("replay must not touch adapters: stt=%d dialogue=%d", f.stt.calls, f.continuer.calls)
	}
	turns, _ := f.store.LoadTranscript(context.Background(), s.ID)
	if len(turns) != 2 {
		t.Fatalf("expected no duplicate pair, got %d turns", len(turns))
	}
}

func TestEndScoresAndRewardsOnce(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t)
	f.text(t, s.ID, "hello")
	ctx := context.Background()

	ended, err := f.svc.End(ctx, s.ID, "agent-1")
	if err != nil {
		t.Fatalf("End err: %v", err)
	}
	if ended.Status != simulation.StatusEnded || ended.Feedback == nil {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
	if _, err := f.svc.End(ctx, s.ID, "agent-1"); err != nil {
		t.Fatalf("second End err: %v", err)
	}
	if _, err := f.svc.Finish(ctx, ended, simulation.StatusEnded); err != nil {
		t.Fatalf("Finish on ended session err: %v", err)
	}

	balance, _ := f.store.Balance(ctx, "agent-1")
	if balance != 10 {
		t.Fatalf("expected one reward of 10, got %d", balance)
	}
	if f.scorer.calls > 2 {
		t.Fatalf("unexpected scorer calls: %d", f.scorer.calls)
	}

	_, err = f.svc.ProcessTurn(ctx, TurnRequest{SessionID: s.ID, CallerID: "agent-1", Text: "late"})
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("turns after end must be rejected, got %v", err)
	}
}

func TestEndWithoutTurnsSkipsReward(t *testing.T) {
	f := newFixture(t, true)
	s := f.session(t)
	if _, err := f.svc.End(context.Background(), s.ID, "agent-1"); err != nil {
		t.Fatalf("End err: %v", err)
	}
	balance, _ := f.store.Balance(context.Background(), "agent-1")
	if balance != 0 || f.scorer.calls != 0 {
		t.Fatalf("empty simulation should not be scored or rewarded: balance=%d scores=%d", balance, f.scorer.calls)
	}
}

func TestCreateSessionRejectsUnknownPersona(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.svc.CreateSession(context.Background(), "agent-1", "nobody"); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}
