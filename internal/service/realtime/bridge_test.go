package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

type fakeUpstream struct {
	mu         sync.Mutex
	events     chan Event
	configured []SessionConfig
	appended   int
	commits    int
	closed     bool
	ready      bool
	respond    bool
	// lateHuman delivers the human transcript after the persona reply.
	lateHuman bool
}

func newFakeUpstream(ready, respond bool) *fakeUpstream {
	return &fakeUpstream{events: make(chan Event, 32), ready: ready, respond: respond}
}

func (f *fakeUpstream) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeUpstream) Configure(_ context.Context, cfg SessionConfig) error {
	f.mu.Lock()
	f.configured = append(f.configured, cfg)
	f.mu.Unlock()
	if f.ready {
		f.emit(Event{Kind: EventReady})
	}
	return nil
}

func (f *fakeUpstream) AppendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
	return nil
}

func (f *fakeUpstream) Commit() error {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	if f.respond {
		if !f.lateHuman {
			f.emit(Event{Kind: EventHumanTranscript, Text: "שלום"})
		}
		f.emit(Event{Kind: EventAudioDelta, Audio: []byte{1, 2}})
		f.emit(Event{Kind: EventAudioDelta, Audio: []byte{3, 4}})
		f.emit(Event{Kind: EventPersonaTranscript, Text: "Who gave you my number?"})
		f.emit(Event{Kind: EventResponseDone, ResponseID: "resp_1"})
		if f.lateHuman {
			f.emit(Event{Kind: EventHumanTranscript, Text: "שלום"})
		}
	}
	return nil
}

func (f *fakeUpstream) Events() <-chan Event { return f.events }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// disconnect simulates the provider dropping the connection.
func (f *fakeUpstream) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeUpstream) counts() (appended, commits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended, f.commits
}

type fakeDialer struct {
	up *fakeUpstream
}

func (d fakeDialer) Dial(context.Context) (Upstream, error) { return d.up, nil }

type fakeFinisher struct {
	store store.HistoryStore
	mu    sync.Mutex
	calls []simulation.Status
}

func (f *fakeFinisher) Finish(ctx context.Context, session simulation.Session, status simulation.Status) (simulation.Session, error) {
	f.mu.Lock()
	f.calls = append(f.calls, status)
	f.mu.Unlock()
	return f.store.MarkEnded(ctx, session.ID, status, nil)
}

type harness struct {
	registry *Registry
	store    *store.MemoryStore
	up       *fakeUpstream
	finisher *fakeFinisher
	session  simulation.Session
	client   *websocket.Conn
	done     chan error
	bridge   chan *Bridge
}

func newHarness(t *testing.T, up *fakeUpstream, negotiate time.Duration) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		store:    store.NewMemoryStore(),
		up:       up,
		done:     make(chan error, 1),
		bridge:   make(chan *Bridge, 1),
	}
	h.finisher = &fakeFinisher{store: h.store}
	session, err := h.store.CreateSession(context.Background(), simulation.Session{PersonaID: "skeptical-cfo", OwnerID: "agent-1"})
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	h.session = session

	deps := Deps{
		Registry: h.registry,
		Dialer:   fakeDialer{up: up},
		Store:    h.store,
		Finisher: h.finisher,
		Config:   config.BridgeConfig{NegotiateTimeout: negotiate, WriteTimeout: time.Second, OutboundQueue: 16, TurnLogBuffer: 8},
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		b := NewBridge(deps, session, SessionConfig{Instructions: "be skeptical", Voice: "cfo-dry", Language: "he-IL"}, conn)
		h.bridge <- b
		h.done <- b.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

func (h *harness) readJSON(t *testing.T) serverMessage {
	t.Helper()
	for {
		_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return msg
	}
}

func (h *harness) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not close in time")
		return nil
	}
}

func TestBridgeCommitYieldsOneTurnBoundary(t *testing.T) {
	h := newHarness(t, newFakeUpstream(true, true), time.Second)

	if msg := h.readJSON(t); msg.Type != "ready" || msg.SessionID != h.session.ID {
		t.Fatalf("expected ready frame, got %+v", msg)
	}
	_ = h.client.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3})
	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio":"BAUGBw=="}`))
	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"commit"}`))

	var (
		audioFrames int
		boundaries  int
		transcripts []string
	)
	for boundaries == 0 {
		_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			audioFrames++
			continue
		}
		var msg serverMessage
		_ = json.Unmarshal(data, &msg)
		switch msg.Type {
		case "turn_boundary":
			boundaries++
			if msg.ResponseID != "resp_1" {
				t.Fatalf("unexpected response id %q", msg.ResponseID)
			}
		case "transcript":
			transcripts = append(transcripts, msg.Speaker)
		}
	}
	if audioFrames != 2 {
		t.Fatalf("expected 2 audio frames before the boundary, got %d", audioFrames)
	}
	if len(transcripts) != 2 {
		t.Fatalf("expected human and persona transcripts, got %v", transcripts)
	}

	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))
	for {
		msg := h.readJSON(t)
		if msg.Type == "turn_boundary" {
			t.Fatal("unexpected second turn boundary")
		}
		if msg.Type == "ended" {
			if msg.Reason != "client_end" {
				t.Fatalf("unexpected end reason %q", msg.Reason)
			}
			break
		}
	}
	if err := h.waitClosed(t); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	appended, commits := h.up.counts()
	if appended != 2 || commits != 1 {
		t.Fatalf("expected 2 appends and 1 commit, got %d and %d", appended, commits)
	}
	turns, _ := h.store.LoadTranscript(context.Background(), h.session.ID)
	if len(turns) != 2 || turns[0].Speaker != simulation.SpeakerHuman || turns[1].Seq != 2 {
		t.Fatalf("unexpected logged turns: %+v", turns)
	}
	session, _ := h.store.LoadSession(context.Background(), h.session.ID)
	if session.Status != simulation.StatusEnded || session.Transport != simulation.TransportRealtime {
		t.Fatalf("unexpected session after end: %+v", session)
	}
}

func TestBridgeLogsHumanTurnBeforeLateTranscript(t *testing.T) {
	up := newFakeUpstream(true, true)
	up.lateHuman = true
	h := newHarness(t, up, time.Second)
	h.readJSON(t)

	_ = h.client.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3})
	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"commit"}`))

	// 等到迟到的人类转写也已转发，再结束会话
	var speakers []string
	for len(speakers) < 2 {
		if msg := h.readJSON(t); msg.Type == "transcript" {
			speakers = append(speakers, msg.Speaker)
		}
	}
	if speakers[0] != string(simulation.SpeakerPersona) {
		t.Fatalf("expected the persona transcript to arrive first, got %v", speakers)
	}

	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))
	if err := h.waitClosed(t); err != nil {
		t.Fatalf("Run err: %v", err)
	}

	turns, _ := h.store.LoadTranscript(context.Background(), h.session.ID)
	if len(turns) != 2 {
		t.Fatalf("expected 2 logged turns, got %+v", turns)
	}
	if turns[0].Speaker != simulation.SpeakerHuman || turns[0].Seq != 1 ||
		turns[1].Speaker != simulation.SpeakerPersona || turns[1].Seq != 2 {
		t.Fatalf("expected human then persona, got %+v", turns)
	}
}

func TestBridgeFlushesHeldPersonaTurnOnEnd(t *testing.T) {
	up := newFakeUpstream(true, false)
	h := newHarness(t, up, time.Second)
	h.readJSON(t)

	_ = h.client.WriteMessage(websocket.BinaryMessage, []byte{0, 1})
	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"commit"}`))
	for {
		if _, commits := up.counts(); commits == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 人类转写始终没有到达
	up.emit(Event{Kind: EventPersonaTranscript, Text: "Hello?"})
	if msg := h.readJSON(t); msg.Type != "transcript" {
		t.Fatalf("expected transcript frame, got %+v", msg)
	}

	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))
	if err := h.waitClosed(t); err != nil {
		t.Fatalf("Run err: %v", err)
	}
	turns, _ := h.store.LoadTranscript(context.Background(), h.session.ID)
	if len(turns) != 1 || turns[0].Speaker != simulation.SpeakerPersona {
		t.Fatalf("expected the held persona turn to be logged, got %+v", turns)
	}
}

func TestBridgeClientDisconnectCloses(t *testing.T) {
	h := newHarness(t, newFakeUpstream(true, false), time.Second)
	h.readJSON(t)
	b := <-h.bridge
	if b.State() != StateActive || !h.registry.Active(h.session.ID) {
		t.Fatalf("expected active registered bridge, got %s", b.State())
	}

	_ = h.client.Close()
	if err := h.waitClosed(t); err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if h.registry.Active(h.session.ID) || h.registry.Count() != 0 {
		t.Fatal("registry still holds the session")
	}
	if len(h.finisher.calls) != 1 || h.finisher.calls[0] != simulation.StatusEnded {
		t.Fatalf("expected one ended finish, got %v", h.finisher.calls)
	}
}

func TestBridgeNegotiationTimeout(t *testing.T) {
	h := newHarness(t, newFakeUpstream(false, false), 50*time.Millisecond)

	msg := h.readJSON(t)
	if msg.Type != "error" || msg.Code != "upstream_unavailable" {
		t.Fatalf("expected error frame, got %+v", msg)
	}
	if err := h.waitClosed(t); err == nil {
		t.Fatal("expected negotiation error")
	}
	if h.registry.Count() != 0 {
		t.Fatal("registry should be empty")
	}
	session, _ := h.store.LoadSession(context.Background(), h.session.ID)
	if session.Status.Terminal() {
		t.Fatal("a failed negotiation must leave the session resumable")
	}
}

func TestBridgeUpstreamDisconnectEndsSession(t *testing.T) {
	up := newFakeUpstream(true, false)
	h := newHarness(t, up, time.Second)
	h.readJSON(t)

	up.disconnect()
	msg := h.readJSON(t)
	if msg.Type != "ended" || msg.Reason != reasonUpstreamDisconnected {
		t.Fatalf("expected ended frame, got %+v", msg)
	}
	_ = h.waitClosed(t)
	session, _ := h.store.LoadSession(context.Background(), h.session.ID)
	if session.Status != simulation.StatusEnded {
		t.Fatalf("expected ended session, got %s", session.Status)
	}
}

func TestBridgeFatalUpstreamErrorMarksSessionError(t *testing.T) {
	up := newFakeUpstream(true, false)
	h := newHarness(t, up, time.Second)
	h.readJSON(t)

	up.emit(Event{Kind: EventError, Err: &UpstreamError{Type: "server_error", Message: "boom"}})
	msg := h.readJSON(t)
	if msg.Type != "error" || msg.Code != "upstream_error" {
		t.Fatalf("expected error frame, got %+v", msg)
	}
	_ = h.waitClosed(t)
	if len(h.finisher.calls) != 1 || h.finisher.calls[0] != simulation.StatusError {
		t.Fatalf("expected error finish, got %v", h.finisher.calls)
	}
}

func TestBridgeRejectsEmptyCommit(t *testing.T) {
	up := newFakeUpstream(true, true)
	h := newHarness(t, up, time.Second)
	h.readJSON(t)

	_ = h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"commit"}`))
	msg := h.readJSON(t)
	if msg.Type != "error" || msg.Code != "empty_turn" {
		t.Fatalf("expected empty_turn error, got %+v", msg)
	}
	if _, commits := up.counts(); commits != 0 {
		t.Fatalf("empty commit must not reach upstream, got %d", commits)
	}
}

func TestCloseAllEndsLiveBridges(t *testing.T) {
	h := newHarness(t, newFakeUpstream(true, false), time.Second)
	h.readJSON(t)

	if n := h.registry.CloseAll(); n != 1 {
		t.Fatalf("expected 1 bridge closed, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !h.registry.Wait(ctx) {
		t.Fatal("Wait timed out")
	}
	msg := h.readJSON(t)
	if msg.Type != "ended" || msg.Reason != "shutdown" {
		t.Fatalf("expected shutdown frame, got %+v", msg)
	}
}

func TestRegistryAtMostOneBridge(t *testing.T) {
	r := NewRegistry()
	first, second := &Bridge{closeReq: make(chan struct{})}, &Bridge{closeReq: make(chan struct{})}

	if err := r.Register("s1", first); err != nil {
		t.Fatalf("Register err: %v", err)
	}
	if err := r.Register("s1", second); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	r.Unregister("s1", second)
	if got, _ := r.Get("s1"); got != first {
		t.Fatal("unregister by a non-owner must be ignored")
	}
	r.Unregister("s1", first)
	if r.Count() != 0 {
		t.Fatal("expected empty registry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatal("Wait should return once all bridges unregistered")
	}
}

func TestRegistryRefusesRegistrationAfterCloseAll(t *testing.T) {
	r := NewRegistry()
	live := &Bridge{closeReq: make(chan struct{})}
	if err := r.Register("s1", live); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	if n := r.CloseAll(); n != 1 {
		t.Fatalf("expected 1 bridge closed, got %d", n)
	}
	select {
	case <-live.closeReq:
	default:
		t.Fatal("CloseAll must ask live bridges to end")
	}
	if err := r.Register("s2", &Bridge{closeReq: make(chan struct{})}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if r.Wait(short) {
		t.Fatal("Wait must not report drained while a bridge is live")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Unregister("s1", live)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatal("Wait should return once the last bridge unregisters")
	}
}

func TestStateTransitions(t *testing.T) {
	b := &Bridge{state: StateCreated}
	steps := []struct {
		to   State
		want bool
	}{
		{StateActive, false},
		{StateNegotiating, true},
		{StateActive, true},
		{StateNegotiating, false},
		{StateEnding, true},
		{StateActive, false},
		{StateClosed, true},
		{StateClosed, false},
	}
	for i, step := range steps {
		if got := b.transition(step.to); got != step.want {
			t.Fatalf("step %d: transition to %s = %v, want %v", i, step.to, got, step.want)
		}
	}
}
