// Package realtime pairs a client websocket with a provider realtime
// connection for the lifetime of one live simulation.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

// State is the bridge lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateNegotiating
	StateActive
	StateEnding
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Closed is reachable from every state and is not listed here; Ending and
// Error lead only to Closed.
var transitions = map[State][]State{
	StateCreated:     {StateNegotiating},
	StateNegotiating: {StateActive, StateError},
	StateActive:      {StateEnding, StateError},
}

var errBridgeClosed = errors.New("bridge closed")

const (
	clientReadTimeout = 60 * time.Second
	pingInterval      = 30 * time.Second
	turnLogTimeout    = 5 * time.Second
	finishTimeout     = 30 * time.Second

	reasonUpstreamDisconnected = "upstream_disconnected"
)

// ClientConn is the caller-facing websocket; *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Finisher marks a session terminal and dispatches its side effects.
type Finisher interface {
	Finish(ctx context.Context, session simulation.Session, status simulation.Status) (simulation.Session, error)
}

// Deps are shared by every bridge.
type Deps struct {
	Registry *Registry
	Dialer   Dialer
	Store    store.HistoryStore
	Finisher Finisher
	Backoff  *backoff.Controller
	Metrics  *metrics.Metrics
	Config   config.BridgeConfig
}

// clientMessage is a JSON control frame from the client.
type clientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// serverMessage is a JSON control frame to the client.
type serverMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	Speaker    string `json:"speaker,omitempty"`
	Text       string `json:"text,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Bridge owns one client connection and one upstream connection.
type Bridge struct {
	deps    Deps
	session simulation.Session
	setup   SessionConfig
	client  ClientConn

	mu    sync.Mutex
	state State

	out   *outboundQueue
	turns chan simulation.Turn

	closeOnce sync.Once
	closeReq  chan struct{}

	pendingAudio bool

	// 上游的人类转写可能晚于角色转写到达。提交后、人类转写到达前的角色转写先暂存，
	// 保证落库顺序为人类在前。
	orderMu     sync.Mutex
	awaiting    int
	heldPersona []simulation.Turn
	turnsClosed bool
}

// NewBridge prepares a bridge in the Created state.
func NewBridge(deps Deps, session simulation.Session, setup SessionConfig, client ClientConn) *Bridge {
	cfg := &deps.Config
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.TurnLogBuffer <= 0 {
		cfg.TurnLogBuffer = 64
	}

	b := &Bridge{
		deps:     deps,
		session:  session,
		setup:    setup,
		client:   client,
		state:    StateCreated,
		turns:    make(chan simulation.Turn, cfg.TurnLogBuffer),
		closeReq: make(chan struct{}),
	}
	b.out = newOutboundQueue(cfg.OutboundQueue, func() {
		deps.Metrics.RecordDroppedFrame()
	})
	return b
}

// SessionID returns the session this bridge advances.
func (b *Bridge) SessionID() string { return b.session.ID }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close asks the bridge to end. It is safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closeReq) })
}

func (b *Bridge) transition(to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	allowed := false
	switch {
	case from == StateClosed:
	case to == StateClosed:
		allowed = true
	default:
		for _, next := range transitions[from] {
			if next == to {
				allowed = true
			}
		}
	}
	if !allowed {
		log.Printf("[bridge] session=%s ignored transition %s -> %s", b.session.ID, from, to)
		return false
	}
	b.state = to
	log.Printf("[bridge] session=%s %s -> %s", b.session.ID, from, to)
	return true
}

// Run drives the bridge until it is Closed. It returns the error that ended
// negotiation, if any; disconnects are normal endings.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.deps.Registry.Register(b.session.ID, b); err != nil {
		code := "session_busy"
		if errors.Is(err, ErrShuttingDown) {
			code = "shutting_down"
		}
		b.reject(code, err.Error())
		b.transition(StateClosed)
		return err
	}
	defer b.deps.Registry.Unregister(b.session.ID, b)
	b.deps.Metrics.RecordBridgeOpen()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan struct{})
	go b.writeLoop(writerCtx, writerDone)
	go b.pingLoop(writerCtx)

	upstream, err := b.negotiate(ctx)
	if err != nil {
		log.Printf("[bridge] session=%s negotiation failed: %v", b.session.ID, err)
		b.transition(StateError)
		b.send(serverMessage{Type: "error", Code: "upstream_unavailable", Message: "could not reach the voice provider"})
		b.closeClient(writerDone)
		b.transition(StateClosed)
		b.deps.Metrics.RecordBridgeClosed("negotiation_failed")
		return err
	}

	b.transition(StateActive)
	b.send(serverMessage{Type: "ready", SessionID: b.session.ID})

	loggerDone := make(chan struct{})
	go b.logTurns(loggerDone)
	clientDone := make(chan error, 1)
	go b.readClient(upstream, clientDone)

	reason, fault := b.forward(ctx, upstream, clientDone)

	status := simulation.StatusEnded
	if fault != nil {
		b.transition(StateError)
		status = simulation.StatusError
		b.send(serverMessage{Type: "error", Code: "upstream_error", Message: fault.Message})
	} else {
		b.transition(StateEnding)
		b.send(serverMessage{Type: "ended", Reason: reason})
	}

	_ = upstream.Close()
	b.closeClient(writerDone)
	b.closeTurnLog()
	<-loggerDone

	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	if _, err := b.deps.Finisher.Finish(finishCtx, b.session, status); err != nil {
		log.Printf("[bridge] session=%s finish failed: %v", b.session.ID, err)
	}
	cancelFinish()

	b.transition(StateClosed)
	b.deps.Metrics.RecordBridgeClosed(reason)
	log.Printf("[bridge] session=%s closed reason=%s", b.session.ID, reason)
	return nil
}

// negotiate dials the provider and waits for it to accept the session
// configuration, bounded by the negotiate timeout.
func (b *Bridge) negotiate(ctx context.Context) (Upstream, error) {
	b.transition(StateNegotiating)

	nctx, cancel := context.WithTimeout(ctx, b.deps.Config.NegotiateTimeout)
	defer cancel()

	dial := func(ctx context.Context) (Upstream, error) { return b.deps.Dialer.Dial(ctx) }
	var (
		up  Upstream
		err error
	)
	if b.deps.Backoff != nil {
		up, err = backoff.Do(nctx, b.deps.Backoff, "realtime.dial", dial)
	} else {
		up, err = dial(nctx)
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	if err := up.Configure(nctx, b.setup); err != nil {
		_ = up.Close()
		return nil, fmt.Errorf("configure upstream: %w", err)
	}

	for {
		select {
		case ev, ok := <-up.Events():
			if !ok {
				_ = up.Close()
				return nil, errors.New("upstream closed during negotiation")
			}
			switch ev.Kind {
			case EventReady:
				return up, nil
			case EventError:
				_ = up.Close()
				return nil, ev.Err
			}
		case <-nctx.Done():
			_ = up.Close()
			return nil, fmt.Errorf("negotiation timed out: %w", nctx.Err())
		case <-b.closeReq:
			_ = up.Close()
			return nil, errBridgeClosed
		}
	}
}

// forward runs the Active loop. It returns why the session ended and, for
// unrecoverable provider errors, the fault.
func (b *Bridge) forward(ctx context.Context, up Upstream, clientDone <-chan error) (string, *UpstreamError) {
	for {
		select {
		case ev, ok := <-up.Events():
			if !ok {
				log.Printf("[bridge] session=%s upstream disconnected", b.session.ID)
				return reasonUpstreamDisconnected, nil
			}
			if fault := b.handleEvent(ev); fault != nil {
				return "upstream_error", fault
			}
		case err := <-clientDone:
			if err == nil {
				return "client_end", nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[bridge] session=%s client read error: %v", b.session.ID, err)
			}
			return "client_disconnected", nil
		case <-b.closeReq:
			return "shutdown", nil
		case <-ctx.Done():
			return "canceled", nil
		}
	}
}

func (b *Bridge) handleEvent(ev Event) *UpstreamError {
	switch ev.Kind {
	case EventAudioDelta:
		b.out.push(clientFrame{binary: true, data: ev.Audio})
		b.deps.Metrics.RecordLiveAudio("outbound", len(ev.Audio))

	case EventResponseDone:
		b.send(serverMessage{Type: "turn_boundary", ResponseID: ev.ResponseID})

	case EventHumanTranscript:
		b.transcript(simulation.SpeakerHuman, ev.Text)

	case EventPersonaTranscript:
		b.transcript(simulation.SpeakerPersona, ev.Text)

	case EventError:
		if ev.Err.Fatal() {
			log.Printf("[bridge] session=%s fatal upstream error: %v", b.session.ID, ev.Err)
			return ev.Err
		}
		log.Printf("[bridge] session=%s upstream error: %v", b.session.ID, ev.Err)
		b.send(serverMessage{Type: "error", Code: ev.Err.Code, Message: ev.Err.Message})
	}
	return nil
}

func (b *Bridge) transcript(speaker simulation.Speaker, text string) {
	if text == "" {
		return
	}
	b.send(serverMessage{Type: "transcript", Speaker: string(speaker), Text: text})

	turn := simulation.Turn{Speaker: speaker, Text: text}
	b.orderMu.Lock()
	defer b.orderMu.Unlock()

	if speaker == simulation.SpeakerPersona && b.awaiting > 0 {
		b.heldPersona = append(b.heldPersona, turn)
		return
	}
	b.enqueueTurn(turn)
	if speaker == simulation.SpeakerHuman && b.awaiting > 0 {
		b.awaiting--
		if b.awaiting == 0 {
			b.releaseHeldLocked()
		}
	}
}

// expectHuman records that a commit will produce a human transcript.
func (b *Bridge) expectHuman() {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	// 上一轮的人类转写始终没有到达，不再等待
	if b.awaiting > 0 && len(b.heldPersona) > 0 {
		b.awaiting = 0
		b.releaseHeldLocked()
	}
	b.awaiting++
}

// cancelHuman undoes expectHuman when the commit never reached upstream.
func (b *Bridge) cancelHuman() {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	if b.awaiting > 0 {
		b.awaiting--
	}
	if b.awaiting == 0 {
		b.releaseHeldLocked()
	}
}

// closeTurnLog flushes persona turns still waiting for their human turn and
// closes the log. Later transcripts are dropped.
func (b *Bridge) closeTurnLog() {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	b.awaiting = 0
	b.releaseHeldLocked()
	b.turnsClosed = true
	close(b.turns)
}

func (b *Bridge) releaseHeldLocked() {
	for _, turn := range b.heldPersona {
		b.enqueueTurn(turn)
	}
	b.heldPersona = nil
}

func (b *Bridge) enqueueTurn(turn simulation.Turn) {
	if b.turnsClosed {
		return
	}
	select {
	case b.turns <- turn:
	default:
		log.Printf("[bridge] session=%s turn log full, dropping %s turn", b.session.ID, turn.Speaker)
	}
}

// logTurns appends transcripts in the order they were enqueued. Failures are
// logged only.
func (b *Bridge) logTurns(done chan<- struct{}) {
	defer close(done)

	count := b.session.TurnCount
	for turn := range b.turns {
		ctx, cancel := context.WithTimeout(context.Background(), turnLogTimeout)
		next, err := b.appendTurn(ctx, count, turn)
		cancel()
		if err != nil {
			log.Printf("[bridge] session=%s could not log %s turn: %v", b.session.ID, turn.Speaker, err)
			continue
		}
		count = next
	}
}

func (b *Bridge) appendTurn(ctx context.Context, count int, turn simulation.Turn) (int, error) {
	update := simulation.Update{Transport: simulation.TransportRealtime, FullHistoryOnly: b.session.FullHistoryOnly}
	turns := []simulation.Turn{turn}

	appended, err := b.deps.Store.AppendTurns(ctx, b.session.ID, count, turns, update)
	if errors.Is(err, store.ErrConflict) {
		session, lerr := b.deps.Store.LoadSession(ctx, b.session.ID)
		if lerr != nil {
			return count, lerr
		}
		count = session.TurnCount
		appended, err = b.deps.Store.AppendTurns(ctx, b.session.ID, count, turns, update)
	}
	if err != nil {
		return count, err
	}
	return appended[len(appended)-1].Seq, nil
}

// readClient forwards client audio and control frames until the client
// ends the session or the connection fails. It reports exactly once.
func (b *Bridge) readClient(up Upstream, done chan<- error) {
	_ = b.client.SetReadDeadline(time.Now().Add(clientReadTimeout))
	b.client.SetPongHandler(func(string) error {
		return b.client.SetReadDeadline(time.Now().Add(clientReadTimeout))
	})

	for {
		msgType, data, err := b.client.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		_ = b.client.SetReadDeadline(time.Now().Add(clientReadTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			b.appendAudio(up, data)
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				b.send(serverMessage{Type: "error", Code: "invalid_message", Message: "malformed control frame"})
				continue
			}
			switch msg.Type {
			case "start":
			case "audio":
				chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					b.send(serverMessage{Type: "error", Code: "invalid_message", Message: "audio must be base64"})
					continue
				}
				b.appendAudio(up, chunk)
			case "commit":
				b.commit(up)
			case "end":
				done <- nil
				return
			default:
				b.send(serverMessage{Type: "error", Code: "invalid_message", Message: "unsupported message type: " + msg.Type})
			}
		}
	}
}

func (b *Bridge) appendAudio(up Upstream, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := up.AppendAudio(chunk); err != nil {
		log.Printf("[bridge] session=%s append audio: %v", b.session.ID, err)
		return
	}
	b.pendingAudio = true
	b.deps.Metrics.RecordLiveAudio("inbound", len(chunk))
}

func (b *Bridge) commit(up Upstream) {
	if !b.pendingAudio {
		b.send(serverMessage{Type: "error", Code: "empty_turn", Message: "no audio since the last commit"})
		return
	}
	b.pendingAudio = false
	b.expectHuman()
	if err := up.Commit(); err != nil {
		log.Printf("[bridge] session=%s commit: %v", b.session.ID, err)
		b.cancelHuman()
	}
}

func (b *Bridge) send(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[bridge] session=%s marshal %s frame: %v", b.session.ID, msg.Type, err)
		return
	}
	b.out.push(clientFrame{data: data})
}

// writeLoop is the only goroutine writing data frames to the client.
func (b *Bridge) writeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		f, ok := b.out.pop(ctx)
		if !ok {
			return
		}
		msgType := websocket.TextMessage
		if f.binary {
			msgType = websocket.BinaryMessage
		}
		_ = b.client.SetWriteDeadline(time.Now().Add(b.deps.Config.WriteTimeout))
		if err := b.client.WriteMessage(msgType, f.data); err != nil {
			log.Printf("[bridge] session=%s client write failed: %v", b.session.ID, err)
			b.Close()
			return
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.deps.Config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// closeClient flushes queued frames, bounded by the write timeout, then
// closes the client socket.
func (b *Bridge) closeClient(writerDone <-chan struct{}) {
	b.out.close()
	select {
	case <-writerDone:
	case <-time.After(b.deps.Config.WriteTimeout):
		log.Printf("[bridge] session=%s client flush timed out, %d frames pending", b.session.ID, b.out.len())
	}
	_ = b.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = b.client.Close()
}

// reject answers a client that cannot be bridged and closes it.
func (b *Bridge) reject(code, message string) {
	data, _ := json.Marshal(serverMessage{Type: "error", Code: code, Message: message})
	_ = b.client.SetWriteDeadline(time.Now().Add(b.deps.Config.WriteTimeout))
	_ = b.client.WriteMessage(websocket.TextMessage, data)
	_ = b.client.Close()
}
