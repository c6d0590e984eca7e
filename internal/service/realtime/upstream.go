package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

// ErrRealtimeDisabled is returned when no realtime provider is configured.
var ErrRealtimeDisabled = errors.New("realtime provider not configured")

// SessionConfig is sent to the provider before any audio flows.
type SessionConfig struct {
	Instructions string
	Voice        string
	Language     string
}

// Upstream is one live provider connection. Events is closed when the
// connection ends for any reason.
type Upstream interface {
	Configure(ctx context.Context, cfg SessionConfig) error
	AppendAudio(chunk []byte) error
	Commit() error
	Events() <-chan Event
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context) (Upstream, error)
}

// realtimeVoices maps persona voice aliases to provider voices.
var realtimeVoices = map[string]string{
	"cfo-dry":    "ash",
	"smb-warm":   "ballad",
	"it-precise": "shimmer",
}

const (
	defaultRealtimeVoice = "alloy"
	upstreamWriteTimeout = 5 * time.Second
	upstreamEventBuffer  = 64
)

// OpenAIDialer connects to the OpenAI realtime websocket API.
type OpenAIDialer struct {
	cfg    config.RealtimeConfig
	dialer *websocket.Dialer
}

// NewOpenAIDialer returns nil when realtime is disabled.
func NewOpenAIDialer(cfg config.RealtimeConfig) *OpenAIDialer {
	if !cfg.Enabled() {
		return nil
	}
	return &OpenAIDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *OpenAIDialer) Dial(ctx context.Context) (Upstream, error) {
	if d == nil {
		return nil, ErrRealtimeDisabled
	}

	endpoint, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := endpoint.Query()
	if q.Get("model") == "" {
		q.Set("model", d.cfg.Model)
	}
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, backoff.RateLimited(fmt.Errorf("realtime handshake: %s", resp.Status))
		}
		if resp != nil {
			return nil, fmt.Errorf("realtime handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	u := &openAIUpstream{
		conn:   conn,
		cfg:    d.cfg,
		events: make(chan Event, upstreamEventBuffer),
		done:   make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

type openAIUpstream struct {
	conn *websocket.Conn
	cfg  config.RealtimeConfig

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func (u *openAIUpstream) Events() <-chan Event { return u.events }

func (u *openAIUpstream) Configure(_ context.Context, sc SessionConfig) error {
	voice := realtimeVoices[strings.ToLower(sc.Voice)]
	if voice == "" {
		voice = defaultRealtimeVoice
	}
	transcription := map[string]any{"model": u.cfg.TranscriptionModel}
	if lang := isoLanguage(sc.Language); lang != "" {
		transcription["language"] = lang
	}

	return u.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":              sc.Instructions,
			"voice":                     voice,
			"modalities":                []string{"audio", "text"},
			"input_audio_format":        u.cfg.AudioFormat,
			"output_audio_format":       u.cfg.AudioFormat,
			"input_audio_transcription": transcription,
			// 由客户端显式 commit 结束一轮
			"turn_detection": nil,
		},
	})
}

func (u *openAIUpstream) AppendAudio(chunk []byte) error {
	return u.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

func (u *openAIUpstream) Commit() error {
	if err := u.send(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return u.send(map[string]any{"type": "response.create"})
}

func (u *openAIUpstream) send(payload map[string]any) error {
	payload["event_id"] = "evt_" + uuid.NewString()

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := u.conn.SetWriteDeadline(time.Now().Add(upstreamWriteTimeout)); err != nil {
		return err
	}
	if err := u.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("send %v: %w", payload["type"], err)
	}
	return nil
}

func (u *openAIUpstream) readLoop() {
	defer close(u.events)
	for {
		msgType, data, err := u.conn.ReadMessage()
		if err != nil {
			select {
			case <-u.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[bridge] upstream read error: %v", err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := parseServerEvent(data)
		if err != nil {
			log.Printf("[bridge] skip upstream event: %v", err)
			continue
		}
		if ev.Kind == EventIgnored {
			continue
		}
		select {
		case u.events <- ev:
		case <-u.done:
			return
		}
	}
}

func (u *openAIUpstream) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		u.writeMu.Lock()
		_ = u.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		u.writeMu.Unlock()
		err = u.conn.Close()
	})
	return err
}

// isoLanguage turns "he-IL" into "he".
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
