// Package speech adapts Volcengine's streaming ASR and TTS services to the
// transcriber and synthesizer used by the turn orchestrator.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

const (
	defaultASRURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	defaultTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
)

var (
	// ErrNotConfigured 表示缺少 AppID 或 AccessToken。
	ErrNotConfigured = errors.New("volcengine speech credentials missing")
	// ErrEmptyAudio 表示合成结果或识别输入为空。
	ErrEmptyAudio = errors.New("audio is empty")
)

// Endpoints 允许覆盖服务地址，测试中指向本地 websocket 服务。
type Endpoints struct {
	ASR string
	TTS string
}

type volcClient struct {
	cfg       *speechmodel.SpeechConfig
	dialer    *websocket.Dialer
	endpoints Endpoints
}

func newVolcClient(cfg *speechmodel.SpeechConfig, endpoints Endpoints) volcClient {
	if endpoints.ASR == "" {
		endpoints.ASR = defaultASRURL
	}
	if endpoints.TTS == "" {
		endpoints.TTS = defaultTTSURL
	}
	timeout := 30 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return volcClient{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: timeout},
		endpoints: endpoints,
	}
}

// credentials 返回规范化后的 AppID 与 AccessToken。
func (c volcClient) credentials() (string, string, error) {
	if c.cfg == nil {
		return "", "", ErrNotConfigured
	}
	appID := strings.TrimSpace(c.cfg.AppID)
	token := strings.TrimSpace(c.cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(c.cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrNotConfigured
	}
	return appID, token, nil
}

// dial 建立连接并设置整体超时；429 握手失败归类为限流。返回的 release 关闭连接。
func (c volcClient) dial(ctx context.Context, url, resourceID, connectID, tag string) (*websocket.Conn, func(), error) {
	appID, token, err := c.credentials()
	if err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, nil, backoff.RateLimited(fmt.Errorf("%s handshake: %w", tag, err))
		}
		return nil, nil, fmt.Errorf("%s handshake: %w", tag, err)
	}
	if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
		log.Printf("[%s] connected logid=%s connect=%s", tag, logid, connectID)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	} else if c.cfg != nil && c.cfg.Timeout > 0 {
		d := time.Now().Add(c.cfg.Timeout)
		_ = conn.SetReadDeadline(d)
		_ = conn.SetWriteDeadline(d)
	}

	// ctx 取消时关闭连接以打断阻塞读。
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	release := func() {
		stop()
		_ = conn.Close()
	}
	return conn, release, nil
}

func (c volcClient) send(conn *websocket.Conn, f *frame) error {
	return conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
}

func (c volcClient) receive(conn *websocket.Conn) (*frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

// serviceError 把服务端错误码和消息转成 error，限流类错误打上可重试标记。
func serviceError(tag string, code int, message string) error {
	err := fmt.Errorf("%s error %d: %s", tag, code, message)
	if throttled(code, message) {
		return backoff.RateLimited(err)
	}
	return err
}

// 45000292/55000031: 并发或配额超限。
func throttled(code int, message string) bool {
	switch code {
	case 429, 45000292, 55000031, 3050:
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "quota") ||
		strings.Contains(lower, "too many") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "concurrency")
}
