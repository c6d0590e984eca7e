package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
)

const (
	asrChunkBytes = 6400 // 16kHz * 16bit * mono * 200ms
	asrOKCode     = 20000000
)

type asrRequestPayload struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

type asrResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// Transcriber 使用火山引擎流式 ASR（nostream 模式）识别整段音频。
type Transcriber struct {
	volcClient
	language      string
	chunkInterval time.Duration
}

// TranscriberOption 定制 Transcriber。
type TranscriberOption func(*Transcriber)

// WithChunkInterval 设置音频分包的发送间隔，默认 200ms 模拟实时输入。
func WithChunkInterval(d time.Duration) TranscriberOption {
	return func(t *Transcriber) { t.chunkInterval = d }
}

// NewTranscriber 创建识别客户端。
func NewTranscriber(cfg *speechmodel.SpeechConfig, endpoints Endpoints, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		volcClient:    newVolcClient(cfg, endpoints),
		chunkInterval: 200 * time.Millisecond,
	}
	if cfg != nil {
		t.language = cfg.ASRLanguage
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcribe 返回识别文本。静音时返回空字符串而非错误。
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format, language string) (string, error) {
	resp, err := t.Recognize(ctx, &speechmodel.ASRRequest{
		SessionID: uuid.NewString(),
		Audio:     audio,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Recognize 执行一次完整识别请求。
func (t *Transcriber) Recognize(ctx context.Context, req *speechmodel.ASRRequest) (*speechmodel.ASRResponse, error) {
	if len(req.Audio) == 0 {
		return nil, ErrEmptyAudio
	}

	resourceID := "volc.bigasr.sauc.duration"
	if t.cfg != nil && t.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}

	conn, release, err := t.dial(ctx, t.endpoints.ASR, resourceID, req.SessionID, "asr")
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal asr request: %w", err)
	}
	first, err := fullRequest(payload, compressGzip)
	if err != nil {
		return nil, err
	}
	if err := t.send(conn, first); err != nil {
		return nil, fmt.Errorf("send asr request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 发送与接收并发进行，服务端提前报错时可以及时停止发送。
	sendErr := make(chan error, 1)
	go func() { sendErr <- t.streamAudio(ctx, conn, req.Audio) }()

	type outcome struct {
		resp *speechmodel.ASRResponse
		err  error
	}
	recv := make(chan outcome, 1)
	go func() {
		resp, err := t.collect(conn, req.SessionID)
		recv <- outcome{resp, err}
	}()

	for {
		select {
		case err := <-sendErr:
			if err != nil {
				return nil, fmt.Errorf("send audio: %w", err)
			}
			sendErr = nil
		case out := <-recv:
			return out.resp, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Transcriber) buildRequest(req *speechmodel.ASRRequest) *asrRequestPayload {
	p := &asrRequestPayload{}
	p.User.UID = req.SessionID

	p.Audio.Format = req.Format
	if p.Audio.Format == "" {
		p.Audio.Format = "wav"
	}
	p.Audio.Language = req.Language
	if p.Audio.Language == "" {
		p.Audio.Language = t.language
	}
	p.Audio.Codec = "raw"
	p.Audio.Rate = 16000
	p.Audio.Bits = 16
	p.Audio.Channel = 1

	p.Request.ModelName = "bigmodel"
	p.Request.EnableITN = true
	p.Request.EnablePunc = true
	p.Request.ShowUtterances = true
	p.Request.ResultType = "full"
	p.Request.EndWindowSize = 800
	return p
}

// streamAudio 分包发送音频，首帧占用序号 1，音频从 2 开始。
func (t *Transcriber) streamAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	seq := int32(2)
	for start := 0; start < len(audio); start += asrChunkBytes {
		end := min(start+asrChunkBytes, len(audio))
		last := end == len(audio)

		f, err := audioRequest(audio[start:end], seq, last, compressGzip)
		if err != nil {
			return err
		}
		if err := t.send(conn, f); err != nil {
			return err
		}
		if last {
			return nil
		}
		seq++

		if t.chunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.chunkInterval):
			}
		}
	}
	return nil
}

func (t *Transcriber) collect(conn *websocket.Conn, sessionID string) (*speechmodel.ASRResponse, error) {
	var (
		text     string
		duration int64
	)
	for {
		f, err := t.receive(conn)
		if err != nil {
			return nil, fmt.Errorf("read asr response: %w", err)
		}

		switch f.Type {
		case msgError:
			body, _ := f.body()
			return nil, serviceError("asr", int(f.ErrorCode), string(body))

		case msgFullServerResponse:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress asr payload: %w", err)
			}
			var res asrResult
			if err := json.Unmarshal(body, &res); err != nil {
				log.Printf("[asr] skip malformed payload: %v", err)
				continue
			}
			if res.Code != 0 && res.Code != asrOKCode {
				return nil, serviceError("asr", res.Code, res.Message)
			}
			if candidate := res.Result.Text; candidate != "" {
				text = candidate
			} else if len(res.Result.Utterances) > 0 {
				text = joinUtterances(res.Result.Utterances)
			}
			if res.AudioInfo.Duration > 0 {
				duration = res.AudioInfo.Duration
			}

			if f.last() || res.Sequence < 0 {
				if strings.TrimSpace(text) == "" {
					log.Printf("[asr] empty transcript request=%s", sessionID)
				}
				return &speechmodel.ASRResponse{
					SessionID: sessionID,
					Text:      strings.TrimSpace(text),
					Duration:  duration,
					RequestID: sessionID,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if s := strings.TrimSpace(u.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
