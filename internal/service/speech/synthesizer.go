package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
)

const (
	ttsDefaultResource = "volc.service_type.10029"
	ttsSeedResource    = "seed-tts-2.0"
	ttsMegaResource    = "volc.megatts.default"
	ttsOKCode          = 20000000
)

// errResourceMismatch 表示音色与资源 ID 不匹配，可以换下一个资源重试。
var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// voiceAliases 把角色音色别名映射到火山引擎音色。
var voiceAliases = map[string]string{
	"cfo-dry":    "en_male_adam_jupiter_bigtts",
	"smb-warm":   "en_male_dave_jupiter_bigtts",
	"it-precise": "en_female_amy_jupiter_bigtts",
}

type ttsRequestPayload struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string          `json:"speaker"`
		Text        string          `json:"text"`
		AudioParams ttsAudioOptions `json:"audio_params"`
		Language    string          `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioOptions struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsResult struct {
	ReqID   string `json:"reqid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Synthesizer 使用火山引擎单向流式 TTS 合成整段语音。
type Synthesizer struct {
	volcClient
}

// NewSynthesizer 创建合成客户端。
func NewSynthesizer(cfg *speechmodel.SpeechConfig, endpoints Endpoints) *Synthesizer {
	return &Synthesizer{volcClient: newVolcClient(cfg, endpoints)}
}

// Synthesize 返回音频数据及其格式。
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice, language string) ([]byte, string, error) {
	resp, err := s.SynthesizeRequest(ctx, &speechmodel.TTSRequest{
		Text:     text,
		Voice:    voice,
		Language: language,
	})
	if err != nil {
		return nil, "", err
	}
	return resp.AudioData, resp.Format, nil
}

// SynthesizeRequest 依次尝试候选资源 ID，直到音色匹配。
func (s *Synthesizer) SynthesizeRequest(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("tts text is empty")
	}

	speaker := resolveSpeaker(req.Voice, s.defaultVoice())
	format := strings.TrimSpace(req.Format)
	if format == "" || format == "wav" {
		format = "mp3"
	}

	var lastErr error
	for i, resourceID := range resourceCandidates(speaker) {
		resp, err := s.synthesizeOnce(ctx, req, speaker, format, resourceID)
		if err == nil {
			if i > 0 {
				log.Printf("[tts] voice=%s succeeded with fallback resource=%s", speaker, resourceID)
			}
			return resp, nil
		}
		if !errors.Is(err, errResourceMismatch) {
			return nil, err
		}
		log.Printf("[tts] voice=%s resource=%s mismatch", speaker, resourceID)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Synthesizer) defaultVoice() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.TTSVoice
}

func (s *Synthesizer) synthesizeOnce(ctx context.Context, req *speechmodel.TTSRequest, speaker, format, resourceID string) (*speechmodel.TTSResponse, error) {
	connectID := uuid.NewString()
	conn, release, err := s.dial(ctx, s.endpoints.TTS, resourceID, connectID, "tts")
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := json.Marshal(s.buildRequest(req, speaker, format))
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	first, err := fullRequest(payload, compressNone)
	if err != nil {
		return nil, err
	}
	if err := s.send(conn, first); err != nil {
		return nil, fmt.Errorf("send tts request: %w", err)
	}

	var (
		audio bytes.Buffer
		reqID string
	)
	for {
		f, err := s.receive(conn)
		if err != nil {
			return nil, fmt.Errorf("read tts response: %w", err)
		}

		switch f.Type {
		case msgError:
			body, _ := f.body()
			return nil, ttsError(int(f.ErrorCode), string(body))

		case msgAudioOnlyResponse:
			chunk, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case msgFullServerResponse:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress tts payload: %w", err)
			}
			if len(body) > 0 {
				var res ttsResult
				if err := json.Unmarshal(body, &res); err != nil {
					log.Printf("[tts] skip malformed payload: %v", err)
				} else {
					if res.Code != 0 && res.Code != 3000 && res.Code != ttsOKCode {
						return nil, ttsError(res.Code, res.Message)
					}
					if res.ReqID != "" {
						reqID = res.ReqID
					}
					if res.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(res.Data)
						if err != nil {
							return nil, fmt.Errorf("decode base64 audio: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			if f.hasEvent() && f.Event == eventSessionFailed {
				return nil, ttsError(0, string(body))
			}
			if (f.hasEvent() && f.Event == eventSessionFinished) || f.last() {
				if audio.Len() == 0 {
					return nil, ErrEmptyAudio
				}
				if reqID == "" {
					reqID = connectID
				}
				return &speechmodel.TTSResponse{
					SessionID: req.SessionID,
					AudioData: audio.Bytes(),
					Format:    format,
					RequestID: reqID,
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func (s *Synthesizer) buildRequest(req *speechmodel.TTSRequest, speaker, format string) *ttsRequestPayload {
	p := &ttsRequestPayload{}
	p.User.UID = req.SessionID
	if p.User.UID == "" {
		p.User.UID = uuid.NewString()
	}
	p.ReqParams.Speaker = speaker
	p.ReqParams.Text = req.Text
	p.ReqParams.AudioParams.Format = format
	p.ReqParams.AudioParams.SampleRate = 24000

	speed, volume := req.Speed, req.Volume
	if s.cfg != nil {
		if speed <= 0 {
			speed = s.cfg.TTSSpeed
		}
		if volume <= 0 {
			volume = s.cfg.TTSVolume
		}
	}
	if speed > 0 && speed != 1.0 {
		p.ReqParams.AudioParams.SpeedRatio = speed
	}
	if volume > 0 && volume != 1.0 {
		p.ReqParams.AudioParams.VolumeRatio = volume
	}

	p.ReqParams.Language = strings.TrimSpace(req.Language)
	if p.ReqParams.Language == "" && s.cfg != nil {
		p.ReqParams.Language = s.cfg.TTSLanguage
	}
	return p
}

func ttsError(code int, message string) error {
	if strings.Contains(message, errResourceMismatch.Error()) {
		return fmt.Errorf("tts error %d: %w", code, errResourceMismatch)
	}
	return serviceError("tts", code, message)
}

// resolveSpeaker 优先使用请求音色（支持别名），否则回退到默认音色。
func resolveSpeaker(requested, fallback string) string {
	for _, v := range []string{requested, fallback} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if mapped, ok := voiceAliases[strings.ToLower(v)]; ok {
			return mapped
		}
		return v
	}
	return ""
}

// resourceCandidates 根据音色名猜测资源 ID 的尝试顺序。
func resourceCandidates(voice string) []string {
	if strings.HasPrefix(voice, "S_") {
		return []string{ttsMegaResource}
	}
	lower := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(lower, hint) {
			return []string{ttsSeedResource, ttsDefaultResource}
		}
	}
	return []string{ttsDefaultResource, ttsSeedResource}
}
