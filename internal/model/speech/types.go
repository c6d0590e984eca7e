package speech

import "time"

// ASRRequest 语音识别请求
type ASRRequest struct {
	SessionID string
	Audio     []byte
	Format    string // pcm, wav, mp3 ...
	Language  string
}

// ASRResponse 语音识别结果
type ASRResponse struct {
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	Duration  int64     `json:"duration"` // milliseconds
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string
	Text      string
	Voice     string
	Speed     float32
	Volume    float32
	Format    string
	Language  string
}

// TTSResponse 语音合成结果
type TTSResponse struct {
	SessionID string    `json:"sessionId"`
	AudioData []byte    `json:"-"`
	Duration  int64     `json:"duration"` // milliseconds
	Format    string    `json:"format"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
