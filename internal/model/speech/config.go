package speech

import "time"

// SpeechConfig 语音服务配置（火山引擎 ASR/TTS）
type SpeechConfig struct {
	AppID          string `json:"appId"`
	AccessToken    string `json:"accessToken"`
	APIKey         string `json:"apiKey,omitempty"` // 兼容旧配置
	Region         string `json:"region"`
	ConcurrentMode bool   `json:"concurrentMode"` // ASR 并发版资源

	ASRLanguage string `json:"asrLanguage"`

	TTSVoice    string  `json:"ttsVoice"` // 默认音色，角色未指定时使用
	TTSSpeed    float32 `json:"ttsSpeed"`
	TTSVolume   float32 `json:"ttsVolume"`
	TTSLanguage string  `json:"ttsLanguage"`

	Timeout time.Duration `json:"timeout"`
}
