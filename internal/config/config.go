package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/pitchroom/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Responses ResponsesConfig
	Realtime  RealtimeConfig
	Speech    SpeechConfig
	Store     StoreConfig
	Backoff   BackoffConfig
	Bridge    BridgeConfig
	Reward    RewardConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	backoff, err := loadBackoffConfig()
	if err != nil {
		return nil, err
	}

	bridge, err := loadBridgeConfig()
	if err != nil {
		return nil, err
	}

	reward, err := loadRewardConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Responses: loadResponsesConfig(),
		Realtime:  loadRealtimeConfig(),
		Speech:    speech,
		Store:     StoreConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Backoff:   backoff,
		Bridge:    bridge,
		Reward:    reward,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述 Ark 大模型配置，用于全量历史对话与复盘评分。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	HistorySize int

	FeedbackLLMEnabled  bool
	FeedbackHistorySize int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historySize := 20
	if override, err := parseOptionalIntEnv("AI_HISTORY_SIZE"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historySize = *override
	}

	feedbackEnabled, err := parseBoolEnv("FEEDBACK_LLM_ENABLED", true)
	if err != nil {
		return AIConfig{}, err
	}

	feedbackHistory := 40
	if override, err := parseOptionalIntEnv("FEEDBACK_HISTORY_SIZE"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		feedbackHistory = *override
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		HistorySize: historySize,

		FeedbackLLMEnabled:  feedbackEnabled,
		FeedbackHistorySize: feedbackHistory,
	}, nil
}

// ResponsesConfig 描述支持 previous_response_id 续写的对话服务（OpenAI Responses API）。
type ResponsesConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Enabled 表示是否可以使用线程续写策略。
func (c ResponsesConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

func loadResponsesConfig() ResponsesConfig {
	return ResponsesConfig{
		APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Model:   getEnvOrDefault("OPENAI_DIALOGUE_MODEL", "gpt-4o-mini"),
	}
}

// RealtimeConfig 描述流式模式的上游实时语音连接。
type RealtimeConfig struct {
	APIKey             string
	URL                string
	Model              string
	TranscriptionModel string
	AudioFormat        string
}

// Enabled 表示流式模式是否可用。
func (c RealtimeConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

func loadRealtimeConfig() RealtimeConfig {
	apiKey := strings.TrimSpace(os.Getenv("REALTIME_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return RealtimeConfig{
		APIKey:             apiKey,
		URL:                getEnvOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		Model:              getEnvOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		TranscriptionModel: getEnvOrDefault("REALTIME_TRANSCRIPTION_MODEL", "gpt-4o-mini-transcribe"),
		AudioFormat:        getEnvOrDefault("REALTIME_AUDIO_FORMAT", "pcm16"),
	}
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID          string
	AccessToken    string
	APIKey         string
	Region         string
	ConcurrentMode bool
	ASRLanguage    string
	TTSVoice       string
	TTSSpeed       float32
	TTSVolume      float32
	TTSLanguage    string
	Timeout        time.Duration
	Enabled        bool
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = apiKey
	}

	return SpeechConfig{
		AppID:          appID,
		AccessToken:    accessToken,
		APIKey:         apiKey,
		Region:         getEnvOrDefault("SPEECH_REGION", "cn-beijing"),
		ConcurrentMode: concurrent,
		ASRLanguage:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", "he-IL"),
		TTSVoice:       getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:       ttsSpeed,
		TTSVolume:      ttsVolume,
		TTSLanguage:    getEnvOrDefault("SPEECH_TTS_LANGUAGE", "he-IL"),
		Timeout:        timeout,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// Adapter 转换为语音客户端使用的配置。
func (c SpeechConfig) Adapter() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:          c.AppID,
		AccessToken:    c.AccessToken,
		APIKey:         c.APIKey,
		Region:         c.Region,
		ConcurrentMode: c.ConcurrentMode,
		ASRLanguage:    c.ASRLanguage,
		TTSVoice:       c.TTSVoice,
		TTSSpeed:       c.TTSSpeed,
		TTSVolume:      c.TTSVolume,
		TTSLanguage:    c.TTSLanguage,
		Timeout:        c.Timeout,
	}
}

// StoreConfig 描述历史存储。DatabaseURL 为空时使用内存存储。
type StoreConfig struct {
	DatabaseURL string
}

// BackoffConfig 描述上游限流重试策略。
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func loadBackoffConfig() (BackoffConfig, error) {
	base, err := parseDurationEnv("BACKOFF_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return BackoffConfig{}, err
	}
	maxDelay, err := parseDurationEnv("BACKOFF_MAX_DELAY", 8*time.Second)
	if err != nil {
		return BackoffConfig{}, err
	}
	attempts := 5
	if override, err := parseOptionalIntEnv("BACKOFF_MAX_ATTEMPTS"); err != nil {
		return BackoffConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return BackoffConfig{}, fmt.Errorf("invalid BACKOFF_MAX_ATTEMPTS value %d: must be >= 1", *override)
		}
		attempts = *override
	}
	return BackoffConfig{BaseDelay: base, MaxDelay: maxDelay, MaxAttempts: attempts}, nil
}

// BridgeConfig 描述流式会话桥接参数。
type BridgeConfig struct {
	NegotiateTimeout time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int
	TurnLogBuffer    int
}

func loadBridgeConfig() (BridgeConfig, error) {
	negotiate, err := parseDurationEnv("BRIDGE_NEGOTIATE_TIMEOUT", 10*time.Second)
	if err != nil {
		return BridgeConfig{}, err
	}
	write, err := parseDurationEnv("BRIDGE_WRITE_TIMEOUT", 5*time.Second)
	if err != nil {
		return BridgeConfig{}, err
	}
	queue := 256
	if override, err := parseOptionalIntEnv("BRIDGE_OUTBOUND_QUEUE"); err != nil {
		return BridgeConfig{}, err
	} else if override != nil && *override > 0 {
		queue = *override
	}
	return BridgeConfig{
		NegotiateTimeout: negotiate,
		WriteTimeout:     write,
		OutboundQueue:    queue,
		TurnLogBuffer:    64,
	}, nil
}

// RewardConfig 描述完成一次模拟后发放的积分。
type RewardConfig struct {
	CreditsPerSimulation int
	Workers              int
}

func loadRewardConfig() (RewardConfig, error) {
	credits := 10
	if override, err := parseOptionalIntEnv("REWARD_CREDITS"); err != nil {
		return RewardConfig{}, err
	} else if override != nil {
		credits = *override
	}
	workers := 2
	if override, err := parseOptionalIntEnv("REWARD_WORKERS"); err != nil {
		return RewardConfig{}, err
	} else if override != nil && *override > 0 {
		workers = *override
	}
	return RewardConfig{CreditsPerSimulation: credits, Workers: workers}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理，兼容旧的 SPEECH_TIMEOUT=30 写法。
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
