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
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	AI         AIConfig
	Speech     SpeechConfig
	Audio      AudioConfig
	Memory     MemoryConfig
	Telephony  TelephonyConfig
	Events     EventsConfig
	ElevenLabs ElevenLabsConfig
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

	memory, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}

	telephony, err := loadTelephonyConfig()
	if err != nil {
		return nil, err
	}

	events, err := loadEventsConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		AI:     ai,
		Speech: speech,
		Audio: AudioConfig{
			FFmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		},
		Memory:    memory,
		Telephony: telephony,
		Events:    events,
		ElevenLabs: ElevenLabsConfig{
			APIKey:  strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
			BaseURL: getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider      string // auto, ark, gemini, mock
	APIKey        string
	AccessKey     string
	SecretKey     string
	Model         string
	BaseURL       string
	Region        string
	Temperature   *float64
	TopP          *float64
	MaxTokens     *int
	GeminiAPIKey  string
	GeminiModel   string
	SystemPrompt  string
	MaxReplyChars int
	HistoryLimit  int
	Timeout       time.Duration
}

// ArkEnabled 表示是否提供了 Ark 必需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// GeminiEnabled 表示是否配置了 Gemini。
func (c AIConfig) GeminiEnabled() bool {
	return c.GeminiAPIKey != ""
}

// Enabled reports whether any model backend has credentials.
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case "mock":
		return false
	case "ark":
		return c.ArkEnabled()
	case "gemini":
		return c.GeminiEnabled()
	default:
		return c.ArkEnabled() || c.GeminiEnabled()
	}
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.ArkEnabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
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

const defaultSystemPrompt = "Sen yardımsever bir sesli asistansın. Yanıtlarını kısa tut (en fazla iki cümle), " +
	"doğal konuş ve sohbeti sürdürmek için açık uçlu bir soru sor."

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

	maxReply, err := parseIntEnv("AI_MAX_REPLY_CHARS", 400)
	if err != nil {
		return AIConfig{}, err
	}

	history, err := parseIntEnv("AI_HISTORY_LIMIT", 10)
	if err != nil {
		return AIConfig{}, err
	}
	if history < 1 {
		history = 1
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", 20*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", "auto"))
	switch provider {
	case "auto", "ark", "gemini", "mock":
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	return AIConfig{
		Provider:      provider,
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		GeminiAPIKey:  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:   getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		SystemPrompt:  getEnvOrDefault("AI_SYSTEM_PROMPT", defaultSystemPrompt),
		MaxReplyChars: maxReply,
		HistoryLimit:  history,
		Timeout:       timeout,
	}, nil
}

// SpeechConfig 描述语音服务相关配置。
type SpeechConfig struct {
	STTProvider string // google, volcengine, mock
	TTSProvider string // elevenlabs, google, volcengine, mock
	Language    string
	STTTimeout  time.Duration
	TTSTimeout  time.Duration

	// Volcengine
	AppID       string
	AccessToken string
	TTSVoice    string

	// ElevenLabs
	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	ElevenLabsModelID  string
	ElevenLabsBaseURL  string
	Stability          float64
	SimilarityBoost    float64
	GoogleTTSVoiceName string
}

// VolcengineEnabled 表示火山引擎凭证是否齐全。
func (c SpeechConfig) VolcengineEnabled() bool {
	return c.AppID != "" && c.AccessToken != ""
}

func loadSpeechConfig() (SpeechConfig, error) {
	sttTimeout, err := parseDurationEnv("SPEECH_STT_TIMEOUT", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsTimeout, err := parseDurationEnv("SPEECH_TTS_TIMEOUT", 45*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	stability, err := parseFloatEnv("ELEVENLABS_STABILITY", 0.5)
	if err != nil {
		return SpeechConfig{}, err
	}

	similarity, err := parseFloatEnv("ELEVENLABS_SIMILARITY", 0.75)
	if err != nil {
		return SpeechConfig{}, err
	}

	if stability < 0 || stability > 1 {
		return SpeechConfig{}, fmt.Errorf("invalid ELEVENLABS_STABILITY value %v: must be within [0,1]", stability)
	}
	if similarity < 0 || similarity > 1 {
		return SpeechConfig{}, fmt.Errorf("invalid ELEVENLABS_SIMILARITY value %v: must be within [0,1]", similarity)
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		STTProvider:        strings.ToLower(getEnvOrDefault("SPEECH_STT_PROVIDER", "google")),
		TTSProvider:        strings.ToLower(getEnvOrDefault("SPEECH_TTS_PROVIDER", "elevenlabs")),
		Language:           getEnvOrDefault("SPEECH_LANGUAGE", "tr-TR"),
		STTTimeout:         sttTimeout,
		TTSTimeout:         ttsTimeout,
		AppID:              strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:        accessToken,
		TTSVoice:           getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		ElevenLabsAPIKey:   strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsVoiceID:  getEnvOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID:  getEnvOrDefault("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsBaseURL:  getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		Stability:          stability,
		SimilarityBoost:    similarity,
		GoogleTTSVoiceName: getEnvOrDefault("GOOGLE_TTS_VOICE", "tr-TR-Wavenet-E"),
	}, nil
}

// AudioConfig 描述转码配置。
type AudioConfig struct {
	FFmpegPath string
}

// MemoryConfig 描述会话记忆配置。
type MemoryConfig struct {
	MaxTurns    int
	SessionTTL  time.Duration
	DatabaseURL string
}

func loadMemoryConfig() (MemoryConfig, error) {
	maxTurns, err := parseIntEnv("MEMORY_MAX_TURNS", 10)
	if err != nil {
		return MemoryConfig{}, err
	}
	if maxTurns < 2 {
		maxTurns = 2
	}
	if maxTurns > 50 {
		maxTurns = 50
	}

	ttl, err := parseDurationEnv("MEMORY_SESSION_TTL", 30*time.Minute)
	if err != nil {
		return MemoryConfig{}, err
	}

	return MemoryConfig{
		MaxTurns:    maxTurns,
		SessionTTL:  ttl,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}, nil
}

// TelephonyConfig 描述 SIP 与媒体流配置。
type TelephonyConfig struct {
	SIPEnabled    bool
	ListenAddr    string
	PublicIP      string
	RTPPortMin    int
	RTPPortMax    int
	AckTimeout    time.Duration
	QueueSize     int
	MaxCalls      int
	RegistrarAddr string
	Username      string
	Password      string
}

func loadTelephonyConfig() (TelephonyConfig, error) {
	enabled, err := parseBoolEnv("SIP_ENABLED", false)
	if err != nil {
		return TelephonyConfig{}, err
	}

	rtpMin, err := parseIntEnv("SIP_RTP_PORT_MIN", 40000)
	if err != nil {
		return TelephonyConfig{}, err
	}
	rtpMax, err := parseIntEnv("SIP_RTP_PORT_MAX", 40100)
	if err != nil {
		return TelephonyConfig{}, err
	}
	if rtpMax < rtpMin {
		return TelephonyConfig{}, fmt.Errorf("invalid SIP_RTP_PORT_MAX value %d: below SIP_RTP_PORT_MIN %d", rtpMax, rtpMin)
	}

	ackTimeout, err := parseDurationEnv("SIP_ACK_TIMEOUT", 32*time.Second)
	if err != nil {
		return TelephonyConfig{}, err
	}

	queueSize, err := parseIntEnv("TELEPHONY_QUEUE_SIZE", 50)
	if err != nil {
		return TelephonyConfig{}, err
	}
	if queueSize < 1 {
		queueSize = 1
	}

	maxCalls, err := parseIntEnv("TELEPHONY_MAX_CALLS", 64)
	if err != nil {
		return TelephonyConfig{}, err
	}

	return TelephonyConfig{
		SIPEnabled:    enabled,
		ListenAddr:    getEnvOrDefault("SIP_LISTEN_ADDR", ":5060"),
		PublicIP:      getEnvOrDefault("SIP_PUBLIC_IP", "127.0.0.1"),
		RTPPortMin:    rtpMin,
		RTPPortMax:    rtpMax,
		AckTimeout:    ackTimeout,
		QueueSize:     queueSize,
		MaxCalls:      maxCalls,
		RegistrarAddr: strings.TrimSpace(os.Getenv("SIP_REGISTRAR")),
		Username:      strings.TrimSpace(os.Getenv("SIP_USERNAME")),
		Password:      strings.TrimSpace(os.Getenv("SIP_PASSWORD")),
	}, nil
}

// EventsConfig 描述 Kafka 事件发布配置。
type EventsConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

func loadEventsConfig() (EventsConfig, error) {
	enabled, err := parseBoolEnv("KAFKA_ENABLED", false)
	if err != nil {
		return EventsConfig{}, err
	}
	return EventsConfig{
		Enabled: enabled,
		Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
		Topic:   getEnvOrDefault("KAFKA_TOPIC", "voice.conversation.events"),
	}, nil
}

// ElevenLabsConfig 描述托管智能体与音色接口。
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

// parseDurationEnv accepts Go durations ("45s") or bare seconds ("45").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
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
