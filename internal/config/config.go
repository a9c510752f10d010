package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端会话核心的配置项。
type Config struct {
	Server      ServerConfig
	Backend     BackendConfig
	Call        CallConfig
	Audio       AudioConfig
	Credentials CredentialConfig
	VoiceAgent  VoiceAgentConfig
	Kafka       KafkaConfig
	Log         LogConfig
}

// Load 从环境变量加载配置。VERA_CONFIG 指向的 TOML 文件只为未设置的变量提供默认值。
func Load() (*Config, error) {
	if err := applyConfigFile(strings.TrimSpace(os.Getenv("VERA_CONFIG"))); err != nil {
		return nil, err
	}

	server, err := loadServerConfig("PORT", "8090")
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	call, err := loadCallConfig()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig()
	if err != nil {
		return nil, err
	}

	voiceAgent, err := loadVoiceAgentConfig()
	if err != nil {
		return nil, err
	}

	kafka, err := loadKafkaConfig()
	if err != nil {
		return nil, err
	}

	credentials, err := loadCredentialConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		Backend:     backend,
		Call:        call,
		Audio:       audio,
		Credentials: credentials,
		VoiceAgent:  voiceAgent,
		Kafka:       kafka,
		Log:         loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(key, defaultPort string) (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		port = defaultPort
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// BackendConfig 描述聊天后端的连接参数。
type BackendConfig struct {
	WSURL          string
	APIURL         string
	Model          string
	HistoryLimit   int
	ConnectTimeout time.Duration
	HistoryTimeout time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
}

func loadBackendConfig() (BackendConfig, error) {
	limit := 50
	if override, err := parseOptionalIntEnv("VERA_HISTORY_LIMIT"); err != nil {
		return BackendConfig{}, err
	} else if override != nil {
		if *override < 1 || *override > 500 {
			return BackendConfig{}, fmt.Errorf("invalid VERA_HISTORY_LIMIT value %d: must be between 1 and 500", *override)
		}
		limit = *override
	}

	connectTimeout, err := parseDurationEnv("VERA_CONNECT_TIMEOUT", 15*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}
	historyTimeout, err := parseDurationEnv("VERA_HISTORY_TIMEOUT", 15*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}
	pingInterval, err := parseDurationEnv("VERA_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}
	pongWait, err := parseDurationEnv("VERA_PONG_WAIT", 60*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}

	return BackendConfig{
		WSURL:          getEnvOrDefault("VERA_WS_URL", "ws://localhost:8000/api/v1/chat/ws/chat"),
		APIURL:         strings.TrimRight(getEnvOrDefault("VERA_API_URL", "http://localhost:8000/api/v1"), "/"),
		Model:          getEnvOrDefault("VERA_MODEL", "gpt-4o"),
		HistoryLimit:   limit,
		ConnectTimeout: connectTimeout,
		HistoryTimeout: historyTimeout,
		PingInterval:   pingInterval,
		PongWait:       pongWait,
	}, nil
}

// CallConfig 描述通话时长限制。
type CallConfig struct {
	Interval     time.Duration
	Warning      time.Duration
	Limit        time.Duration
	RestartDelay time.Duration
}

func loadCallConfig() (CallConfig, error) {
	interval, err := parseDurationEnv("VERA_CALL_TICK", time.Second)
	if err != nil {
		return CallConfig{}, err
	}
	warning, err := parseDurationEnv("VERA_CALL_WARNING", 240*time.Second)
	if err != nil {
		return CallConfig{}, err
	}
	limit, err := parseDurationEnv("VERA_CALL_LIMIT", 300*time.Second)
	if err != nil {
		return CallConfig{}, err
	}
	if warning >= limit {
		return CallConfig{}, fmt.Errorf("VERA_CALL_WARNING (%s) must be shorter than VERA_CALL_LIMIT (%s)", warning, limit)
	}
	restart, err := parseDurationEnv("VERA_LISTEN_RESTART_DELAY", 300*time.Millisecond)
	if err != nil {
		return CallConfig{}, err
	}

	return CallConfig{Interval: interval, Warning: warning, Limit: limit, RestartDelay: restart}, nil
}

// AudioConfig 描述本机语音能力。
type AudioConfig struct {
	PlayerCommand []string
	ConsoleInput  bool
	ListenSilence time.Duration
}

func loadAudioConfig() (AudioConfig, error) {
	console, err := parseBoolEnv("VERA_CONSOLE_SPEECH", true)
	if err != nil {
		return AudioConfig{}, err
	}
	silence, err := parseDurationEnv("VERA_LISTEN_SILENCE", 10*time.Second)
	if err != nil {
		return AudioConfig{}, err
	}

	return AudioConfig{
		PlayerCommand: strings.Fields(os.Getenv("VERA_PLAYER_CMD")),
		ConsoleInput:  console,
		ListenSilence: silence,
	}, nil
}

// CredentialConfig 描述研究编号与本地凭证存储。
type CredentialConfig struct {
	ResearchID string
	StorePath  string
	// Reset 启动时丢弃已保存的会话，强制重新登录。
	Reset bool
}

func loadCredentialConfig() (CredentialConfig, error) {
	reset, err := parseBoolEnv("VERA_RESET_SESSION", false)
	if err != nil {
		return CredentialConfig{}, err
	}

	path := strings.TrimSpace(os.Getenv("VERA_SESSION_FILE"))
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = dir + "/vera/session.json"
		} else {
			path = ".vera-session.json"
		}
	}

	return CredentialConfig{
		ResearchID: strings.TrimSpace(os.Getenv("VERA_RESEARCH_ID")),
		StorePath:  path,
		Reset:      reset,
	}, nil
}

// VoiceAgentConfig 描述第三方语音代理平台。
type VoiceAgentConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
}

// Enabled 表示是否配置了访问密钥。
func (c VoiceAgentConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadVoiceAgentConfig() (VoiceAgentConfig, error) {
	timeout, err := parseDurationEnv("ELEVENLABS_TIMEOUT", 15*time.Second)
	if err != nil {
		return VoiceAgentConfig{}, err
	}

	return VoiceAgentConfig{
		BaseURL: strings.TrimRight(getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"), "/"),
		APIKey:  strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		AgentID: strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_ID")),
		Timeout: timeout,
	}, nil
}

// KafkaConfig 描述转录事件的发布目标。
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Enabled  bool
}

func loadKafkaConfig() (KafkaConfig, error) {
	enabled, err := parseBoolEnv("KAFKA_ENABLED", false)
	if err != nil {
		return KafkaConfig{}, err
	}

	return KafkaConfig{
		Brokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		Topic:    getEnvOrDefault("KAFKA_TOPIC_TRANSCRIPT", "vera.transcript.v1"),
		ClientID: getEnvOrDefault("KAFKA_CLIENT_ID", "vera-client"),
		Enabled:  enabled,
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
}

// DevBackendConfig 描述本地联调用的聊天后端。
type DevBackendConfig struct {
	Server      ServerConfig
	JWTSecret   string
	TokenTTL    time.Duration
	DatabaseURL string
	Provider    string
	HistorySize int
	AI          AIConfig
	OpenAI      OpenAIConfig
	Log         LogConfig
}

// LoadDevBackend 加载本地后端的配置。
func LoadDevBackend() (*DevBackendConfig, error) {
	if err := applyConfigFile(strings.TrimSpace(os.Getenv("VERA_CONFIG"))); err != nil {
		return nil, err
	}

	server, err := loadServerConfig("DEV_BACKEND_PORT", "8000")
	if err != nil {
		return nil, err
	}

	ttl, err := parseDurationEnv("DEV_BACKEND_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	history := 50
	if override, err := parseOptionalIntEnv("DEV_BACKEND_HISTORY"); err != nil {
		return nil, err
	} else if override != nil && *override > 0 {
		history = *override
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := parseBoolEnv("DEV_BACKEND_TTS", true)
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(getEnvOrDefault("DEV_BACKEND_PROVIDER", ""))
	if provider == "" {
		switch {
		case ai.Enabled():
			provider = "ark"
		case os.Getenv("OPENAI_API_KEY") != "":
			provider = "openai"
		default:
			provider = "echo"
		}
	}
	switch provider {
	case "ark", "openai", "echo":
	default:
		return nil, fmt.Errorf("invalid DEV_BACKEND_PROVIDER value %q", provider)
	}

	return &DevBackendConfig{
		Server:      server,
		JWTSecret:   getEnvOrDefault("DEV_BACKEND_JWT_SECRET", "vera-dev-secret"),
		TokenTTL:    ttl,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Provider:    provider,
		HistorySize: history,
		AI:          ai,
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o"),

			Speech:      speech,
			SpeechModel: getEnvOrDefault("OPENAI_TTS_MODEL", "tts-1"),
			Voice:       getEnvOrDefault("OPENAI_TTS_VOICE", "nova"),
		},
		Log: loadLogConfig(),
	}, nil
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Speech 为 true 时回复完成后额外合成语音。
	Speech      bool
	SpeechModel string
	Voice       string
}

// AIConfig 描述 Ark 大模型相关配置。
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
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
	}
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		cfg.Temperature = &val
	}
	if c.TopP != nil {
		val := float32(*c.TopP)
		cfg.TopP = &val
	}

	cm, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
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
	}, nil
}

// applyConfigFile 读取扁平的 TOML 键值表，键名即环境变量名。
func applyConfigFile(path string) error {
	if path == "" {
		return nil
	}

	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("invalid VERA_CONFIG file %q: %w", path, err)
	}

	for key, raw := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		var value string
		switch v := raw.(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			value = strings.Join(parts, ",")
		case map[string]any:
			return fmt.Errorf("invalid VERA_CONFIG file %q: nested table %q is not supported", path, key)
		default:
			value = fmt.Sprint(v)
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("apply %s from %q: %w", key, path, err)
		}
	}
	return nil
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

// parseDurationEnv 接受 Go 时长字符串（"1.5s"）或整数秒。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
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
