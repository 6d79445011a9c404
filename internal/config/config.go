package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Storage   StorageConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
	Log       LogConfig
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

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Storage:   storage,
		Auth:      auth,
		RateLimit: rateLimit,
		Telemetry: TelemetryConfig{
			OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", "greenbot"),
		},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 为空时 CORS 允许任意来源，websocket 只接受同源。
	AllowedOrigins []string
	// ClientIdleTTL 之后释放不活跃客户端的会话控制器，0 表示永不释放。
	ClientIdleTTL time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	idle, err := parseDurationEnv("CLIENT_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		ClientIdleTTL:  idle,
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Provider names an LLM backend.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderOpenAI   Provider = "openai"
	ProviderGrok     Provider = "grok"
	ProviderArk      Provider = "ark"
)

type providerDefaults struct {
	baseURL string
	model   string
}

var defaults = map[Provider]providerDefaults{
	ProviderDeepSeek: {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	ProviderOpenAI:   {baseURL: "https://api.openai.com/v1", model: "gpt-4o"},
	ProviderGrok:     {baseURL: "https://api.x.ai/v1", model: "grok-1"},
	ProviderArk:      {baseURL: "https://ark.cn-beijing.volces.com/api/v3"},
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    Provider
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// CredentialKey is the key-value entry the settings surface writes the API key to.
func (c AIConfig) CredentialKey() string {
	return string(c.Provider) + "-api-key"
}

// NewArkModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewArkModel(ctx context.Context, apiKey string) (model.BaseChatModel, error) {
	if c.Model == "" {
		return nil, fmt.Errorf("Ark 模型配置缺失，请设置 AI_MODEL")
	}
	if apiKey == "" && (c.AccessKey == "" || c.SecretKey == "") {
		return nil, fmt.Errorf("Ark 凭证缺失，至少提供 API Key 或 AK/SK 组合")
	}

	temperature := float32(c.Temperature)
	maxTokens := c.MaxTokens
	timeout := c.Timeout

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      apiKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Timeout:     &timeout,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(ProviderDeepSeek))))
	def, ok := defaults[provider]
	if !ok {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	temp := 0.7
	if temperature != nil {
		temp = *temperature
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	tokens := 1000
	if maxTokens != nil && *maxTokens > 0 {
		tokens = *maxTokens
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:    provider,
		APIKey:      strings.TrimSpace(os.Getenv("AI_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       getEnvOrDefault("AI_MODEL", def.model),
		BaseURL:     getEnvOrDefault("AI_BASE_URL", def.baseURL),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temp,
		MaxTokens:   tokens,
		Timeout:     timeout,
	}, nil
}

// StorageConfig 描述本地与远程存储。
type StorageConfig struct {
	// DataDir holds the file-backed key-value store used for anonymous clients.
	DataDir string
	// DatabaseDriver is "sqlite" or "postgres"; empty disables remote storage.
	DatabaseDriver string
	DatabaseURL    string
}

// RemoteEnabled reports whether authenticated storage is configured.
func (c StorageConfig) RemoteEnabled() bool {
	return c.DatabaseDriver != "" && c.DatabaseURL != ""
}

func loadStorageConfig() (StorageConfig, error) {
	dataDir := getEnvOrDefault("DATA_DIR", defaultDataDir())
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("DATABASE_DRIVER")))
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))

	switch driver {
	case "":
		if dsn != "" {
			driver = "postgres"
		}
	case "sqlite", "postgres":
	default:
		return StorageConfig{}, fmt.Errorf("invalid DATABASE_DRIVER value %q", driver)
	}

	return StorageConfig{DataDir: dataDir, DatabaseDriver: driver, DatabaseURL: dsn}, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "greenbot")
	}
	return ".greenbot"
}

// AuthConfig 描述登录会话。
type AuthConfig struct {
	SessionTTL    time.Duration
	SweepInterval time.Duration
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("AUTH_SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}
	sweep, err := parseDurationEnv("AUTH_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{SessionTTL: ttl, SweepInterval: sweep}, nil
}

// RateLimitConfig 限制每个客户端发送消息的频率。
type RateLimitConfig struct {
	MessagesPerMinute int
	Burst             int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	perMinute := 20
	if v, err := parseOptionalIntEnv("CHAT_RATE_PER_MINUTE"); err != nil {
		return RateLimitConfig{}, err
	} else if v != nil {
		perMinute = *v
	}

	burst := 5
	if v, err := parseOptionalIntEnv("CHAT_RATE_BURST"); err != nil {
		return RateLimitConfig{}, err
	} else if v != nil && *v > 0 {
		burst = *v
	}

	return RateLimitConfig{MessagesPerMinute: perMinute, Burst: burst}, nil
}

// TelemetryConfig 描述 OpenTelemetry 导出。
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
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
