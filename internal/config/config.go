package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

const defaultSecret = "dev-secret-change-me"

const defaultSystemPrompt = "You are a friendly and helpful AI assistant. Respond naturally to any question or topic. " +
	"Be conversational, helpful, and engaging. You can discuss anything from casual conversation to technical topics."

type Config struct {
	Port            string
	Env             string
	DatabaseDriver  string
	DatabaseDSN     string
	SecretKey       string
	SessionTTLHours int
	BcryptCost      int

	OllamaBaseURL           string
	DefaultModel            string
	AllowedModels           []string
	SystemPrompt            string
	InferenceTimeoutSeconds int
	HistoryWindow           int

	MaxMessageLength      int
	MaxBodyBytes          int64
	ChatRateLimit         int
	ChatRateWindowSeconds int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法值回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() Config {
	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	return Config{
		Port:            getenv("APP_PORT", "5000"),
		Env:             getenv("APP_ENV", "dev"),
		DatabaseDriver:  strings.ToLower(getenv("DATABASE_DRIVER", "sqlite")),
		DatabaseDSN:     getenv("DATABASE_DSN", "chatbot.db"),
		SecretKey:       getenv("SECRET_KEY", defaultSecret),
		SessionTTLHours: getenvInt("SESSION_TTL_HOURS", 24),
		BcryptCost:      getenvInt("BCRYPT_COST", 10),

		OllamaBaseURL:           strings.TrimRight(getenv("OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
		DefaultModel:            getenv("DEFAULT_MODEL", "phi3:latest"),
		AllowedModels:           splitList(getenv("ALLOWED_MODELS", "phi3:latest,deepseek-r1:1.5b,llama3:latest")),
		SystemPrompt:            getenv("SYSTEM_PROMPT", defaultSystemPrompt),
		InferenceTimeoutSeconds: getenvInt("INFERENCE_TIMEOUT_SECONDS", 60),
		HistoryWindow:           getenvInt("HISTORY_WINDOW", 10),

		MaxMessageLength:      getenvInt("MAX_MESSAGE_LENGTH", 1000),
		MaxBodyBytes:          int64(getenvInt("MAX_BODY_BYTES", 16<<10)),
		ChatRateLimit:         getenvInt("CHAT_RATE_LIMIT", 5),
		ChatRateWindowSeconds: getenvInt("CHAT_RATE_WINDOW_SECONDS", 60),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       redisDB,
	}
}

// Validate 在启动时拒绝明显错误的配置，生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return errors.New("DATABASE_DRIVER must be one of sqlite, postgres, mysql")
	}
	if cfg.SecretKey == "" {
		return errors.New("SECRET_KEY must not be empty")
	}
	if cfg.Env != "dev" && cfg.SecretKey == defaultSecret {
		return errors.New("SECRET_KEY must be changed outside dev")
	}
	if cfg.OllamaBaseURL == "" {
		return errors.New("OLLAMA_BASE_URL must not be empty")
	}
	if len(cfg.AllowedModels) == 0 {
		return errors.New("ALLOWED_MODELS must list at least one model")
	}
	return nil
}
