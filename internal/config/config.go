package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Ai       AIConfig
	Chat     ChatConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	DurabilityLogPath  string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
	OtelEnabled        bool
	OtelEndpoint       string
}

type DatabaseConfig struct {
	Connection string
}

type AIConfig struct {
	LLMProvider        string // "ollama", "openai", "huggingface"
	LLMModel           string // default model for new conversations
	DefaultTemperature float64
	OllamaBaseURL      string
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	HuggingFaceBaseURL string
	HuggingFaceAPIKey  string
}

type ChatConfig struct {
	StreamBuffer       int
	TitleTimeout       time.Duration
	TitleMaxLength     int
	FinalizeTimeout    time.Duration
	RateLimitPerMinute int
	ReconcileInterval  time.Duration
	ReconcileLookback  time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			DurabilityLogPath:  getEnv("DURABILITY_LOG_PATH", "logs/durability.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", ""),
			RedisURL:           getEnv("REDIS_URL", ""),
			OtelEnabled:        getEnv("OTEL_ENABLED", "false") == "true",
			OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Ai: AIConfig{
			LLMProvider:        getEnv("LLM_PROVIDER", "ollama"),
			LLMModel:           getEnv("LLM_MODEL", "llama3"),
			DefaultTemperature: getEnvAsFloat("LLM_DEFAULT_TEMPERATURE", 0.7),
			OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
			HuggingFaceBaseURL: getEnv("HUGGINGFACE_BASE_URL", "https://router.huggingface.co/v1"),
			HuggingFaceAPIKey:  getEnv("HUGGINGFACE_API_KEY", ""),
		},
		Chat: ChatConfig{
			StreamBuffer:       getEnvAsInt("CHAT_STREAM_BUFFER", 32),
			TitleTimeout:       getEnvAsDuration("CHAT_TITLE_TIMEOUT", 5*time.Second),
			TitleMaxLength:     getEnvAsInt("CHAT_TITLE_MAX_LENGTH", 50),
			FinalizeTimeout:    getEnvAsDuration("CHAT_FINALIZE_TIMEOUT", 10*time.Second),
			RateLimitPerMinute: getEnvAsInt("CHAT_RATE_LIMIT_PER_MINUTE", 30),
			ReconcileInterval:  getEnvAsDuration("CHAT_RECONCILE_INTERVAL", 5*time.Minute),
			ReconcileLookback:  getEnvAsDuration("CHAT_RECONCILE_LOOKBACK", 24*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
