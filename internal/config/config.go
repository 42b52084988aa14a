package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port              string        `yaml:"port"`
	ServerURL         string        `yaml:"server_url"`
	PostgresURL       string        `yaml:"postgres_url"`
	RedisURL          string        `yaml:"redis_url"`
	RedisPrefix       string        `yaml:"redis_prefix"`
	TemporalAddress   string        `yaml:"temporal_address"`
	TemporalTaskQueue string        `yaml:"temporal_task_queue"`
	LLMProvider       string        `yaml:"llm_provider"`
	LLMModel          string        `yaml:"llm_model"`
	LLMBaseURL        string        `yaml:"llm_base_url"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	SystemPromptFile  string        `yaml:"system_prompt_file"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenRouterAPIKey  string        `yaml:"openrouter_api_key"`
	GeminiAPIKey      string        `yaml:"gemini_api_key"`
	ReaderMode        string        `yaml:"reader_mode"`
	ReaderBaseURL     string        `yaml:"reader_base_url"`
	BrowserControlURL string        `yaml:"browser_control_url"`
	ReaderCacheTTL    time.Duration `yaml:"reader_cache_ttl"`
	ReaderCacheSize   int           `yaml:"reader_cache_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	CrawlItemTimeout  time.Duration `yaml:"crawl_item_timeout"`
	CrawlBatchSize    int           `yaml:"crawl_batch_size"`
	SessionStaleAfter time.Duration `yaml:"session_stale_after"`
	LogLevel          string        `yaml:"log_level"`
	LogJSON           bool          `yaml:"log_json"`
}

func defaults() Config {
	return Config{
		Port:              "8080",
		RedisPrefix:       "research:",
		TemporalTaskQueue: "research-jobs",
		LLMProvider:       "openai",
		LLMModel:          "gpt-4o-mini",
		LLMTimeout:        60 * time.Second,
		ReaderMode:        "http",
		ReaderCacheTTL:    30 * time.Minute,
		ReaderCacheSize:   1000,
		RequestTimeout:    180 * time.Second,
		CrawlItemTimeout:  30 * time.Second,
		CrawlBatchSize:    2,
		SessionStaleAfter: 30 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// RESEARCH_CONFIG_FILE if set, then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("RESEARCH_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = getEnv("RESEARCH_PORT", cfg.Port)
	cfg.ServerURL = getEnv("RESEARCH_SERVER_URL", cfg.ServerURL)
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:" + cfg.Port
	}
	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	if cfg.PostgresURL == "" && os.Getenv("POSTGRES_HOST") != "" {
		cfg.PostgresURL = buildPostgresURL()
	}
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.TemporalAddress = getEnv("TEMPORAL_ADDRESS", cfg.TemporalAddress)
	cfg.TemporalTaskQueue = getEnv("TEMPORAL_TASK_QUEUE", cfg.TemporalTaskQueue)
	cfg.LLMProvider = getEnv("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMBaseURL = getEnv("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", cfg.LLMTimeout)
	cfg.SystemPromptFile = getEnv("SYSTEM_PROMPT_FILE", cfg.SystemPromptFile)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", cfg.OpenRouterAPIKey)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.ReaderMode = getEnv("READER_MODE", cfg.ReaderMode)
	cfg.ReaderBaseURL = getEnv("READER_BASE_URL", cfg.ReaderBaseURL)
	cfg.BrowserControlURL = getEnv("BROWSER_CONTROL_URL", cfg.BrowserControlURL)
	cfg.ReaderCacheTTL = getEnvDuration("READER_CACHE_TTL", cfg.ReaderCacheTTL)
	cfg.ReaderCacheSize = getEnvInt("READER_CACHE_SIZE", cfg.ReaderCacheSize)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.CrawlItemTimeout = getEnvDuration("CRAWL_ITEM_TIMEOUT", cfg.CrawlItemTimeout)
	cfg.CrawlBatchSize = getEnvInt("CRAWL_BATCH_SIZE", cfg.CrawlBatchSize)
	cfg.SessionStaleAfter = getEnvDuration("SESSION_STALE_AFTER", cfg.SessionStaleAfter)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnvBool("LOG_JSON", cfg.LogJSON)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("45s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "research")
	password := getEnv("POSTGRES_PASSWORD", "research")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "research")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
