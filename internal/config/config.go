package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ProductLens server and workers.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Inference InferenceConfig
	AI        AIConfig
	Router    RouterConfig
	Pipeline  PipelineConfig
	Webhook   WebhookConfig
	Worker    WorkerConfig
	Log       LogConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Region         string
	EndpointURL    string
	Bucket         string
	ForcePathStyle bool
}

type InferenceConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Bedrock          BedrockConfig
	Ollama           OllamaConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type BedrockConfig struct {
	Region    string
	ModelID   string
	MaxTokens int
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type RouterConfig struct {
	ModelTableFile   string
	ABTestPercentage int
}

// Terminal policies for batch jobs.
const (
	PolicyAnyFailure     = "any_failure"
	PolicyPartialSuccess = "partial_success"
)

type PipelineConfig struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	Timeout        time.Duration
	TerminalPolicy string
}

type WebhookConfig struct {
	Timeout          time.Duration
	MaxAttempts      int
	DisableThreshold int
}

type WorkerConfig struct {
	ImageConcurrency   int
	WebhookConcurrency int
	PollInterval       time.Duration
	// VisibilityTimeout is how long a dequeued task may go unacknowledged
	// before another worker receives it.
	VisibilityTimeout time.Duration
}

type LogConfig struct {
	Level string
	File  string
}

type AuthConfig struct {
	RateLimitPerMinute int
}

var validProviders = map[string]bool{
	"bedrock":   true,
	"ollama":    true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	region := envString("AWS_REGION", "us-east-1")
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("PRODUCTLENS_PORT", 8080),
			Env:           envString("PRODUCTLENS_ENV", "development"),
			MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Region:         region,
			EndpointURL:    os.Getenv("S3_ENDPOINT_URL"),
			Bucket:         envString("S3_BUCKET", "productlens-images"),
			ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", false),
		},
		Inference: InferenceConfig{
			BaseURL: os.Getenv("INFERENCE_BASE_URL"),
			Timeout: envDurationSecs("INFERENCE_TIMEOUT_SECS", 60*time.Second),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "bedrock"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			Bedrock: BedrockConfig{
				Region:    envString("BEDROCK_REGION", region),
				ModelID:   envString("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
				MaxTokens: envInt("BEDROCK_MAX_TOKENS", 1024),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llava"),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Router: RouterConfig{
			ModelTableFile:   os.Getenv("MODEL_TABLE_FILE"),
			ABTestPercentage: envInt("AB_TEST_PERCENTAGE", 10),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    envInt("PIPELINE_MAX_ATTEMPTS", 3),
			BackoffBase:    envDuration("PIPELINE_BACKOFF_BASE", 30*time.Second),
			Timeout:        envDurationSecs("PIPELINE_TIMEOUT_SECS", 300*time.Second),
			TerminalPolicy: envString("JOB_TERMINAL_POLICY", PolicyAnyFailure),
		},
		Webhook: WebhookConfig{
			Timeout:          envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:      envInt("WEBHOOK_MAX_ATTEMPTS", 5),
			DisableThreshold: envInt("WEBHOOK_DISABLE_THRESHOLD", 10),
		},
		Worker: WorkerConfig{
			ImageConcurrency:   envInt("WORKER_CONCURRENCY_IMAGES", 4),
			WebhookConcurrency: envInt("WORKER_CONCURRENCY_WEBHOOKS", 8),
			PollInterval:       envDuration("WORKER_POLL_INTERVAL", time.Second),
			VisibilityTimeout:  envDuration("WORKER_VISIBILITY_TIMEOUT", 15*time.Minute),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		Auth: AuthConfig{
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Inference.BaseURL == "" {
		return fmt.Errorf("INFERENCE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
		return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of bedrock, ollama, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if c.Router.ABTestPercentage < 0 || c.Router.ABTestPercentage > 100 {
		return fmt.Errorf("AB_TEST_PERCENTAGE must be between 0 and 100, got %d", c.Router.ABTestPercentage)
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.TerminalPolicy != PolicyAnyFailure && c.Pipeline.TerminalPolicy != PolicyPartialSuccess {
		return fmt.Errorf("JOB_TERMINAL_POLICY must be %s or %s, got %q",
			PolicyAnyFailure, PolicyPartialSuccess, c.Pipeline.TerminalPolicy)
	}

	if c.Worker.VisibilityTimeout <= c.Pipeline.Timeout {
		return fmt.Errorf("WORKER_VISIBILITY_TIMEOUT must exceed the pipeline timeout (%s), got %s",
			c.Pipeline.Timeout, c.Worker.VisibilityTimeout)
	}

	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.DisableThreshold < 1 {
		return fmt.Errorf("WEBHOOK_DISABLE_THRESHOLD must be at least 1, got %d", c.Webhook.DisableThreshold)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
