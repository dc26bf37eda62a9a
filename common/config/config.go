package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service      ServiceConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Workspace    WorkspaceConfig
	Mutation     MutationConfig
	Execution    ExecutionConfig
	Verification VerificationConfig
	Generation   GenerationConfig
	Planning     PlanningConfig
	Reflection   ReflectionConfig
	Telemetry    TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	// Submission rate limit per client ip; zero requests disables it
	RateLimitRequests int
	RateLimitPeriod   time.Duration
	// Requests carrying this X-Internal-Service value bypass the rate limit
	InternalSecret string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
}

// WorkspaceConfig holds workspace and backup settings
type WorkspaceConfig struct {
	Root            string
	BackupDirName   string
	BackupRetention time.Duration
	JanitorInterval time.Duration
}

// MutationConfig holds mutation engine limits
type MutationConfig struct {
	MaxFileSize         int64
	LargeChangeLines    int
	MissingModifyPolicy string // "downgrade" or "reject"
}

// ExecutionConfig holds plan runner settings
type ExecutionConfig struct {
	Concurrency      int
	ContextLines     int
	MinOutputChars   int
	MinOriginalChars int
}

// VerificationConfig holds external tool timeouts and report caps
type VerificationConfig struct {
	TestTimeout    time.Duration
	TSCTimeout     time.Duration
	NodeTimeout    time.Duration
	RuffTimeout    time.Duration
	ESLintTimeout  time.Duration
	OutputLimit    int
	MaxErrors      int
	MaxLintDetails int
}

// GenerationConfig holds code generation client settings
type GenerationConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	RateLimitRequests int
	RateLimitPeriod   time.Duration
	LimiterBackend    string // "memory" or "redis"
	InputCostPer1K    float64
	OutputCostPer1K   float64
}

// PlanningConfig holds plan generator settings
type PlanningConfig struct {
	MaxRetries          int
	RetryBaseDelay      time.Duration
	UnknownActionPolicy string // "modify" or "reject"
	ApprovalExpression  string
	FallbackOnFailure   bool
}

// ReflectionConfig holds lesson store settings
type ReflectionConfig struct {
	MaxLessons     int
	MaxPatterns    int
	LessonsForPlan int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),

			RateLimitRequests: getEnvInt("HTTP_RATE_LIMIT_REQUESTS", 30),
			RateLimitPeriod:   getEnvDuration("HTTP_RATE_LIMIT_PERIOD", time.Minute),
			InternalSecret:    getEnv("INTERNAL_SERVICE_SECRET", ""),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("POSTGRES_ENABLED", false),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "pevr"),
			User:        getEnv("POSTGRES_USER", "pevr"),
			Password:    getEnv("POSTGRES_PASSWORD", "pevr"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			StatusTTL: getEnvDuration("REDIS_STATUS_TTL", 24*time.Hour),
		},
		Workspace: WorkspaceConfig{
			Root:            getEnv("WORKSPACE_ROOT", "./workspaces"),
			BackupDirName:   getEnv("BACKUP_DIR_NAME", ".pevr_backups"),
			BackupRetention: getEnvDuration("BACKUP_RETENTION", 7*24*time.Hour),
			JanitorInterval: getEnvDuration("BACKUP_JANITOR_INTERVAL", 1*time.Hour),
		},
		Mutation: MutationConfig{
			MaxFileSize:         int64(getEnvInt("MUTATION_MAX_FILE_SIZE", 5*1024*1024)),
			LargeChangeLines:    getEnvInt("MUTATION_LARGE_CHANGE_LINES", 500),
			MissingModifyPolicy: getEnv("MUTATION_MISSING_MODIFY_POLICY", "downgrade"),
		},
		Execution: ExecutionConfig{
			Concurrency:      getEnvInt("EXECUTION_CONCURRENCY", 4),
			ContextLines:     getEnvInt("EXECUTION_CONTEXT_LINES", 120),
			MinOutputChars:   getEnvInt("EXECUTION_MIN_OUTPUT_CHARS", 20),
			MinOriginalChars: getEnvInt("EXECUTION_MIN_ORIGINAL_CHARS", 50),
		},
		Verification: VerificationConfig{
			TestTimeout:    getEnvDuration("VERIFY_TEST_TIMEOUT", 300*time.Second),
			TSCTimeout:     getEnvDuration("VERIFY_TSC_TIMEOUT", 15*time.Second),
			NodeTimeout:    getEnvDuration("VERIFY_NODE_TIMEOUT", 5*time.Second),
			RuffTimeout:    getEnvDuration("VERIFY_RUFF_TIMEOUT", 20*time.Second),
			ESLintTimeout:  getEnvDuration("VERIFY_ESLINT_TIMEOUT", 30*time.Second),
			OutputLimit:    getEnvInt("VERIFY_OUTPUT_LIMIT", 8000),
			MaxErrors:      getEnvInt("VERIFY_MAX_ERRORS", 20),
			MaxLintDetails: getEnvInt("VERIFY_MAX_LINT_DETAILS", 10),
		},
		Generation: GenerationConfig{
			BaseURL:           getEnv("GENERATION_BASE_URL", ""),
			APIKey:            getEnv("GENERATION_API_KEY", ""),
			Model:             getEnv("GENERATION_MODEL", "gpt-4o-mini"),
			Temperature:       getEnvFloat("GENERATION_TEMPERATURE", 0.15),
			MaxTokens:         getEnvInt("GENERATION_MAX_TOKENS", 4096),
			RateLimitRequests: getEnvInt("GENERATION_RATE_LIMIT_REQUESTS", 100),
			RateLimitPeriod:   getEnvDuration("GENERATION_RATE_LIMIT_PERIOD", 60*time.Second),
			LimiterBackend:    getEnv("GENERATION_LIMITER_BACKEND", "memory"),
			InputCostPer1K:    getEnvFloat("GENERATION_INPUT_COST_PER_1K", 0.003),
			OutputCostPer1K:   getEnvFloat("GENERATION_OUTPUT_COST_PER_1K", 0.015),
		},
		Planning: PlanningConfig{
			MaxRetries:          getEnvInt("PLANNING_MAX_RETRIES", 3),
			RetryBaseDelay:      getEnvDuration("PLANNING_RETRY_BASE_DELAY", 2*time.Second),
			UnknownActionPolicy: getEnv("PLANNING_UNKNOWN_ACTION_POLICY", "modify"),
			ApprovalExpression:  getEnv("PLANNING_APPROVAL_EXPRESSION", ""),
			FallbackOnFailure:   getEnvBool("PLANNING_FALLBACK_ON_FAILURE", false),
		},
		Reflection: ReflectionConfig{
			MaxLessons:     getEnvInt("REFLECTION_MAX_LESSONS", 100),
			MaxPatterns:    getEnvInt("REFLECTION_MAX_PATTERNS", 30),
			LessonsForPlan: getEnvInt("REFLECTION_LESSONS_FOR_PLAN", 10),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Service.RateLimitRequests < 0 || (c.Service.RateLimitRequests > 0 && c.Service.RateLimitPeriod <= 0) {
		return fmt.Errorf("invalid http rate limit: %d per %s",
			c.Service.RateLimitRequests, c.Service.RateLimitPeriod)
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace root is required")
	}

	if c.Mutation.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max file size: %d", c.Mutation.MaxFileSize)
	}

	switch c.Mutation.MissingModifyPolicy {
	case "downgrade", "reject":
	default:
		return fmt.Errorf("invalid missing modify policy: %s", c.Mutation.MissingModifyPolicy)
	}

	switch c.Planning.UnknownActionPolicy {
	case "modify", "reject":
	default:
		return fmt.Errorf("invalid unknown action policy: %s", c.Planning.UnknownActionPolicy)
	}

	if c.Execution.Concurrency < 1 {
		return fmt.Errorf("execution concurrency must be >= 1")
	}

	if c.Generation.RateLimitRequests < 1 || c.Generation.RateLimitPeriod <= 0 {
		return fmt.Errorf("invalid generation rate limit: %d per %s",
			c.Generation.RateLimitRequests, c.Generation.RateLimitPeriod)
	}

	switch c.Generation.LimiterBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis limiter backend requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown limiter backend: %s", c.Generation.LimiterBackend)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
