package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Engine     EngineConfig
	Dispatcher DispatcherConfig
	Cleanup    CleanupConfig
	Agent      AgentConfig
	Quality    QualityConfig
	Telemetry  TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection settings (events, rate limiting)
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds template cache settings
type CacheConfig struct {
	Enabled         bool
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	QueueWorkers     int
	QueuePopTimeout  time.Duration
	MonitorInterval  time.Duration
	InstanceCapacity int           // 0 = unbounded
	TaskRetryLimit   int           // default per-node retry budget, 0 = no retries
	InstanceDeadline time.Duration // advisory only, 0 = no deadline
}

// DispatcherConfig holds agent task dispatcher settings
type DispatcherConfig struct {
	Workers               int
	QueuePopTimeout       time.Duration
	AgentCallTimeout      time.Duration
	AgentCallTimeoutTools time.Duration
	RescueInterval        time.Duration
	RescueMaxInterval     time.Duration
	RescueBatchSize       int
}

// CleanupConfig holds resource cleanup settings
type CleanupConfig struct {
	Interval    time.Duration
	ContextTTL  time.Duration
	TempFileTTL time.Duration
}

// AgentConfig holds the external agent service settings
type AgentConfig struct {
	BaseURL string
	APIKey  string
}

// QualityConfig holds summary quality-gate settings
type QualityConfig struct {
	GateExpression string
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
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowcore"),
			User:        getEnv("POSTGRES_USER", "flowcore"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowcore"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:         getEnvBool("CACHE_ENABLED", true),
			DefaultTTL:      getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 1*time.Minute),
		},
		Engine: EngineConfig{
			QueueWorkers:     getEnvInt("ENGINE_QUEUE_WORKERS", 4),
			QueuePopTimeout:  getEnvDuration("QUEUE_POP_TIMEOUT", 1*time.Second),
			MonitorInterval:  getEnvDuration("MONITOR_INTERVAL", 15*time.Second),
			InstanceCapacity: getEnvInt("INSTANCE_CAPACITY", 0),
			TaskRetryLimit:   getEnvInt("TASK_RETRY_LIMIT", 0),
			InstanceDeadline: getEnvDuration("INSTANCE_DEADLINE", 0),
		},
		Dispatcher: DispatcherConfig{
			Workers:               getEnvInt("DISPATCHER_WORKERS", 5),
			QueuePopTimeout:       getEnvDuration("DISPATCHER_POP_TIMEOUT", 1*time.Second),
			AgentCallTimeout:      getEnvDuration("AGENT_CALL_TIMEOUT", 120*time.Second),
			AgentCallTimeoutTools: getEnvDuration("AGENT_CALL_TIMEOUT_TOOLS", 600*time.Second),
			RescueInterval:        getEnvDuration("RESCUE_INTERVAL", 5*time.Second),
			RescueMaxInterval:     getEnvDuration("RESCUE_MAX_INTERVAL", 60*time.Second),
			RescueBatchSize:       getEnvInt("RESCUE_BATCH_SIZE", 50),
		},
		Cleanup: CleanupConfig{
			Interval:    getEnvDuration("CLEANUP_INTERVAL", 1*time.Minute),
			ContextTTL:  getEnvDuration("CONTEXT_CLEANUP_TTL", 5*time.Minute),
			TempFileTTL: getEnvDuration("TEMP_FILE_TTL", 1*time.Hour),
		},
		Agent: AgentConfig{
			BaseURL: getEnv("AGENT_BASE_URL", "http://localhost:8090"),
			APIKey:  getEnv("AGENT_API_KEY", ""),
		},
		Quality: QualityConfig{
			GateExpression: getEnv("QUALITY_GATE_EXPRESSION",
				"completeness >= 0.8 && accuracy >= 0.8 && !has_validation_errors"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
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

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.QueueWorkers < 1 {
		return fmt.Errorf("engine queue workers must be >= 1, got %d", c.Engine.QueueWorkers)
	}

	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be >= 1, got %d", c.Dispatcher.Workers)
	}

	if c.Dispatcher.AgentCallTimeout <= 0 || c.Dispatcher.AgentCallTimeoutTools <= 0 {
		return fmt.Errorf("agent call timeouts must be positive")
	}

	if c.Engine.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if c.Quality.GateExpression == "" {
		return fmt.Errorf("quality gate expression is required")
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

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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
