package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Auth     AuthConfig
	Billing  BillingConfig
	Pipeline PipelineConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// BillingConfig holds billing webhook and reconciliation configuration
type BillingConfig struct {
	WebhookSecret string
	SweepToken    string
	SweepInterval time.Duration
}

// PipelineConfig holds generation pipeline configuration
type PipelineConfig struct {
	ImageEndpoint    string
	ScriptEndpoint   string
	SceneEndpoint    string
	AssemblyEndpoint string
	CallbackSecret   string
	CallbackBaseURL  string
	RequestTimeout   time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Port       int
	WorkerPort int
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "promoforge")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "promos")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")

	// Billing defaults
	viper.SetDefault("billing.webhookSecret", "")
	viper.SetDefault("billing.sweepToken", "")
	viper.SetDefault("billing.sweepInterval", "1h")

	// Pipeline defaults
	viper.SetDefault("pipeline.imageEndpoint", "http://localhost:9101")
	viper.SetDefault("pipeline.scriptEndpoint", "http://localhost:9102")
	viper.SetDefault("pipeline.sceneEndpoint", "http://localhost:9103")
	viper.SetDefault("pipeline.assemblyEndpoint", "http://localhost:9104")
	viper.SetDefault("pipeline.callbackSecret", "")
	viper.SetDefault("pipeline.callbackBaseURL", "http://localhost:8080")
	viper.SetDefault("pipeline.requestTimeout", "60s")
	viper.SetDefault("pipeline.maxAttempts", 3)
	viper.SetDefault("pipeline.initialBackoff", "2s")
	viper.SetDefault("pipeline.maxBackoff", "30s")

	// Metrics defaults
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.workerPort", 9091)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "promoforge")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
