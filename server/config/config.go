package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Model     ModelConfig     `json:"model"`
	Processor ProcessorConfig `json:"processor"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

// ModelConfig locates the classifier artifact and its performance record.
// Neither path has a default.
type ModelConfig struct {
	ArtifactPath       string `json:"artifact_path"`
	MetadataPath       string `json:"metadata_path"`
	SerializeInference bool   `json:"serialize_inference"`
}

type ProcessorConfig struct {
	Workers      int           `json:"workers"`
	QueueSize    int           `json:"queue_size"`
	CacheSize    int           `json:"cache_size"`
	CacheTTL     time.Duration `json:"cache_ttl"`
	MaxBatchSize int           `json:"max_batch_size"`
	JobRetention time.Duration `json:"job_retention"`
}

type SecurityConfig struct {
	AdminToken     string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	MetricsIPs     []string      `json:"metrics_ips"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	MaxUploadSize  int64         `json:"max_upload_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// LoadDotEnv merges path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Model: ModelConfig{
			ArtifactPath:       getEnv("KSI_MODEL_PATH", ""),
			MetadataPath:       getEnv("KSI_METADATA_PATH", ""),
			SerializeInference: getEnvAsBool("KSI_SERIALIZE_INFERENCE", false),
		},
		Processor: ProcessorConfig{
			Workers:      getEnvAsInt("PROCESSOR_WORKERS", 4),
			QueueSize:    getEnvAsInt("PROCESSOR_QUEUE_SIZE", 64),
			CacheSize:    getEnvAsInt("CACHE_SIZE", 10000),
			CacheTTL:     getEnvAsDuration("CACHE_TTL", 10*time.Minute),
			MaxBatchSize: getEnvAsInt("MAX_BATCH_SIZE", 500),
			JobRetention: getEnvAsDuration("JOB_RETENTION", time.Hour),
		},
		Security: SecurityConfig{
			AdminToken:     getEnv("ADMIN_TOKEN", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			MetricsIPs:     getEnvAsStringSlice("METRICS_ALLOWED_IPS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024),
			MaxUploadSize:  getEnvAsInt64("MAX_UPLOAD_SIZE", 20*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "ksi-risk-server"),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Model.ArtifactPath == "" {
		errors = append(errors, "KSI_MODEL_PATH is required")
	}

	if c.Model.MetadataPath == "" {
		errors = append(errors, "KSI_METADATA_PATH is required")
	}

	if c.Processor.Workers < 1 {
		errors = append(errors, "processor workers must be positive")
	}

	if c.Processor.QueueSize < 1 {
		errors = append(errors, "processor queue size must be positive")
	}

	if c.Processor.MaxBatchSize < 1 {
		errors = append(errors, "max batch size must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.MaxUploadSize <= 0 {
		errors = append(errors, "max upload size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "CERT_FILE and KEY_FILE are required when HTTPS is enabled")
	}

	if c.Security.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}

	if c.Processor.CacheSize <= 0 {
		logger.Warn("Result cache disabled", zap.Int("cache_size", c.Processor.CacheSize))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
