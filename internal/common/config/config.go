// Package config provides configuration management for the Nooble8 backend.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the backend.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vector    VectorConfig    `mapstructure:"vector"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig identifies the running service on the action bus.
// Areas selects which worker areas this process consumes; empty enables
// all of them, so the single binary can also be deployed one area per
// process against a shared Redis.
type ServiceConfig struct {
	Name    string   `mapstructure:"name"`
	Version string   `mapstructure:"version"`
	Areas   []string `mapstructure:"areas"`
}

// ServiceAreas lists the worker areas a process can enable.
var ServiceAreas = []string{"ingestion", "embedding", "execution", "orchestrator", "conversation"}

// AreaEnabled reports whether the named worker area should run in this
// process.
func (s *ServiceConfig) AreaEnabled(name string) bool {
	if len(s.Areas) == 0 {
		return true
	}
	for _, a := range s.Areas {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds relational store connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the broker / shared KV configuration.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// VectorConfig holds the vector store driver configuration.
type VectorConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"apiKey"`
	CollectionName string `mapstructure:"collectionName"`
	VectorSize     int    `mapstructure:"vectorSize"`
}

// OpenAIConfig holds the embedding / LLM provider configuration.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
}

// WorkerConfig holds the action consumer configuration.
type WorkerConfig struct {
	Count          int `mapstructure:"count"`          // workers per service
	SendAndWaitSec int `mapstructure:"sendAndWaitSec"` // default send_and_wait timeout
}

// IngestionConfig holds document processing limits.
type IngestionConfig struct {
	MaxPDFBytes     int64 `mapstructure:"maxPdfBytes"`
	MaxDOCXBytes    int64 `mapstructure:"maxDocxBytes"`
	MaxGenericBytes int64 `mapstructure:"maxGenericBytes"`
	TaskTTLSec      int   `mapstructure:"taskTtlSec"`
}

// CacheConfig holds the agent config cache settings.
type CacheConfig struct {
	ConfigTTLSec int `mapstructure:"configTtlSec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SendAndWaitTimeout returns the default synchronous bus timeout.
func (w *WorkerConfig) SendAndWaitTimeout() time.Duration {
	return time.Duration(w.SendAndWaitSec) * time.Second
}

// ConfigTTL returns the agent config cache TTL.
func (c *CacheConfig) ConfigTTL() time.Duration {
	return time.Duration(c.ConfigTTLSec) * time.Second
}

// TaskTTL returns the shared KV retention for ingestion task state.
func (i *IngestionConfig) TaskTTL() time.Duration {
	return time.Duration(i.TaskTTLSec) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NOOBLE8_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Service identity
	v.SetDefault("service.name", "nooble8")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.areas", []string{})

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means use the in-memory row store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "nooble8")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "nooble8")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty URL means use the in-memory bus and KV
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "nooble8")

	// Vector store defaults
	v.SetDefault("vector.url", "http://localhost:6333")
	v.SetDefault("vector.apiKey", "")
	v.SetDefault("vector.collectionName", "nooble8_vectors")
	v.SetDefault("vector.vectorSize", 1536)

	// OpenAI defaults
	v.SetDefault("openai.apiKey", "")
	v.SetDefault("openai.baseUrl", "")

	// Worker defaults
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.sendAndWaitSec", 30)

	// Ingestion limits
	v.SetDefault("ingestion.maxPdfBytes", int64(50*1024*1024))
	v.SetDefault("ingestion.maxDocxBytes", int64(20*1024*1024))
	v.SetDefault("ingestion.maxGenericBytes", int64(10*1024*1024))
	v.SetDefault("ingestion.taskTtlSec", 3600)

	// Cache defaults
	v.SetDefault("cache.configTtlSec", 600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NOOBLE8_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/nooble8/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NOOBLE8")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars where the conventional name differs
	// from the camelCase config key.
	_ = v.BindEnv("redis.url", "NOOBLE8_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("vector.url", "NOOBLE8_VECTOR_URL", "QDRANT_URL")
	_ = v.BindEnv("vector.apiKey", "NOOBLE8_VECTOR_API_KEY", "QDRANT_API_KEY")
	_ = v.BindEnv("openai.apiKey", "NOOBLE8_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("cache.configTtlSec", "NOOBLE8_CONFIG_CACHE_TTL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nooble8/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}

	for _, area := range cfg.Service.Areas {
		known := false
		for _, name := range ServiceAreas {
			if strings.EqualFold(area, name) {
				known = true
				break
			}
		}
		if !known {
			errs = append(errs, fmt.Sprintf("service.areas contains unknown area %q (valid: %s)", area, strings.Join(ServiceAreas, ", ")))
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Worker.Count <= 0 {
		errs = append(errs, "worker.count must be positive")
	}
	if cfg.Cache.ConfigTTLSec <= 0 {
		errs = append(errs, "cache.configTtlSec must be positive")
	}
	if cfg.Ingestion.TaskTTLSec <= 0 {
		errs = append(errs, "ingestion.taskTtlSec must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
