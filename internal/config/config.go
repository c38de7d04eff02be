package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Tracing   TracingConfig `mapstructure:"tracing"`
	Redis     RedisConfig
	AI        AIConfig
	Engine    EngineConfig    `mapstructure:"engine"`
	Queue     QueueConfig     `mapstructure:"queue"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"` // 强制执行数据库迁移
	MigrateOnly  bool `mapstructure:"-"` // 仅迁移模式（迁移后退出）
	WorkerOnly   bool `mapstructure:"-"` // 只运行后台任务消费者，不启动 HTTP
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type AIConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// EngineConfig tunes the attempt progression engine.
type EngineConfig struct {
	RatingAttempts int `mapstructure:"rating_attempts"`
	// DebugSyncTasks runs reply/report/certificate tasks inline instead of on the queue.
	DebugSyncTasks bool `mapstructure:"debug_sync_tasks"`
}

type QueueConfig struct {
	Key               string `mapstructure:"key"`
	Workers           int    `mapstructure:"workers"`
	MaxDeliveries     int    `mapstructure:"max_deliveries"`
	VisibilitySeconds int    `mapstructure:"visibility_seconds"`
}

type ServerConfig struct {
	Port string
	Mode string
	// PublicURL 用于生成证书校验链接
	PublicURL string `mapstructure:"public_url"`
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
}

type TracingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	SampleRatio       float64 `mapstructure:"sample_ratio"`
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c *AIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *QueueConfig) Visibility() time.Duration {
	if c.VisibilitySeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.VisibilitySeconds) * time.Second
}

// envBindings maps config keys to the unprefixed variables deployments already set.
var envBindings = map[string]string{
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.dbname":            "DATABASE_NAME",
	"jwt.secret":                 "JWT_SECRET",
	"redis.host":                 "REDIS_HOST",
	"redis.port":                 "REDIS_PORT",
	"redis.password":             "REDIS_PASSWORD",
	"server.mode":                "SERVER_MODE",
	"server.public_url":          "PUBLIC_URL",
	"ai.base_url":                "AI_BASE_URL",
	"ai.api_key":                 "AI_API_KEY",
	"ai.model":                   "AI_MODEL",
	"engine.debug_sync_tasks":    "ENGINE_DEBUG_SYNC_TASKS",
	"storage.type":               "STORAGE_TYPE",
	"storage.minio_endpoint":     "MINIO_ENDPOINT",
	"storage.minio_access_key":   "MINIO_ACCESS_KEY",
	"storage.minio_secret_key":   "MINIO_SECRET_KEY",
	"storage.minio_bucket":       "MINIO_BUCKET",
	"tracing.enabled":            "TRACING_ENABLED",
	"tracing.collector_endpoint": "TRACING_COLLECTOR_ENDPOINT",
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.public_url", "http://localhost:8080")
	viper.SetDefault("database.charset", "utf8mb4")
	viper.SetDefault("database.parsetime", true)
	viper.SetDefault("ai.model", "gpt-4o-mini")
	viper.SetDefault("ai.temperature", 0.7)
	viper.SetDefault("ai.max_tokens", 2000)
	viper.SetDefault("ai.timeout_seconds", 60)
	viper.SetDefault("engine.rating_attempts", 5)
	viper.SetDefault("queue.key", "journey:tasks")
	viper.SetDefault("queue.workers", 4)
	viper.SetDefault("queue.max_deliveries", 3)
	viper.SetDefault("queue.visibility_seconds", 300)
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "storage")
	viper.SetDefault("rate_limit.max_requests", 600)
	viper.SetDefault("rate_limit.window_minutes", 1)
	viper.SetDefault("log.file", "logs/journey.log")
}

const minReleaseSecret = 32

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("JOURNEY")
	viper.AutomaticEnv()
	setDefaults()

	for key, env := range envBindings {
		viper.BindEnv(key, env)
	}

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// release 模式下 JWT 密钥至少 32 位
	if cfg.Server.Mode == "release" && len(cfg.JWT.Secret) < minReleaseSecret {
		return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least %d characters in release mode", len(cfg.JWT.Secret), minReleaseSecret)
	}

	if cfg.Engine.RatingAttempts <= 0 {
		cfg.Engine.RatingAttempts = 5
	}

	if cfg.Storage.Type == "local" {
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	return &cfg, nil
}
