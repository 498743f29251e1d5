package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
	Chat       ChatConfig       `yaml:"chat"`
	Upload     UploadConfig     `yaml:"upload"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Stats      StatsConfig      `yaml:"stats"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// KafkaConfig 事件流配置：聊天事件出站、支付事件入站
type KafkaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	MessagesTopic string `yaml:"messages_topic"`
	SessionsTopic string `yaml:"sessions_topic"`
	PaymentsTopic string `yaml:"payments_topic"`
	ConsumerGroup string `yaml:"consumer_group"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

// ChatConfig 客服聊天子系统配置
type ChatConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"` // 每个客服同时处理的会话上限
	MaxMessageLength      int           `yaml:"max_message_length"`      // 单条消息字符上限
	MaxAttachmentSize     int64         `yaml:"max_attachment_size"`     // 聊天附件单文件上限（字节）
	WaitPerPosition       time.Duration `yaml:"wait_per_position"`       // 排队位次对应的预计等待
	TypingIdleTimeout     time.Duration `yaml:"typing_idle_timeout"`     // 输入中标记的空闲过期
	PresenceTTL           time.Duration `yaml:"presence_ttl"`            // 客服在线心跳过期
	QueueStaleAfter       time.Duration `yaml:"queue_stale_after"`       // 0 表示不判定滞留（产品决策未定）
}

type UploadConfig struct {
	Enabled        bool     `yaml:"enabled"`
	StoragePath    string   `yaml:"storage_path"`
	PublicBaseURL  string   `yaml:"public_base_url"`
	MaxProfileSize int64    `yaml:"max_profile_size"` // 头像/证件类上传上限（字节）
	AllowedTypes   []string `yaml:"allowed_types"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"` // 自定义服务名，缺省使用 "carrymate"
}

// StatsConfig 统计汇总配置
type StatsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // 5 段 cron 表达式
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "carrymate",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Broker:        "localhost:9092",
			MessagesTopic: "chat.messages",
			SessionsTopic: "chat.sessions",
			PaymentsTopic: "payments.events",
			ConsumerGroup: "carrymate-server",
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/carrymate.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Chat: ChatConfig{
			MaxConcurrentSessions: 5,
			MaxMessageLength:      1000,
			MaxAttachmentSize:     10 << 20,
			WaitPerPosition:       2 * time.Minute,
			TypingIdleTimeout:     3 * time.Second,
			PresenceTTL:           60 * time.Second,
			QueueStaleAfter:       0,
		},
		Upload: UploadConfig{
			Enabled:        true,
			StoragePath:    "./uploads",
			PublicBaseURL:  "/files",
			MaxProfileSize: 5 << 20,
			AllowedTypes:   []string{"image/jpeg", "image/png", "image/webp", "application/pdf"},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             60,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "carrymate",
			},
		},
		Stats: StatsConfig{
			Enabled:  true,
			Schedule: "10 0 * * *",
		},
	}
}
