package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/pelusa-v/pelusa-rooms/internal/ratelimit"
)

const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config 服务运行配置，全部来自环境变量
type Config struct {
	Addr         string `env:"CHAT_ADDR"          envDefault:"127.0.0.1:3000"`
	StaticDir    string `env:"CHAT_STATIC_DIR"    envDefault:"./public"`
	DatabasePath string `env:"CHAT_DATABASE_PATH" envDefault:"chat.db"`
	LogLevel     string `env:"CHAT_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"CHAT_LOG_FORMAT"    envDefault:"text"`

	PingInterval time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`
	PongTimeout  time.Duration `env:"CHAT_PONG_TIMEOUT"  envDefault:"10s"`

	RateLimitBackend string        `env:"CHAT_RATE_LIMIT_BACKEND" envDefault:"memory"`
	RateLimitWindow  time.Duration `env:"CHAT_RATE_LIMIT_WINDOW"  envDefault:"60s"`
	RateLimitMax     int           `env:"CHAT_RATE_LIMIT_MAX"     envDefault:"30"`
	RateLimitBlock   time.Duration `env:"CHAT_RATE_LIMIT_BLOCK"   envDefault:"5m"`
	RedisAddr        string        `env:"CHAT_REDIS_ADDR"         envDefault:"localhost:6379"`
	RedisPassword    string        `env:"CHAT_REDIS_PASSWORD"`
	RedisDB          int           `env:"CHAT_REDIS_DB"           envDefault:"0"`

	StatsInterval    time.Duration `env:"CHAT_STATS_INTERVAL"     envDefault:"5s"`
	ThroughputWindow time.Duration `env:"CHAT_THROUGHPUT_WINDOW"  envDefault:"60s"`
	MetricsInterval  time.Duration `env:"CHAT_METRICS_INTERVAL"   envDefault:"5s"`

	// /health 路由的 HTTP 限流
	HealthRateLimitMax    int           `env:"CHAT_HEALTH_RATE_LIMIT_MAX"    envDefault:"20"`
	HealthRateLimitWindow time.Duration `env:"CHAT_HEALTH_RATE_LIMIT_WINDOW" envDefault:"60s"`

	HistoryLimit       int           `env:"CHAT_HISTORY_LIMIT"          envDefault:"100"`
	MaxMessagesPerRoom int           `env:"CHAT_MAX_MESSAGES_PER_ROOM"  envDefault:"50"`
	OpTimeout          time.Duration `env:"CHAT_OP_TIMEOUT"             envDefault:"5s"`
	ShutdownTimeout    time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT"       envDefault:"30s"`
}

// Load 解析环境变量并校验
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.RateLimitBackend != LimiterMemory && c.RateLimitBackend != LimiterRedis {
		errs = append(errs, fmt.Errorf("CHAT_RATE_LIMIT_BACKEND must be %q or %q, got %q", LimiterMemory, LimiterRedis, c.RateLimitBackend))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("CHAT_RATE_LIMIT_MAX must be positive"))
	}
	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat interval and timeout must be positive"))
	}
	if c.HealthRateLimitMax <= 0 || c.HealthRateLimitWindow <= 0 {
		errs = append(errs, errors.New("health rate limit max and window must be positive"))
	}
	if c.MaxMessagesPerRoom <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_MESSAGES_PER_ROOM must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Window: c.RateLimitWindow,
		Max:    c.RateLimitMax,
		Block:  c.RateLimitBlock,
	}
}
