package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr           string        `yaml:"addr"`           // ":8080"
	ReadTimeout    time.Duration `yaml:"readTimeout"`    // "10s"
	WriteTimeout   time.Duration `yaml:"writeTimeout"`   // "15s"
	IdleTimeout    time.Duration `yaml:"idleTimeout"`    // "60s"
	AllowedOrigins []string      `yaml:"allowedOrigins"` // CORS для /rooms/*
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // chat-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
}

type Redis struct {
	URL        string        `yaml:"url"`        // redis://localhost:6379/0
	BindingTTL time.Duration `yaml:"bindingTTL"` // сколько живёт привязка без heartbeat
}

type Chat struct {
	MaxContentLength int           `yaml:"maxContentLength"`
	EditWindow       time.Duration `yaml:"editWindow"`
	FrameTimeout     time.Duration `yaml:"frameTimeout"`
}

type Delivery struct {
	PushTimeout    time.Duration `yaml:"pushTimeout"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
}

type WS struct {
	PingEvery time.Duration `yaml:"pingEvery"`
	ReadLimit int64         `yaml:"readLimit"`
	SendQueue int           `yaml:"sendQueue"`
}

type Auth struct {
	PublicKeyPath string        `yaml:"publicKeyPath"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Chat     Chat     `yaml:"chat"`
	Delivery Delivery `yaml:"delivery"`
	WS       WS       `yaml:"ws"`
	Auth     Auth     `yaml:"auth"`
}

// LoadConfig читает .env (если есть), затем YAML из CONFIG_PATH
// и накладывает переопределения из окружения.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"HTTP_ADDR":    &c.HTTP.Addr,
		"GRPC_ADDR":    &c.GRPC.Addr,
		"POSTGRES_DSN": &c.Postgres.DSN,
		"REDIS_URL":    &c.Redis.URL,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.PublicKeyPath == "" {
		return errors.New("auth.publicKeyPath is required")
	}
	if c.Auth.ClockSkew < 0 || c.Auth.ClockSkew > time.Minute {
		return errors.New("auth.clockSkew must be in [0..1m]")
	}
	if c.Chat.MaxContentLength < 0 {
		return errors.New("chat.maxContentLength must be >= 0")
	}

	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "chat-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	c.HTTP.ReadTimeout = durationOr(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.WriteTimeout = durationOr(c.HTTP.WriteTimeout, 15*time.Second)
	c.HTTP.IdleTimeout = durationOr(c.HTTP.IdleTimeout, 60*time.Second)
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	c.Redis.BindingTTL = durationOr(c.Redis.BindingTTL, 2*time.Minute)

	if c.Chat.MaxContentLength == 0 {
		c.Chat.MaxContentLength = 4000
	}
	c.Chat.EditWindow = durationOr(c.Chat.EditWindow, 15*time.Minute)
	c.Chat.FrameTimeout = durationOr(c.Chat.FrameTimeout, 10*time.Second)

	c.Delivery.PushTimeout = durationOr(c.Delivery.PushTimeout, 5*time.Second)
	if c.Delivery.MaxConcurrency <= 0 {
		c.Delivery.MaxConcurrency = 32
	}

	c.WS.PingEvery = durationOr(c.WS.PingEvery, 15*time.Second)
	if c.WS.ReadLimit <= 0 {
		c.WS.ReadLimit = 1 << 20
	}
	if c.WS.SendQueue <= 0 {
		c.WS.SendQueue = 64
	}

	// привязка должна пережить хотя бы пару пропущенных ping
	if c.Redis.BindingTTL < 2*c.WS.PingEvery {
		return errors.New("redis.bindingTTL must be >= 2*ws.pingEvery")
	}

	return nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
