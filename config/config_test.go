package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
http:
  addr: ":8080"
grpc:
  addr: ":9092"
postgres:
  dsn: "postgres://localhost/chat"
redis:
  url: "redis://localhost:6379/0"
auth:
  publicKeyPath: ./keys/pub.pem
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Chat.MaxContentLength != 4000 {
		t.Fatalf("maxContentLength default: got %d", cfg.Chat.MaxContentLength)
	}
	if cfg.Chat.EditWindow != 15*time.Minute {
		t.Fatalf("editWindow default: got %s", cfg.Chat.EditWindow)
	}
	if cfg.Delivery.MaxConcurrency != 32 || cfg.Delivery.PushTimeout != 5*time.Second {
		t.Fatalf("delivery defaults: %+v", cfg.Delivery)
	}
	if cfg.WS.PingEvery != 15*time.Second || cfg.Redis.BindingTTL != 2*time.Minute {
		t.Fatalf("ws/redis defaults: %+v %+v", cfg.WS, cfg.Redis)
	}
	if cfg.Logging.Service != "chat-service" || cfg.Logging.Backend != "std" {
		t.Fatalf("logging defaults: %+v", cfg.Logging)
	}
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		t.Fatal("cors origins default is empty")
	}
}

func TestParse_DurationsFromYAML(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
chat:
  editWindow: 5m
  frameTimeout: 3s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Chat.EditWindow != 5*time.Minute || cfg.Chat.FrameTimeout != 3*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.Chat)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("POSTGRES_DSN", "postgres://db/chat")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("redis url override: %s", cfg.Redis.URL)
	}
	if cfg.Postgres.DSN != "postgres://db/chat" {
		t.Fatalf("dsn override: %s", cfg.Postgres.DSN)
	}
}

func TestParse_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing redis", strings.Replace(minimalYAML, `url: "redis://localhost:6379/0"`, `url: ""`, 1), "redis.url"},
		{"missing dsn", strings.Replace(minimalYAML, `dsn: "postgres://localhost/chat"`, `dsn: ""`, 1), "postgres.dsn"},
		{"ttl too short", minimalYAML + "\nws:\n  pingEvery: 2m\n", "bindingTTL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("REDIS_URL", "")
			t.Setenv("POSTGRES_DSN", "")
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}
