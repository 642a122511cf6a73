package app

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", testSecret)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected http defaults: %+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.DBSchema != "courier" || cfg.DBMaxConns != 10 {
		t.Fatalf("unexpected db defaults: %+v", cfg)
	}
	if cfg.BotUserID != "courier-bot" || cfg.AdminRole != "admin" {
		t.Fatalf("unexpected chat defaults: %+v", cfg)
	}
	if cfg.StoreTimeout != 5*time.Second || cfg.WSHeartbeatInterval != 25*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", testSecret)
	t.Setenv("CHAT_BOT_USER_ID", "system")
	t.Setenv("CHAT_DISPATCH_CONCURRENCY", "4")
	t.Setenv("CHAT_STORE_TIMEOUT", "750ms")
	t.Setenv("CHAT_WS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BotUserID != "system" || cfg.DispatchConcurrency != 4 || cfg.StoreTimeout != 750*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	gw := gatewayConfig(cfg)
	if len(gw.AllowedOrigins) != 2 || gw.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("origins=%v", gw.AllowedOrigins)
	}
	if gw.AdminRole != "admin" {
		t.Fatalf("admin role=%q", gw.AdminRole)
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "")

	cfg, err := LoadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err == nil {
		t.Fatal("expected an error without CHAT_JWT_SECRET")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{
		LogFormat:  "json",
		JWTSecret:  testSecret,
		JWTIssuer:  "courier",
		BotUserID:  "courier-bot",
		AdminRole:  "admin",
		DBMaxConns: 10,
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "pool sizes", mutate: func(c *Config) { c.DBMinConns = 20 }, wantErr: "CHAT_DB_MIN_CONNS"},
		{name: "bot", mutate: func(c *Config) { c.BotUserID = " " }, wantErr: "CHAT_BOT_USER_ID"},
		{name: "admin role", mutate: func(c *Config) { c.AdminRole = "" }, wantErr: "CHAT_ADMIN_ROLE"},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "too short"},
		{name: "issuer", mutate: func(c *Config) { c.JWTIssuer = "" }, wantErr: "CHAT_JWT_ISSUER"},
		{name: "dev insecure", mutate: func(c *Config) { c.WSDevInsecure = true; c.WSOriginRequired = true }, wantErr: "CHAT_WS_DEV_INSECURE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitList=%v", got)
	}
	if len(splitList("")) != 0 {
		t.Fatal("empty input must yield no entries")
	}
}
