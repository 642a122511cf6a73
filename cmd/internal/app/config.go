package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"CHAT_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"CHAT_LOG_LEVEL,default=info"`
	LogFormat string `env:"CHAT_LOG_FORMAT,default=json"` // json | text | pretty

	ReadHeaderTimeout time.Duration `env:"CHAT_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"CHAT_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"CHAT_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"CHAT_HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes    int           `env:"CHAT_HTTP_MAX_HEADER_BYTES,default=1048576"`
	MaxBodyBytes      int           `env:"CHAT_HTTP_MAX_BODY_BYTES,default=1048576"`

	// Empty selects the in-memory store.
	DatabaseURL   string `env:"CHAT_DATABASE_URL"`
	DBSchema      string `env:"CHAT_DB_SCHEMA,default=courier"`
	DBMaxConns    int    `env:"CHAT_DB_MAX_CONNS,default=10"`
	DBMinConns    int    `env:"CHAT_DB_MIN_CONNS,default=0"`
	DBAutoMigrate bool   `env:"CHAT_DB_AUTO_MIGRATE,default=false"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"CHAT_READINESS_REQUIRE_DB,default=false"`

	JWTSecret    string        `env:"CHAT_JWT_SECRET,required=true"`
	JWTIssuer    string        `env:"CHAT_JWT_ISSUER,default=courier"`
	JWTClockSkew time.Duration `env:"CHAT_JWT_CLOCK_SKEW,default=30s"`

	BotUserID           string        `env:"CHAT_BOT_USER_ID,default=courier-bot"`
	AdminRole           string        `env:"CHAT_ADMIN_ROLE,default=admin"`
	StoreTimeout        time.Duration `env:"CHAT_STORE_TIMEOUT,default=5s"`
	DispatchConcurrency int           `env:"CHAT_DISPATCH_CONCURRENCY,default=16"`
	PreviewMessages     int           `env:"CHAT_PREVIEW_MESSAGES,default=25"`

	// Comma-separated origin allowlist; "*" allows any origin. Empty means localhost only.
	WSAllowedOrigins    string        `env:"CHAT_WS_ALLOWED_ORIGINS"`
	WSOriginRequired    bool          `env:"CHAT_WS_ORIGIN_REQUIRED,default=true"`
	WSDevInsecure       bool          `env:"CHAT_WS_DEV_INSECURE,default=false"`
	WSSendQueueSize     int           `env:"CHAT_WS_SEND_QUEUE,default=256"`
	WSHeartbeatInterval time.Duration `env:"CHAT_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout  time.Duration `env:"CHAT_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSRateEvents        int           `env:"CHAT_WS_RATE_EVENTS,default=120"`
	WSRateWindow        time.Duration `env:"CHAT_WS_RATE_WINDOW,default=10s"`

	// Comma-separated; entries may end in ":*" to allow any port.
	CORSAllowedOrigins   string `env:"CHAT_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool   `env:"CHAT_CORS_ALLOW_CREDENTIALS,default=false"`
	CORSMaxAgeSeconds    int    `env:"CHAT_CORS_MAX_AGE_SECONDS,default=600"`
}

// LoadConfig loads Config from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 {
		return errors.New("config: negative db pool size")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return errors.New("config: CHAT_DB_MIN_CONNS exceeds CHAT_DB_MAX_CONNS")
	}
	if strings.TrimSpace(c.BotUserID) == "" {
		return errors.New("config: CHAT_BOT_USER_ID is required")
	}
	if strings.TrimSpace(c.AdminRole) == "" {
		return errors.New("config: CHAT_ADMIN_ROLE is required")
	}
	return ValidateSecurityConfig(c)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
