package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full server configuration, loaded from the environment with
// an optional .env file on top of these defaults.
type Config struct {
	Addr string `env:"SSE_ADDR" envDefault:":3002"`

	StreamPath      string `env:"SSE_STREAM_PATH" envDefault:"/event-stream"`
	HeartbeatPath   string `env:"SSE_HEARTBEAT_PATH" envDefault:"/event-heartbeat"`
	SubscribersPath string `env:"SSE_SUBSCRIBERS_PATH" envDefault:"/event-subscribers"`
	PublishPath     string `env:"SSE_PUBLISH_PATH" envDefault:"/event-publish"`
	UnregisterPath  string `env:"SSE_UNREGISTER_PATH" envDefault:"/event-unregister"`

	// IdleTimeout is how long a subscription may go without a heartbeat
	// before the next publish that reaches it reaps it.
	IdleTimeout       time.Duration `env:"SSE_IDLE_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"10s"`

	NotifyJoinLeave bool `env:"SSE_NOTIFY_JOIN_LEAVE" envDefault:"true"`
	HeartbeatAck    bool `env:"SSE_HEARTBEAT_ACK" envDefault:"true"`

	// Publish endpoint rate limit, events per second with a burst.
	PublishRate  float64 `env:"SSE_PUBLISH_RATE" envDefault:"100"`
	PublishBurst int     `env:"SSE_PUBLISH_BURST" envDefault:"200"`

	ReadTimeout  time.Duration `env:"SSE_READ_TIMEOUT" envDefault:"10s"`
	IdleConnTime time.Duration `env:"SSE_IDLE_CONN_TIMEOUT" envDefault:"120s"`

	NATS NATSConfig `envPrefix:"NATS_"`
	Auth AuthConfig `envPrefix:"JWT_"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NATSConfig configures the inbound event bridge. An empty URL disables it.
type NATSConfig struct {
	URL             string        `env:"URL"`
	SubjectPrefix   string        `env:"SUBJECT_PREFIX" envDefault:"sse"`
	MaxReconnects   int           `env:"MAX_RECONNECTS" envDefault:"10"`
	ReconnectWait   time.Duration `env:"RECONNECT_WAIT" envDefault:"1s"`
	ReconnectJitter time.Duration `env:"RECONNECT_JITTER" envDefault:"200ms"`
	MaxPingsOut     int           `env:"MAX_PINGS_OUT" envDefault:"3"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"10s"`
}

// AuthConfig configures JWT session resolution.
type AuthConfig struct {
	Secret     string        `env:"SECRET" envDefault:"dev-secret-change-in-production"`
	Expiration time.Duration `env:"EXPIRATION" envDefault:"1h"`

	// RequirePublishAuth gates the publish endpoint behind a valid token.
	RequirePublishAuth bool `env:"REQUIRE_PUBLISH_AUTH" envDefault:"false"`

	// EnableTokenEndpoint serves /auth/token for development.
	EnableTokenEndpoint bool `env:"ENABLE_TOKEN_ENDPOINT" envDefault:"false"`
}

// Load reads .env (if present) and the environment into a Config.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("SSE_IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval >= c.IdleTimeout {
		return fmt.Errorf("SSE_HEARTBEAT_INTERVAL (%s) must be below SSE_IDLE_TIMEOUT (%s)",
			c.HeartbeatInterval, c.IdleTimeout)
	}
	if c.PublishRate <= 0 {
		return fmt.Errorf("SSE_PUBLISH_RATE must be positive, got %g", c.PublishRate)
	}
	if c.PublishBurst <= 0 {
		return fmt.Errorf("SSE_PUBLISH_BURST must be positive, got %d", c.PublishBurst)
	}
	return nil
}
