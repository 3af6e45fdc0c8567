package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 8080
	DefaultSendBuffer       = 64
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageSize   = 1024
	DefaultMaxConnections   = 1024
	DefaultReadRate         = 20
	DefaultReadBurst        = 40
	DefaultMaxFailures      = 5
	DefaultFailureTTL       = time.Minute
)

// Config holds the configuration parsed from the `server:` section of
// config.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the WebSocket endpoint, ingest route, and
	// status API listen on (default 8080).
	HTTPPort int `yaml:"http_port" env:"PULSEFEED_HTTP_PORT"`

	// Auth configures how connecting WebSocket clients are authenticated.
	Auth AuthConfig `yaml:"auth"`

	// Ingest configures authentication on the HTTP event ingest route.
	Ingest IngestConfig `yaml:"ingest"`

	// Hub controls per-connection queue depth, timeouts, and limits.
	Hub HubConfig `yaml:"hub"`

	// Webhooks are optional HTTP targets that receive every published
	// event in addition to the connected WebSocket clients.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AuthConfig controls the WebSocket auth handshake.
type AuthConfig struct {
	// Mode is one of: jwt | none. In "none" mode the identity fields of
	// the auth frame are trusted as-is; in "jwt" mode the frame must carry
	// a signed token.
	Mode string `yaml:"mode" env:"PULSEFEED_AUTH_MODE"`

	// SecretEnv is the name of the environment variable holding the HS256
	// signing secret. Used when Mode == "jwt".
	SecretEnv string `yaml:"secret_env"`

	// MaxFailures is how many failed handshakes from one remote address
	// are tolerated within FailureTTL before further attempts are refused.
	MaxFailures int `yaml:"max_failures"`

	// FailureTTL is the sliding window for MaxFailures (default 1m).
	FailureTTL time.Duration `yaml:"failure_ttl"`
}

// Secret returns the JWT signing secret resolved from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// IngestConfig controls authentication on POST /api/v1/events.
type IngestConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" env:"PULSEFEED_INGEST_MODE"`

	// KeyEnv is the name of the environment variable holding the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header the key is read from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (i IngestConfig) Key() string {
	if i.KeyEnv == "" {
		return ""
	}
	return os.Getenv(i.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (i IngestConfig) EffectiveHeader() string {
	if i.Header != "" {
		return i.Header
	}
	return "x-api-key"
}

// HubConfig controls per-connection behaviour. Changes picked up by a
// config reload apply to connections accepted after the reload.
type HubConfig struct {
	// SendBuffer is the per-connection outbound queue depth. When a
	// connection's queue is full at publish time the connection is closed
	// as unresponsive (default 64).
	SendBuffer int `yaml:"send_buffer"`

	// WriteTimeout is the deadline for a single write to a client.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PongWait is how long to wait for a pong before treating the
	// connection as dead.
	PongWait time.Duration `yaml:"pong_wait"`

	// HandshakeTimeout is how long a new connection may take to send its
	// auth frame before it is dropped.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxMessageSize is the maximum inbound frame size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// MaxConnections caps concurrent WebSocket connections; further
	// upgrade requests are rejected with 503 (default 1024).
	MaxConnections int `yaml:"max_connections" env:"PULSEFEED_MAX_CONNECTIONS"`

	// ReadRate and ReadBurst bound inbound frames per connection per
	// second; frames beyond the limit are discarded.
	ReadRate  float64 `yaml:"read_rate"`
	ReadBurst int     `yaml:"read_burst"`
}

// WebhookConfig defines one outbound event delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults, environment overrides (PULSEFEED_*) are applied on top,
// and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("server config: env overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Auth: AuthConfig{
				Mode:        "none",
				MaxFailures: DefaultMaxFailures,
				FailureTTL:  DefaultFailureTTL,
			},
			Ingest: IngestConfig{
				Mode: "none",
			},
			Hub: HubConfig{
				SendBuffer:       DefaultSendBuffer,
				WriteTimeout:     DefaultWriteTimeout,
				PongWait:         DefaultPongWait,
				HandshakeTimeout: DefaultHandshakeTimeout,
				MaxMessageSize:   DefaultMaxMessageSize,
				MaxConnections:   DefaultMaxConnections,
				ReadRate:         DefaultReadRate,
				ReadBurst:        DefaultReadBurst,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "jwt", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want jwt|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.Auth.Mode == "jwt" && cfg.Server.Auth.SecretEnv == "" {
		return fmt.Errorf("server.auth.secret_env is required when mode is jwt")
	}
	switch cfg.Server.Ingest.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.ingest.mode %q unknown: want apikey|none", cfg.Server.Ingest.Mode)
	}
	h := cfg.Server.Hub
	if h.SendBuffer <= 0 {
		return fmt.Errorf("server.hub.send_buffer must be positive")
	}
	if h.MaxConnections <= 0 {
		return fmt.Errorf("server.hub.max_connections must be positive")
	}
	if h.WriteTimeout <= 0 || h.PongWait <= 0 || h.HandshakeTimeout <= 0 {
		return fmt.Errorf("server.hub timeouts must be positive")
	}
	if h.MaxMessageSize <= 0 {
		return fmt.Errorf("server.hub.max_message_size must be positive")
	}
	if h.ReadRate <= 0 || h.ReadBurst <= 0 {
		return fmt.Errorf("server.hub.read_rate and read_burst must be positive")
	}
	for i, w := range cfg.Server.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("server.webhooks[%d].type %q unknown: want slack|teams|http", i, w.Type)
		}
		if w.URLEnv == "" {
			return fmt.Errorf("server.webhooks[%d].url_env is required", i)
		}
	}
	return nil
}
