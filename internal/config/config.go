package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of both commands.
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ClientConfig configures the sync client used by `connect`.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Token          string        `yaml:"token"`
	UserID         string        `yaml:"user_id"`
	UserName       string        `yaml:"user_name"`
	PageSize       int           `yaml:"page_size"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	RetryMax       int           `yaml:"retry_max"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	Typing         TypingConfig  `yaml:"typing"`
}

// TypingConfig holds the typing indicator windows.
type TypingConfig struct {
	SendWindow time.Duration `yaml:"send_window"`
	IdleStop   time.Duration `yaml:"idle_stop"`
	Expiry     time.Duration `yaml:"expiry"`
}

// User is the identity a static token resolves to.
type User struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ServerConfig configures the reference backend started by `serve`.
type ServerConfig struct {
	Addr         string          `yaml:"addr"`
	DBDriver     string          `yaml:"db_driver"`
	DBDSN        string          `yaml:"db_dsn"`
	Tokens       map[string]User `yaml:"tokens"`
	AMQPURL      string          `yaml:"amqp_url"`
	AMQPExchange string          `yaml:"amqp_exchange"`
	EditWindow   time.Duration   `yaml:"edit_window"`
	Environment  string          `yaml:"environment"`
	Debug        bool            `yaml:"debug"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig enables the OTLP exporter when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration that runs locally without a file.
func Default() Config {
	return Config{
		Client: ClientConfig{
			BaseURL:        "http://localhost:8080",
			WSURL:          "ws://localhost:8080/ws",
			PageSize:       50,
			HTTPTimeout:    10 * time.Second,
			RetryMax:       3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			Typing: TypingConfig{
				SendWindow: 3 * time.Second,
				IdleStop:   3 * time.Second,
				Expiry:     5 * time.Second,
			},
		},
		Server: ServerConfig{
			Addr:         ":8080",
			DBDriver:     "sqlite3",
			DBDSN:        "file:chat.db?_foreign_keys=on",
			AMQPExchange: "chat.audit",
			EditWindow:   15 * time.Minute,
			Environment:  "local",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			ServiceName: "chat-sync",
		},
	}
}

// Load reads .env, then the YAML file at path (a missing file is not an
// error), then CHAT_* environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "parse config %s", path)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the commands cannot run with.
func (c Config) Validate() error {
	if c.Client.PageSize <= 0 {
		return errors.New("client.page_size must be positive")
	}
	if c.Client.PingPeriod >= c.Client.PongWait {
		return errors.New("client.ping_period must be shorter than client.pong_wait")
	}
	switch c.Server.DBDriver {
	case "postgres", "sqlite3":
	default:
		return errors.Errorf("server.db_driver %q is not supported", c.Server.DBDriver)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s", key)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s", key)
		}
		*dst = d
		return nil
	}

	str("CHAT_CLIENT_BASE_URL", &cfg.Client.BaseURL)
	str("CHAT_CLIENT_WS_URL", &cfg.Client.WSURL)
	str("CHAT_CLIENT_TOKEN", &cfg.Client.Token)
	str("CHAT_CLIENT_USER_ID", &cfg.Client.UserID)
	str("CHAT_CLIENT_USER_NAME", &cfg.Client.UserName)
	str("CHAT_SERVER_ADDR", &cfg.Server.Addr)
	str("CHAT_SERVER_DB_DRIVER", &cfg.Server.DBDriver)
	str("CHAT_SERVER_DB_DSN", &cfg.Server.DBDSN)
	str("CHAT_SERVER_AMQP_URL", &cfg.Server.AMQPURL)
	str("CHAT_SERVER_AMQP_EXCHANGE", &cfg.Server.AMQPExchange)
	str("CHAT_SERVER_ENVIRONMENT", &cfg.Server.Environment)
	str("CHAT_LOG_LEVEL", &cfg.Log.Level)
	str("CHAT_LOG_FORMAT", &cfg.Log.Format)
	str("CHAT_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	str("CHAT_TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)

	for _, step := range []error{
		integer("CHAT_CLIENT_PAGE_SIZE", &cfg.Client.PageSize),
		integer("CHAT_CLIENT_RETRY_MAX", &cfg.Client.RetryMax),
		duration("CHAT_CLIENT_HTTP_TIMEOUT", &cfg.Client.HTTPTimeout),
		duration("CHAT_CLIENT_INITIAL_BACKOFF", &cfg.Client.InitialBackoff),
		duration("CHAT_CLIENT_MAX_BACKOFF", &cfg.Client.MaxBackoff),
		duration("CHAT_SERVER_EDIT_WINDOW", &cfg.Server.EditWindow),
	} {
		if step != nil {
			return step
		}
	}

	if v, ok := os.LookupEnv("CHAT_SERVER_DEBUG"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(err, "parse CHAT_SERVER_DEBUG")
		}
		cfg.Server.Debug = b
	}

	if v, ok := os.LookupEnv("CHAT_SERVER_TOKENS"); ok {
		tokens, err := ParseTokens(v)
		if err != nil {
			return err
		}
		cfg.Server.Tokens = tokens
	}
	return nil
}

// ParseTokens reads "token=userID[:name],..." into a token table.
func ParseTokens(v string) (map[string]User, error) {
	out := make(map[string]User)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, user, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			return nil, errors.Errorf("invalid token entry %q", part)
		}
		id, name, _ := strings.Cut(user, ":")
		out[strings.TrimSpace(token)] = User{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)}
	}
	return out, nil
}
