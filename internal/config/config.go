package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"quizsync/internal/logging"
	"quizsync/internal/transport/ws"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Mode string `yaml:"mode"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Log    logging.Config `yaml:"log"`
	Client Client         `yaml:"client"`
}

// Client configures the participant and host command line clients.
type Client struct {
	URL                  string  `yaml:"url"`
	APIURL               string  `yaml:"api_url"`
	ConnectTimeout       string  `yaml:"connect_timeout"`
	InvokeTimeout        string  `yaml:"invoke_timeout"`
	HandshakeTimeout     string  `yaml:"handshake_timeout"`
	PingInterval         string  `yaml:"ping_interval"`
	MaxConnectAttempts   int     `yaml:"max_connect_attempts"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	Backoff              Backoff `yaml:"backoff"`
}

type Backoff struct {
	Initial    string  `yaml:"initial"`
	Multiplier float64 `yaml:"multiplier"`
	Max        string  `yaml:"max"`
	Jitter     *bool   `yaml:"jitter"`
}

// Load reads YAML config from path, then applies environment overrides.
// A .env file in the working directory is loaded first when present.
// A missing config file is not an error; defaults and env apply.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Mode, "GIN_MODE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = v
	}
	setString(&cfg.Postgres.URL, "DATABASE_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Client.URL, "QUIZSYNC_URL")
	setString(&cfg.Client.APIURL, "QUIZSYNC_API_URL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// Transport converts the client section into connection manager settings.
// Unset fields keep the ws defaults.
func (c Client) Transport() ws.Config {
	def := ws.DefaultConfig()
	cfg := def
	cfg.URL = c.URL
	cfg.ConnectTimeout = TTLDuration(c.ConnectTimeout, def.ConnectTimeout)
	cfg.InvokeTimeout = TTLDuration(c.InvokeTimeout, def.InvokeTimeout)
	cfg.HandshakeTimeout = TTLDuration(c.HandshakeTimeout, def.HandshakeTimeout)
	cfg.PingInterval = TTLDuration(c.PingInterval, def.PingInterval)
	if c.MaxConnectAttempts > 0 {
		cfg.MaxConnectAttempts = c.MaxConnectAttempts
	}
	if c.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	cfg.Backoff.InitialDelay = TTLDuration(c.Backoff.Initial, def.Backoff.InitialDelay)
	cfg.Backoff.MaxDelay = TTLDuration(c.Backoff.Max, def.Backoff.MaxDelay)
	if c.Backoff.Multiplier >= 1 {
		cfg.Backoff.Multiplier = c.Backoff.Multiplier
	}
	if c.Backoff.Jitter != nil {
		cfg.Backoff.Jitter = *c.Backoff.Jitter
	}
	return cfg
}
