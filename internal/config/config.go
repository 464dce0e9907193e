// Package config loads daemon settings.
//
// Values come from, in increasing priority: built-in defaults, the YAML
// file (~/.shepherd/config.yaml unless another path is given), then
// SHEPHERD_* environment variables. Command-line flags are applied by the
// caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/peterje/shepherd/internal/db"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SHEPHERD"

type Config struct {
	// DataDir holds the socket, pid file, database, log and TLS cache.
	DataDir    string `yaml:"data_dir" envconfig:"DATA_DIR"`
	SocketPath string `yaml:"socket" envconfig:"SOCKET"`
	PIDPath    string `yaml:"pid_file" envconfig:"PID_FILE"`
	DBPath     string `yaml:"db" envconfig:"DB_PATH"`

	// HTTPAddr enables the HTTP/WebSocket surface when set.
	HTTPAddr string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	// TunnelAddr enables the raw TCP tunnel listener when set.
	TunnelAddr string `yaml:"tunnel_addr" envconfig:"TUNNEL_ADDR"`
	// Token guards every network surface. Empty disables auth, which is
	// only accepted for loopback addresses.
	Token   string `yaml:"token" envconfig:"AUTH_TOKEN"`
	TLS     bool   `yaml:"tls" envconfig:"TLS_ENABLED"`
	TLSCert string `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" envconfig:"TLS_KEY"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFile  string `yaml:"log_file" envconfig:"LOG_FILE"`
	LogJSON  bool   `yaml:"log_json" envconfig:"LOG_JSON"`

	Shell string `yaml:"shell" envconfig:"DEFAULT_SHELL"`
	Term  string `yaml:"term" envconfig:"DEFAULT_TERM"`

	ReadBufferSize int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	PollInterval   time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	QueueCapacity  int           `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY"`
	TerminateGrace time.Duration `yaml:"terminate_grace" envconfig:"TERMINATE_GRACE"`

	// ReapSchedule is a cron spec for removing stopped sessions and idle
	// polling clients.
	ReapSchedule   string        `yaml:"reap_schedule" envconfig:"REAP_SCHEDULE"`
	RPCIdleTimeout time.Duration `yaml:"rpc_idle_timeout" envconfig:"RPC_IDLE_TIMEOUT"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	AuthTimeout    time.Duration `yaml:"auth_timeout" envconfig:"AUTH_TIMEOUT"`
	ChannelTimeout time.Duration `yaml:"channel_timeout" envconfig:"CHANNEL_TIMEOUT"`
	CloseTimeout   time.Duration `yaml:"close_timeout" envconfig:"CLOSE_TIMEOUT"`
	KnownHosts     string        `yaml:"known_hosts" envconfig:"KNOWN_HOSTS"`
	AgentSocket    string        `yaml:"agent_socket" envconfig:"AGENT_SOCKET"`
}

// DefaultPath returns ~/.shepherd/config.yaml.
func DefaultPath() (string, error) {
	dir, err := db.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads path (or DefaultPath when empty), overlays the environment
// and fills defaults. A missing default file is not an error; a missing
// explicit file is.
func Load(path string) (Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() error {
	if c.DataDir == "" {
		dir, err := db.DataDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		c.DataDir = dir
	}
	under := func(field *string, name string) {
		if *field == "" {
			*field = filepath.Join(c.DataDir, name)
		}
	}
	under(&c.SocketPath, "shepherd.sock")
	under(&c.PIDPath, "shepherd.pid")
	under(&c.DBPath, "shepherd.db")

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Term == "" {
		c.Term = "xterm-256color"
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "@every 1m"
	}
	if c.RPCIdleTimeout == 0 {
		c.RPCIdleTimeout = 10 * time.Minute
	}
	if c.AgentSocket == "" {
		c.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	if c.KnownHosts == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	return nil
}

// TLSDir caches the self-signed certificate.
func (c Config) TLSDir() string {
	return filepath.Join(c.DataDir, "tls")
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.ReadBufferSize < 0 || c.QueueCapacity < 0 {
		return errors.New("read_buffer_size and queue_capacity must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":    c.PollInterval,
		"terminate_grace":  c.TerminateGrace,
		"rpc_idle_timeout": c.RPCIdleTimeout,
		"connect_timeout":  c.ConnectTimeout,
		"auth_timeout":     c.AuthTimeout,
		"channel_timeout":  c.ChannelTimeout,
		"close_timeout":    c.CloseTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, err := cron.ParseStandard(c.ReapSchedule); err != nil {
		return fmt.Errorf("reap_schedule: %w", err)
	}
	if c.Token == "" {
		for _, addr := range []string{c.HTTPAddr, c.TunnelAddr} {
			if addr != "" && !loopback(addr) {
				return fmt.Errorf("token is required to listen on %s", addr)
			}
		}
	}
	return nil
}

func loopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
