package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	AppName = "termfolio"

	DefaultBindAddr     = "0.0.0.0"
	DefaultPort         = 2222
	DefaultTermType     = "xterm-256color"
	DefaultRows         = 24
	DefaultCols         = 80
	DefaultMaxSessions  = 32
	DefaultIdleTimeout  = 15 * time.Minute
	DefaultGraceTimeout = 10 * time.Second
	DefaultAcceptRate   = 10.0
	DefaultAcceptBurst  = 20

	EnvPrefix    = "TERMFOLIO"
	EnvConfigDir = "TERMFOLIO_CONFIG_DIR"
	EnvDataDir   = "TERMFOLIO_DATA_DIR"
)

// Config is the externally supplied configuration surface of the server.
// Values are resolved in order: defaults, config.json, environment
// (TERMFOLIO_* via envconfig), command line flags.
type Config struct {
	BindAddr    string        `envconfig:"BIND_ADDR"`
	Port        int           `envconfig:"PORT"`
	HostKeyPath string        `envconfig:"HOST_KEY"`
	AppCommand  string        `envconfig:"APP"`
	AppArgs     []string      `envconfig:"APP_ARGS"`
	MaxSessions int           `envconfig:"MAX_SESSIONS"`
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT"`
	// MaxSessionAge bounds the total lifetime of a session, zero disables.
	MaxSessionAge time.Duration `envconfig:"MAX_SESSION_AGE"`
	GraceTimeout  time.Duration `envconfig:"GRACE_TIMEOUT"`
	AcceptRate    float64       `envconfig:"ACCEPT_RATE"`
	AcceptBurst   int           `envconfig:"ACCEPT_BURST"`
	// FilterTermReplies strips terminal capability query replies from the
	// application's output before it reaches the remote channel. Needed
	// because the portfolio renderer probes the terminal in ways that
	// corrupt output over a non-local PTY.
	FilterTermReplies bool `envconfig:"FILTER_TERM_REPLIES"`
	// Banner is sent to clients during the handshake. Empty selects the
	// built-in greeting, "none" suppresses it.
	Banner   string     `envconfig:"BANNER"`
	LogLevel slog.Level `envconfig:"LOG_LEVEL"`
	LogFile  string     `envconfig:"LOG_FILE"`

	ConfigDir string `json:"-" ignored:"true"`
	DataDir   string `json:"-" ignored:"true"`

	Help bool `json:"-" ignored:"true"`
}

func NewDefaultConfig() *Config {
	configDir, _ := UserConfigDir()
	dataDir, _ := UserDataDir()
	return &Config{
		BindAddr:          DefaultBindAddr,
		Port:              DefaultPort,
		HostKeyPath:       filepath.Join(dataDir, "host_key"),
		MaxSessions:       DefaultMaxSessions,
		IdleTimeout:       DefaultIdleTimeout,
		GraceTimeout:      DefaultGraceTimeout,
		AcceptRate:        DefaultAcceptRate,
		AcceptBurst:       DefaultAcceptBurst,
		FilterTermReplies: true,
		LogLevel:          slog.LevelInfo,
		ConfigDir:         configDir,
		DataDir:           dataDir,
	}
}

// Load resolves the configuration from configDir, creating an initial
// config.json on first run.
func (c *Config) Load(configDir string) error {
	*c = *NewDefaultConfig()
	if configDir == "" {
		configDir, _ = UserConfigDir()
	}
	if configDir == "" {
		return fmt.Errorf("failed to determine config directory")
	}
	c.ConfigDir = configDir
	err := EnsureDir(c.ConfigDir)
	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	if err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}
	if cfgFileInfo, err := os.Stat(cfgPath); err == nil && cfgFileInfo.IsDir() {
		return fmt.Errorf("config file path is a directory")
	} else if err == nil {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err = json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	} else if os.IsNotExist(err) {
		// Create initial config file
		if err := c.Save(); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("failed to stat config path: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}

	return c.Validate()
}

// Save writes the config to disk
func (c *Config) Save() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config directory not set")
	}

	if err := EnsureDir(c.ConfigDir); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}

	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects values no server could run with.
func (c *Config) Validate() error {
	// Same range the flag parser enforces; 0 (ephemeral) is not a port a
	// deployment can advertise.
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.IdleTimeout < 0 || c.MaxSessionAge < 0 || c.GraceTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.AcceptRate <= 0 || c.AcceptBurst < 1 {
		return fmt.Errorf("invalid accept rate limit: rate=%v burst=%d", c.AcceptRate, c.AcceptBurst)
	}
	return nil
}
