package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGatewayURL  = "http://localhost:8000"
	DefaultLogDir      = "logs"
	DefaultDBPath      = "studychat.db"
	DefaultRevealDelay = 20 * time.Millisecond
	DefaultCallTimeout = 60 * time.Second
	DefaultWordWrap    = 80
	DefaultTitleLimit  = 30
	DefaultCacheTTL    = 10 * time.Minute
)

// Config holds application configuration
type Config struct {
	GatewayURL string `yaml:"gateway_url"`

	// AgentURL optionally sends agent calls to another endpoint; ws:// and
	// wss:// URLs use the JSON-RPC transport
	AgentURL  string `yaml:"agent_url"`
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id"`
	Debug     bool   `yaml:"debug"`

	LogDir string `yaml:"log_dir"`
	DBPath string `yaml:"db_path"`

	RevealDelay    time.Duration `yaml:"reveal_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	PersistRetries int           `yaml:"persist_retries"`
	TitleLimit     int           `yaml:"title_limit"`

	// CacheUploads reuses the remote id of an identical attachment instead of
	// uploading it again; off by default so every turn persists its resources
	CacheUploads bool          `yaml:"cache_uploads"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	// Style is a glamour style name; empty or "auto" picks one from the terminal
	Style    string `yaml:"style"`
	WordWrap int    `yaml:"word_wrap"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		GatewayURL:  DefaultGatewayURL,
		LogDir:      DefaultLogDir,
		DBPath:      DefaultDBPath,
		RevealDelay: DefaultRevealDelay,
		CallTimeout: DefaultCallTimeout,
		Style:       "auto",
		WordWrap:    DefaultWordWrap,
		TitleLimit:  DefaultTitleLimit,
		CacheTTL:    DefaultCacheTTL,
	}
}

// LoadFile reads a YAML file over the defaults. Keys missing from the file
// keep their default value.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if err := checkURL(c.GatewayURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("gateway url: %w", err))
	}
	if c.AgentURL != "" {
		if err := checkURL(c.AgentURL, "http", "https", "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("agent url: %w", err))
		}
	}
	if c.RevealDelay < 0 {
		errs = append(errs, errors.New("reveal delay must not be negative"))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call timeout must not be negative"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if c.PersistRetries < 0 {
		errs = append(errs, errors.New("persist retries must not be negative"))
	}
	return errors.Join(errs...)
}

// AgentOverWebSocket reports whether agent calls use the JSON-RPC transport
func (c Config) AgentOverWebSocket() bool {
	return strings.HasPrefix(c.AgentURL, "ws://") || strings.HasPrefix(c.AgentURL, "wss://")
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
