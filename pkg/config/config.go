package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "lmabridge.toml"

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type BrowserConfig struct {
	Headless bool   `toml:"headless"`
	ExecPath string `toml:"exec_path,omitempty"`
	// ChallengeTimeoutSeconds bounds the wait for the Cloudflare interstitial
	// to clear during credential acquisition.
	ChallengeTimeoutSeconds int `toml:"challenge_timeout_seconds,omitempty"`
}

type RelayConfig struct {
	// ClaimTimeoutSeconds bounds how long a request waits for the userscript
	// agent to pick up a queued job.
	ClaimTimeoutSeconds int `toml:"claim_timeout_seconds,omitempty"`
	// LivenessWindowSeconds is how recently the agent must have polled for
	// the orchestrator to route relay-first.
	LivenessWindowSeconds int `toml:"liveness_window_seconds,omitempty"`
}

type ServerConfig struct {
	ListenAddr             string        `toml:"listen_addr"`
	DataDir                string        `toml:"data_dir"`
	LogLevel               string        `toml:"log_level"`
	UpstreamTimeoutSeconds int           `toml:"upstream_timeout_seconds"`
	Browser                BrowserConfig `toml:"browser"`
	Relay                  RelayConfig   `toml:"relay"`
	TLS                    TLSConfig     `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "lmabridge", defaultConfigFileName)
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "lmabridge")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "lmabridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:             "127.0.0.1:8000",
		DataDir:                DefaultDataDir(),
		LogLevel:               "info",
		UpstreamTimeoutSeconds: 120,
		Browser: BrowserConfig{
			Headless:                true,
			ChallengeTimeoutSeconds: 45,
		},
		Relay: RelayConfig{
			ClaimTimeoutSeconds:   15,
			LivenessWindowSeconds: 10,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes the default config on first run.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8000"
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		c.UpstreamTimeoutSeconds = 120
	}
	if c.Browser.ChallengeTimeoutSeconds <= 0 {
		c.Browser.ChallengeTimeoutSeconds = 45
	}
	if c.Relay.ClaimTimeoutSeconds <= 0 {
		c.Relay.ClaimTimeoutSeconds = 15
	}
	if c.Relay.LivenessWindowSeconds <= 0 {
		c.Relay.LivenessWindowSeconds = 10
	}
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return errors.New("tls.domain is required when tls.enabled is set")
	}
	return nil
}

// StatePath is where the mutable bridge state document lives.
func (c *ServerConfig) StatePath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// ModelsPath is where the model catalog snapshot lives.
func (c *ServerConfig) ModelsPath() string {
	return filepath.Join(c.DataDir, "models.json")
}
