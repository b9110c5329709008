// Package config handles tether configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/nugget/tether/internal/connwatch"
	"github.com/nugget/tether/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./tether.yaml, ./tether.toml, ~/.config/tether/config.yaml,
// ~/.config/tether/config.toml, /etc/tether/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tether.yaml", "tether.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "tether", "config.yaml"),
			filepath.Join(home, ".config", "tether", "config.toml"),
		)
	}

	paths = append(paths, "/etc/tether/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tether configuration.
type Config struct {
	Peer       PeerConfig       `yaml:"peer" toml:"peer"`
	Client     ClientConfig     `yaml:"client" toml:"client"`
	Reconnect  ReconnectConfig  `yaml:"reconnect" toml:"reconnect"`
	MQTT       MQTTConfig       `yaml:"mqtt" toml:"mqtt"`
	PeerServer PeerServerConfig `yaml:"peer_server" toml:"peer_server"`
	DataDir    string           `yaml:"data_dir" toml:"data_dir"`
	LogLevel   string           `yaml:"log_level" toml:"log_level"`
	LogFormat  string           `yaml:"log_format" toml:"log_format"` // text or json
}

// PeerConfig says where the backend is and how to authenticate to it.
// Exactly one of URL or Command selects the transport.
type PeerConfig struct {
	// URL is the WebSocket endpoint (http, https, ws or wss).
	URL string `yaml:"url" toml:"url"`
	// TokenParam is the query parameter carrying the credential (default: token).
	TokenParam string `yaml:"token_param" toml:"token_param"`

	// Command launches a peer subprocess speaking newline-delimited frames.
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Env     []string `yaml:"env" toml:"env"`
	// TokenEnv is the variable the subprocess reads its credential from
	// (default: TETHER_TOKEN).
	TokenEnv string `yaml:"token_env" toml:"token_env"`

	// At most one credential source may be set.
	Token     string      `yaml:"token" toml:"token"`
	TokenFile string      `yaml:"token_file" toml:"token_file"`
	OAuth     OAuthConfig `yaml:"oauth" toml:"oauth"`
}

// OAuthConfig configures a client-credentials token source.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
	// RefreshMargin is how long before expiry a fresh token is fetched
	// (default: 1m).
	RefreshMargin time.Duration `yaml:"refresh_margin" toml:"refresh_margin"`
}

// Configured reports whether an OAuth token source is requested.
func (o OAuthConfig) Configured() bool {
	return o.TokenURL != ""
}

// ClientConfig tunes the session client.
type ClientConfig struct {
	Name            string        `yaml:"name" toml:"name"`
	CallTimeout     time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	SlowCallTimeout time.Duration `yaml:"slow_call_timeout" toml:"slow_call_timeout"`
	// SlowTools is a regular expression selecting tools that get
	// SlowCallTimeout. Empty uses the built-in pattern.
	SlowTools      string        `yaml:"slow_tools" toml:"slow_tools"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval" toml:"ping_interval"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" toml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
}

// Backoff converts the section to a connwatch schedule.
func (r ReconnectConfig) Backoff() connwatch.BackoffConfig {
	return connwatch.BackoffConfig{
		InitialDelay: r.BaseDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		MaxRetries:   r.MaxAttempts,
	}
}

// MQTTConfig configures the optional session status mirror.
type MQTTConfig struct {
	Broker     string `yaml:"broker" toml:"broker"` // e.g. mqtt://broker:1883
	Username   string `yaml:"username" toml:"username"`
	Password   string `yaml:"password" toml:"password"`
	DeviceName string `yaml:"device_name" toml:"device_name"`
	BaseTopic  string `yaml:"base_topic" toml:"base_topic"`
}

// Configured reports whether the MQTT mirror is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// PeerServerConfig configures tether-peer, the development backend.
type PeerServerConfig struct {
	Listen string   `yaml:"listen" toml:"listen"`
	Tokens []string `yaml:"tokens" toml:"tokens"`
	// DBPath defaults to <data_dir>/peer.db.
	DBPath string `yaml:"db_path" toml:"db_path"`
	// SlowDelay is an artificial delay added to slow tools.
	SlowDelay time.Duration `yaml:"slow_delay" toml:"slow_delay"`
}

// Load reads configuration from a YAML or TOML file, chosen by
// extension. Environment variables in the file are expanded before
// parsing. Values absent from the file keep their defaults. Relative
// paths (data_dir, token_file, db_path) are taken relative to the
// directory holding the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(expanded, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("parse %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// resolvePaths anchors relative file paths at the config file's
// directory and expands ~.
func (c *Config) resolvePaths(baseDir string) {
	c.DataDir = paths.Resolve(baseDir, c.DataDir)
	c.Peer.TokenFile = paths.Resolve(baseDir, c.Peer.TokenFile)
	c.PeerServer.DBPath = paths.Resolve(baseDir, c.PeerServer.DBPath)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			TokenParam: "token",
			TokenEnv:   "TETHER_TOKEN",
			OAuth:      OAuthConfig{RefreshMargin: time.Minute},
		},
		Client: ClientConfig{
			Name:            "tether",
			CallTimeout:     30 * time.Second,
			SlowCallTimeout: 120 * time.Second,
			ConnectTimeout:  30 * time.Second,
			PingInterval:    30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			MaxAttempts: 5,
		},
		MQTT: MQTTConfig{
			BaseTopic: "tether",
		},
		PeerServer: PeerServerConfig{
			Listen: "127.0.0.1:8765",
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks settings that apply to every command.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Peer.URL != "" && c.Peer.Command != "" {
		errs = append(errs, errors.New("peer: url and command are mutually exclusive"))
	}
	if c.Peer.URL != "" {
		u, err := url.Parse(c.Peer.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("peer.url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("peer.url scheme %q (valid: http, https, ws, wss)", u.Scheme))
		}
	}

	sources := 0
	for _, set := range []bool{c.Peer.Token != "", c.Peer.TokenFile != "", c.Peer.OAuth.Configured()} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		errs = append(errs, errors.New("peer: token, token_file and oauth are mutually exclusive"))
	}
	if c.Peer.OAuth.Configured() && c.Peer.OAuth.ClientID == "" {
		errs = append(errs, errors.New("peer.oauth: client_id is required"))
	}

	if c.Client.SlowTools != "" {
		if _, err := regexp.Compile(c.Client.SlowTools); err != nil {
			errs = append(errs, fmt.Errorf("client.slow_tools: %w", err))
		}
	}
	if c.Client.CallTimeout < 0 || c.Client.SlowCallTimeout < 0 || c.Client.ConnectTimeout < 0 {
		errs = append(errs, errors.New("client: timeouts must not be negative"))
	}

	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 || c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect: values must not be negative"))
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect.multiplier %v must be at least 1", c.Reconnect.Multiplier))
	}

	return errors.Join(errs...)
}

// RequirePeer reports an error unless a transport is configured.
func (c *Config) RequirePeer() error {
	if c.Peer.URL == "" && c.Peer.Command == "" {
		return errors.New("peer: one of url or command is required")
	}
	return nil
}

// SlowToolsPattern compiles client.slow_tools. It returns nil when the
// setting is empty.
func (c *Config) SlowToolsPattern() (*regexp.Regexp, error) {
	if c.Client.SlowTools == "" {
		return nil, nil
	}
	return regexp.Compile(c.Client.SlowTools)
}

// PeerDBPath returns the development peer's database path.
func (c *Config) PeerDBPath() string {
	if c.PeerServer.DBPath != "" {
		return c.PeerServer.DBPath
	}
	return filepath.Join(c.DataDir, "peer.db")
}

// CallLogPath returns the call journal database path.
func (c *Config) CallLogPath() string {
	return filepath.Join(c.DataDir, "calls.db")
}
