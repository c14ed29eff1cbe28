package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvUsername  = "MESHNODE_USERNAME"
	EnvPassword  = "MESHNODE_PASSWORD"
	EnvEndpoints = "MESHNODE_ENDPOINTS"
	EnvStateDir  = "MESHNODE_STATE_DIR"
)

// Token placements for the websocket handshake.
const (
	TokenInQuery  = "query"
	TokenInHeader = "header"
	TokenInBoth   = "both"
)

var DefaultEndpoints = []string{
	"wss://proxy2.wynd.network:4650",
	"wss://proxy2.wynd.network:4444",
}

const DefaultLoginURL = "https://api.getgrass.io/login"

type Heartbeat struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Identity is what the device reports about itself, both on the handshake
// and in reply to AUTH.
type Identity struct {
	UserAgent   string
	Origin      string
	Version     string
	ExtensionID string
	DeviceType  string
}

type Tunnel struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	// CookieURL receives a token=<accessToken> cookie after login.
	CookieURL string
}

type Config struct {
	Endpoints      []string
	LoginURL       string
	Username       string
	Password       string
	TokenPlacement string
	StateDir       string
	ReloginAfter   int
	Heartbeat      Heartbeat
	Backoff        Backoff
	Identity       Identity
	Tunnel         Tunnel
}

func Default() Config {
	return Config{
		Endpoints:      append([]string(nil), DefaultEndpoints...),
		LoginURL:       DefaultLoginURL,
		TokenPlacement: TokenInBoth,
		StateDir:       defaultStateDir(),
		ReloginAfter:   5,
		Heartbeat: Heartbeat{
			Interval:   2 * time.Minute,
			StaleAfter: 129 * time.Second,
		},
		Backoff: Backoff{
			Base: 5 * time.Second,
			Max:  60 * time.Second,
		},
		Identity: Identity{
			UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
			Origin:      "chrome-extension://ilehaonighjijnmpnagapkhpcdbhclfg",
			Version:     "4.26.2",
			ExtensionID: "ilehaonighjijnmpnagapkhpcdbhclfg",
			DeviceType:  "extension",
		},
		Tunnel: Tunnel{
			Timeout:   30 * time.Second,
			CookieURL: "https://api.getgrass.io",
		},
	}
}

func defaultStateDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".meshnode"
	}
	return filepath.Join(homeDir, ".meshnode")
}

type fileConfig struct {
	Endpoints      []string `toml:"endpoints"`
	LoginURL       string   `toml:"login_url"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	TokenPlacement string   `toml:"token_placement"`
	StateDir       string   `toml:"state_dir"`
	ReloginAfter   int      `toml:"relogin_after"`
	Heartbeat      struct {
		Interval   string `toml:"interval"`
		StaleAfter string `toml:"stale_after"`
	} `toml:"heartbeat"`
	Backoff struct {
		Base string `toml:"base"`
		Max  string `toml:"max"`
	} `toml:"backoff"`
	Identity struct {
		UserAgent   string `toml:"user_agent"`
		Origin      string `toml:"origin"`
		Version     string `toml:"version"`
		ExtensionID string `toml:"extension_id"`
		DeviceType  string `toml:"device_type"`
	} `toml:"identity"`
	Tunnel struct {
		Timeout            string `toml:"timeout"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		CookieURL          string `toml:"cookie_url"`
	} `toml:"tunnel"`
}

// Load reads defaults, overlays the TOML file at path (if path is not empty),
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config (%s): %w", path, err)
	}

	if meta.IsDefined("endpoints") {
		cfg.Endpoints = normalizeList(raw.Endpoints)
	}
	if meta.IsDefined("login_url") {
		cfg.LoginURL = strings.TrimSpace(raw.LoginURL)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("token_placement") {
		cfg.TokenPlacement = strings.ToLower(strings.TrimSpace(raw.TokenPlacement))
	}
	if meta.IsDefined("state_dir") {
		cfg.StateDir = strings.TrimSpace(raw.StateDir)
	}
	if meta.IsDefined("relogin_after") {
		cfg.ReloginAfter = raw.ReloginAfter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat.interval", raw.Heartbeat.Interval, &cfg.Heartbeat.Interval},
		{"heartbeat.stale_after", raw.Heartbeat.StaleAfter, &cfg.Heartbeat.StaleAfter},
		{"backoff.base", raw.Backoff.Base, &cfg.Backoff.Base},
		{"backoff.max", raw.Backoff.Max, &cfg.Backoff.Max},
		{"tunnel.timeout", raw.Tunnel.Timeout, &cfg.Tunnel.Timeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	strs := []struct {
		key string
		raw string
		dst *string
	}{
		{"identity.user_agent", raw.Identity.UserAgent, &cfg.Identity.UserAgent},
		{"identity.origin", raw.Identity.Origin, &cfg.Identity.Origin},
		{"identity.version", raw.Identity.Version, &cfg.Identity.Version},
		{"identity.extension_id", raw.Identity.ExtensionID, &cfg.Identity.ExtensionID},
		{"identity.device_type", raw.Identity.DeviceType, &cfg.Identity.DeviceType},
		{"tunnel.cookie_url", raw.Tunnel.CookieURL, &cfg.Tunnel.CookieURL},
	}
	for _, s := range strs {
		if meta.IsDefined(strings.Split(s.key, ".")...) {
			*s.dst = strings.TrimSpace(s.raw)
		}
	}

	if meta.IsDefined("tunnel", "insecure_skip_verify") {
		cfg.Tunnel.InsecureSkipVerify = raw.Tunnel.InsecureSkipVerify
	}
	return nil
}

// ApplyEnv overrides credentials, endpoints and the state dir from the
// environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv(EnvEndpoints); v != "" {
		cfg.Endpoints = normalizeList(strings.Split(v, ","))
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.StateDir = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("endpoints: at least one endpoint is required"))
	}
	for _, e := range c.Endpoints {
		u, err := url.Parse(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint %q: %w", e, err))
			continue
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("endpoint %q: scheme must be ws or wss", e))
		}
	}
	switch c.TokenPlacement {
	case TokenInQuery, TokenInHeader, TokenInBoth:
	default:
		errs = append(errs, fmt.Errorf("token_placement %q: want query, header or both", c.TokenPlacement))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.StaleAfter <= c.Heartbeat.Interval {
		errs = append(errs, errors.New("heartbeat.stale_after must exceed heartbeat.interval"))
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		errs = append(errs, errors.New("backoff.base and backoff.max must be positive"))
	} else if c.Backoff.Base > c.Backoff.Max {
		errs = append(errs, errors.New("backoff.base must not exceed backoff.max"))
	}
	if c.Tunnel.Timeout <= 0 {
		errs = append(errs, errors.New("tunnel.timeout must be positive"))
	}
	if c.ReloginAfter < 0 {
		errs = append(errs, errors.New("relogin_after must not be negative"))
	}
	return errors.Join(errs...)
}

// HasCredentials reports whether a username/password pair is configured.
func (c Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		v := strings.TrimSpace(s)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
