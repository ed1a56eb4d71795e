// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/metascraper/internal/limiter"
	"github.com/JakeFAU/metascraper/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Auth         AuthConfig                `mapstructure:"auth"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Limiter      LimiterDefaults           `mapstructure:"limiter"`
	Cache        CacheConfig               `mapstructure:"cache"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	HTTP         HTTPConfig                `mapstructure:"http"`
	Headless     HeadlessConfig            `mapstructure:"headless"`
	Session      SessionConfig             `mapstructure:"session"`
	Fingerprint  FingerprintConfig         `mapstructure:"fingerprint"`
	Challenge    ChallengeConfig           `mapstructure:"challenge"`
	Archive      ArchiveConfig             `mapstructure:"archive"`
	Memory       MemoryConfig              `mapstructure:"memory"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig enables token authentication on the query API when Token is set.
type AuthConfig struct {
	Token  string `mapstructure:"token"`
	Header string `mapstructure:"header"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// ProviderConfig holds per-provider admission settings.
type ProviderConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	MinIntervalMs  int    `mapstructure:"min_interval_ms"`
	BaseURL        string `mapstructure:"base_url"`
}

// LimiterDefaults applies to every provider limiter.
type LimiterDefaults struct {
	AdmissionTimeoutMs int `mapstructure:"admission_timeout_ms"`
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	Capacity           int `mapstructure:"capacity"`
	TTLSeconds         int `mapstructure:"ttl_seconds"`
	NotFoundTTLSeconds int `mapstructure:"not_found_ttl_seconds"`
}

// OrchestratorConfig bounds search fan-out.
type OrchestratorConfig struct {
	DetailWorkers  int `mapstructure:"detail_workers"`
	MaxResults     int `mapstructure:"max_results"`
	DefaultResults int `mapstructure:"default_results"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// HeadlessConfig configures the browser engine.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ExecPath          string `mapstructure:"exec_path"`
	Headful           bool   `mapstructure:"headful"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// SessionConfig configures browser session rotation.
type SessionConfig struct {
	Mode              string `mapstructure:"mode"`
	TTLSeconds        int    `mapstructure:"ttl_seconds"`
	MaxPages          int    `mapstructure:"max_pages"`
	RotateOnChallenge bool   `mapstructure:"rotate_on_challenge"`
	InitScript        string `mapstructure:"init_script"`
	InitScriptFile    string `mapstructure:"init_script_file"`
}

// FingerprintConfig is applied to every browser session.
type FingerprintConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	ViewportWidth  int               `mapstructure:"viewport_width"`
	ViewportHeight int               `mapstructure:"viewport_height"`
	Locale         string            `mapstructure:"locale"`
	Timezone       string            `mapstructure:"timezone"`
	ExtraHeaders   map[string]string `mapstructure:"extra_headers"`
}

// ChallengeConfig overrides the anti-bot hint sets. Empty lists keep the defaults.
type ChallengeConfig struct {
	URLHints  []string `mapstructure:"url_hints"`
	TextHints []string `mapstructure:"text_hints"`
}

// ArchiveConfig selects where raw pages of failed extractions are written.
// An empty backend disables archiving.
type ArchiveConfig struct {
	Backend    string `mapstructure:"backend"`
	BaseDir    string `mapstructure:"base_dir"`
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	MaxObjects int    `mapstructure:"max_objects"`
}

// MemoryConfig enables the aggressive memory mode.
type MemoryConfig struct {
	Aggressive          bool `mapstructure:"aggressive"`
	FreeIntervalSeconds int  `mapstructure:"free_interval_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METASCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Session.InitScript == "" && cfg.Session.InitScriptFile != "" {
		script, err := os.ReadFile(cfg.Session.InitScriptFile)
		if err != nil {
			return Config{}, fmt.Errorf("read init script: %w", err)
		}
		cfg.Session.InitScript = string(script)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.header", "Authorization")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("providers.dlsite.enabled", true)
	v.SetDefault("providers.dlsite.max_concurrency", 2)
	v.SetDefault("providers.dlsite.min_interval_ms", 1000)
	v.SetDefault("providers.dlsite.base_url", "https://www.dlsite.com")
	v.SetDefault("providers.getchu.enabled", true)
	v.SetDefault("providers.getchu.max_concurrency", 2)
	v.SetDefault("providers.getchu.min_interval_ms", 1000)
	v.SetDefault("providers.getchu.base_url", "https://www.getchu.com")
	v.SetDefault("limiter.admission_timeout_ms", 5000)

	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl_seconds", 10*60)
	v.SetDefault("cache.not_found_ttl_seconds", 30*60)
	v.SetDefault("orchestrator.detail_workers", 4)
	v.SetDefault("orchestrator.max_results", 50)
	v.SetDefault("orchestrator.default_results", 10)

	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("http.burst", 2)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.headful", false)
	v.SetDefault("headless.nav_timeout_seconds", 45)

	v.SetDefault("session.mode", string(session.ModeSplit))
	v.SetDefault("session.ttl_seconds", 30*60)
	v.SetDefault("session.max_pages", 200)
	v.SetDefault("session.rotate_on_challenge", true)
	v.SetDefault("session.init_script", "")
	v.SetDefault("session.init_script_file", "")

	v.SetDefault("fingerprint.user_agent", "")
	v.SetDefault("fingerprint.viewport_width", 1366)
	v.SetDefault("fingerprint.viewport_height", 768)
	v.SetDefault("fingerprint.locale", "ja-JP")
	v.SetDefault("fingerprint.timezone", "Asia/Tokyo")

	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.prefix", "failed")
	v.SetDefault("archive.max_objects", 256)

	v.SetDefault("memory.aggressive", false)
	v.SetDefault("memory.free_interval_seconds", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Orchestrator.DetailWorkers <= 0 {
		return fmt.Errorf("orchestrator.detail_workers must be > 0")
	}
	if c.Orchestrator.MaxResults <= 0 {
		return fmt.Errorf("orchestrator.max_results must be > 0")
	}
	switch session.Mode(c.Session.Mode) {
	case session.ModeShared, session.ModeSplit:
	default:
		return fmt.Errorf("session.mode must be %q or %q", session.ModeShared, session.ModeSplit)
	}
	for name, p := range c.Providers {
		if p.Enabled && p.MaxConcurrency <= 0 {
			return fmt.Errorf("providers.%s.max_concurrency must be > 0", name)
		}
	}
	switch c.Archive.Backend {
	case "", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// SessionConfig converts the session and fingerprint sections for the session manager.
func (c Config) SessionConfig() session.Config {
	ua := c.Fingerprint.UserAgent
	if ua == "" {
		ua = c.HTTP.UserAgent
	}
	return session.Config{
		Mode:              session.Mode(c.Session.Mode),
		TTL:               time.Duration(c.Session.TTLSeconds) * time.Second,
		MaxPages:          c.Session.MaxPages,
		RotateOnChallenge: c.Session.RotateOnChallenge,
		InitScript:        c.Session.InitScript,
		Fingerprint: session.Fingerprint{
			UserAgent:      ua,
			ViewportWidth:  c.Fingerprint.ViewportWidth,
			ViewportHeight: c.Fingerprint.ViewportHeight,
			Locale:         c.Fingerprint.Locale,
			Timezone:       c.Fingerprint.Timezone,
			ExtraHeaders:   c.Fingerprint.ExtraHeaders,
		},
	}
}

// LimiterConfig returns the limiter settings for the named provider.
func (c Config) LimiterConfig(name string) limiter.Config {
	p := c.Providers[name]
	return limiter.Config{
		Name:             name,
		MaxConcurrency:   p.MaxConcurrency,
		MinInterval:      time.Duration(p.MinIntervalMs) * time.Millisecond,
		AdmissionTimeout: time.Duration(c.Limiter.AdmissionTimeoutMs) * time.Millisecond,
	}
}

// ProviderEnabled reports whether the named provider should be registered.
func (c Config) ProviderEnabled(name string) bool {
	p, ok := c.Providers[name]
	return ok && p.Enabled
}
