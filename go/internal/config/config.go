package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/CucumberKing/nye.countdown/go/internal/geo"
	"github.com/CucumberKing/nye.countdown/go/internal/timesync"
)

const environmentProduction = "production"

// Config is the gateway's runtime configuration. Every flag can also be set
// through its NYE_* environment variable.
type Config struct {
	Version kong.VersionFlag `help:"Print version and exit."`

	// Server configuration
	Listen      string `help:"HTTP server listen address" default:"0.0.0.0:8000" env:"NYE_LISTEN"`
	Environment string `help:"deployment environment (development or production)" default:"development" env:"NYE_ENVIRONMENT"`
	FrontendURL string `help:"frontend URL, used for CORS in production" default:"http://localhost:4200" env:"NYE_FRONTEND_URL"`

	// Logging
	LogLevel string `help:"log level" default:"info" env:"NYE_LOG_LEVEL" enum:"debug,info,warn,error"`
	Debug    bool   `help:"enable debug logging, overrides the log level" default:"false" env:"NYE_DEBUG"`

	// Countdown configuration served to the frontend
	TargetTS   float64 `help:"countdown target as Unix seconds" default:"1798761600" env:"NYE_TARGET_TS"`
	ImprintURL string  `help:"optional imprint page URL" default:"" env:"NYE_IMPRINT_URL"`
	PrivacyURL string  `help:"optional privacy policy URL" default:"" env:"NYE_PRIVACY_URL"`

	ContentFile string `help:"optional YAML file overriding emojis and greeting templates" default:"" env:"NYE_CONTENT_FILE"`

	NTP       NTPFlags       `embed:"" prefix:"ntp-"`
	Geocode   GeocodeFlags   `embed:"" prefix:"geocode-"`
	WebSocket WebSocketFlags `embed:"" prefix:"ws-"`
}

type NTPFlags struct {
	Servers      []string      `help:"NTP servers to query" default:"pool.ntp.org,time.google.com,time.cloudflare.com" env:"NYE_NTP_SERVERS"`
	SyncInterval time.Duration `help:"interval between NTP sync cycles" default:"60s" env:"NYE_NTP_SYNC_INTERVAL"`
	Timeout      time.Duration `help:"per-server query timeout" default:"5s" env:"NYE_NTP_TIMEOUT"`
}

type GeocodeFlags struct {
	URL         string        `help:"Nominatim base URL" default:"https://nominatim.openstreetmap.org" env:"NYE_GEOCODE_URL"`
	Timeout     time.Duration `help:"reverse geocoding request timeout" default:"5s" env:"NYE_GEOCODE_TIMEOUT"`
	CacheTTL    time.Duration `help:"how long resolved locations are cached" default:"1h" env:"NYE_GEOCODE_CACHE_TTL"`
	CacheSize   int           `help:"maximum number of cached locations" default:"1000" env:"NYE_GEOCODE_CACHE_SIZE"`
	MinInterval time.Duration `help:"minimum spacing between outbound geocoding requests" default:"1100ms" env:"NYE_GEOCODE_MIN_INTERVAL"`
	UserAgent   string        `help:"User-Agent sent to Nominatim, should identify the operator" default:"NYECountdown/1.0 (party app)" env:"NYE_GEOCODE_USER_AGENT"`
}

type WebSocketFlags struct {
	PingInterval   time.Duration `help:"keep-alive ping interval" default:"30s" env:"NYE_WS_PING_INTERVAL"`
	ReadTimeout    time.Duration `help:"close connections idle for longer than this" default:"60s" env:"NYE_WS_READ_TIMEOUT"`
	WriteTimeout   time.Duration `help:"deadline for a single frame write" default:"10s" env:"NYE_WS_WRITE_TIMEOUT"`
	MaxMessageSize int64         `help:"maximum inbound frame size in bytes" default:"65536" env:"NYE_WS_MAX_MESSAGE_SIZE"`
}

// Parse builds the configuration from command line arguments and the
// environment, then validates it.
func Parse(args []string, version string) (*Config, error) {
	var cfg Config
	parser, err := kong.New(&cfg,
		kong.Name("nye-gateway"),
		kong.Description("Realtime gateway for the NYE countdown."),
		kong.Vars{"version": version},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build config parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.NTP.Servers) == 0 {
		errs = append(errs, errors.New("at least one NTP server is required (--ntp-servers or NYE_NTP_SERVERS)"))
	}
	for _, s := range c.NTP.Servers {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("NTP server names must not be empty"))
			break
		}
	}

	positive := map[string]time.Duration{
		"ntp sync interval":       c.NTP.SyncInterval,
		"ntp timeout":             c.NTP.Timeout,
		"geocode timeout":         c.Geocode.Timeout,
		"geocode cache ttl":       c.Geocode.CacheTTL,
		"websocket ping interval": c.WebSocket.PingInterval,
		"websocket read timeout":  c.WebSocket.ReadTimeout,
		"websocket write timeout": c.WebSocket.WriteTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Geocode.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("geocode min interval must not be negative, got %s", c.Geocode.MinInterval))
	}
	if c.Geocode.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("geocode cache size must be positive, got %d", c.Geocode.CacheSize))
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		errs = append(errs, errors.New("websocket ping interval must be shorter than the read timeout"))
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("websocket max message size must be positive, got %d", c.WebSocket.MaxMessageSize))
	}
	if _, err := url.ParseRequestURI(c.Geocode.URL); err != nil {
		errs = append(errs, fmt.Errorf("invalid geocode url: %w", err))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the gateway runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == environmentProduction
}

// CORSOrigins returns the allowed browser origins. Production only allows the
// frontend (and its www. variant for https); everything else allows all.
func (c *Config) CORSOrigins() []string {
	if !c.IsProduction() {
		return []string{"*"}
	}
	origins := []string{c.FrontendURL}
	if strings.HasPrefix(c.FrontendURL, "https://") && !strings.Contains(c.FrontendURL, "www.") {
		origins = append(origins, strings.Replace(c.FrontendURL, "https://", "https://www.", 1))
	}
	return origins
}

// TimeSync returns the coordinator settings.
func (c *Config) TimeSync() timesync.Config {
	return timesync.Config{
		Interval: c.NTP.SyncInterval,
		Timeout:  c.NTP.Timeout,
	}
}

// GeoCache returns the geocode cache settings.
func (c *Config) GeoCache() geo.CacheConfig {
	return geo.CacheConfig{
		TTL:         c.Geocode.CacheTTL,
		MaxEntries:  c.Geocode.CacheSize,
		MinInterval: c.Geocode.MinInterval,
		Timeout:     c.Geocode.Timeout,
	}
}
