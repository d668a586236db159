package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration for the streaming proxy.
// It covers the outbound concurrency budget, per-destination socket limits,
// per-media-class timeouts, manifest handling bounds, and the set of
// upstream media-server instances the proxy forwards to.
type Config struct {
	BaseURL               string           `json:"baseURL" env:"BASE_URL"`                              // externally visible base URL of this proxy; its path component prefixes rewritten manifest URLs
	ListenPort            int              `json:"listenPort" env:"LISTEN_PORT"`                        // HTTP listen port
	MaxConcurrentRequests int              `json:"maxConcurrentRequests" env:"MAX_CONCURRENT_REQUESTS"` // global cap on in-flight upstream requests
	MaxSocketsPerHost     int              `json:"maxSocketsPerHost" env:"MAX_SOCKETS_PER_HOST"`        // per-destination socket cap on the transport pool
	KeepAliveIdle         time.Duration    `json:"keepAliveIdle" env:"KEEP_ALIVE_IDLE"`                 // idle keep-alive duration for pooled connections
	MediaTimeout          time.Duration    `json:"mediaTimeout" env:"MEDIA_TIMEOUT"`                    // absolute timeout for direct media streams
	StaticTimeout         time.Duration    `json:"staticTimeout" env:"STATIC_TIMEOUT"`                  // absolute timeout for proxied static assets
	ManifestTimeout       time.Duration    `json:"manifestTimeout" env:"MANIFEST_TIMEOUT"`              // absolute timeout for manifests and captions
	ManifestMaxBytes      int64            `json:"manifestMaxBytes" env:"MANIFEST_MAX_BYTES"`           // manifests larger than this are passed through unrewritten
	SessionMaxAge         time.Duration    `json:"sessionMaxAge" env:"SESSION_MAX_AGE"`                 // background sweep cancels sessions older than this
	MaintenanceInterval   time.Duration    `json:"maintenanceInterval" env:"MAINTENANCE_INTERVAL"`      // interval between background maintenance sweeps
	WorkerThreads         int              `json:"workerThreads" env:"WORKER_THREADS"`                  // size of the background maintenance worker pool
	RouteCacheSize        int              `json:"routeCacheSize" env:"ROUTE_CACHE_SIZE"`               // max entries in the entity routing cache
	RouteCacheTTL         time.Duration    `json:"routeCacheTTL" env:"ROUTE_CACHE_TTL"`                 // expiry for entity routing cache entries
	LogLevel              string           `json:"logLevel" env:"LOG_LEVEL"`                            // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls         bool             `json:"obfuscateUrls" env:"OBFUSCATE_URLS"`                  // mask upstream URLs in log output
	UserAgent             string           `json:"userAgent" env:"USER_AGENT"`                          // User-Agent sent on upstream requests
	InstanceDBPath        string           `json:"instanceDBPath" env:"INSTANCE_DB_PATH"`               // optional SQLite store for instances and entity routing
	DefaultInstance       string           `json:"defaultInstance" env:"DEFAULT_INSTANCE"`              // instance id used when a request names none
	Instances             []InstanceConfig `json:"instances"`                                           // statically configured upstream instances
}

// InstanceConfig describes a single upstream media-server instance.
type InstanceConfig struct {
	ID                string `json:"id"`                // stable identifier used in routing parameters
	Address           string `json:"address"`           // base address, scheme and host, no trailing slash
	APIKey            string `json:"apiKey"`            // access token attached to upstream requests, never exposed to clients
	Enabled           bool   `json:"enabled"`           // disabled instances resolve as configuration errors
	RequestsPerSecond int    `json:"requestsPerSecond"` // outbound request pacing toward this instance
}

// configFile mirrors Config for JSON unmarshaling, with duration
// fields as strings (e.g. "30s") parsed into time.Duration values.
type configFile struct {
	BaseURL               string           `json:"baseURL"`
	ListenPort            int              `json:"listenPort"`
	MaxConcurrentRequests int              `json:"maxConcurrentRequests"`
	MaxSocketsPerHost     int              `json:"maxSocketsPerHost"`
	KeepAliveIdle         string           `json:"keepAliveIdle"`
	MediaTimeout          string           `json:"mediaTimeout"`
	StaticTimeout         string           `json:"staticTimeout"`
	ManifestTimeout       string           `json:"manifestTimeout"`
	ManifestMaxBytes      int64            `json:"manifestMaxBytes"`
	SessionMaxAge         string           `json:"sessionMaxAge"`
	MaintenanceInterval   string           `json:"maintenanceInterval"`
	WorkerThreads         int              `json:"workerThreads"`
	RouteCacheSize        int              `json:"routeCacheSize"`
	RouteCacheTTL         string           `json:"routeCacheTTL"`
	LogLevel              string           `json:"logLevel"`
	ObfuscateUrls         bool             `json:"obfuscateUrls"`
	UserAgent             string           `json:"userAgent"`
	InstanceDBPath        string           `json:"instanceDBPath"`
	DefaultInstance       string           `json:"defaultInstance"`
	Instances             []InstanceConfig `json:"instances"`
}

// Load reads the configuration from the given JSON file, applies
// environment variable overrides, and backfills safe defaults for
// anything left unset. A missing file is not an error: the proxy can
// run entirely from environment variables and defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var cf configFile
			if err := json.Unmarshal(data, &cf); err != nil {
				return nil, fmt.Errorf("failed to parse config JSON: %w", err)
			}
			if err := applyFile(cfg, &cf); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// environment variables win over file values
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	validateAndSetDefaults(cfg)
	return cfg, nil
}

// applyFile copies a parsed configFile onto cfg, converting duration
// strings. Empty duration strings leave the existing value in place.
func applyFile(cfg *Config, cf *configFile) error {
	if cf.BaseURL != "" {
		cfg.BaseURL = cf.BaseURL
	}
	if cf.ListenPort > 0 {
		cfg.ListenPort = cf.ListenPort
	}
	if cf.MaxConcurrentRequests > 0 {
		cfg.MaxConcurrentRequests = cf.MaxConcurrentRequests
	}
	if cf.MaxSocketsPerHost > 0 {
		cfg.MaxSocketsPerHost = cf.MaxSocketsPerHost
	}
	if cf.ManifestMaxBytes > 0 {
		cfg.ManifestMaxBytes = cf.ManifestMaxBytes
	}
	if cf.WorkerThreads > 0 {
		cfg.WorkerThreads = cf.WorkerThreads
	}
	if cf.RouteCacheSize > 0 {
		cfg.RouteCacheSize = cf.RouteCacheSize
	}
	if cf.LogLevel != "" {
		cfg.LogLevel = cf.LogLevel
	}
	if cf.UserAgent != "" {
		cfg.UserAgent = cf.UserAgent
	}
	if cf.InstanceDBPath != "" {
		cfg.InstanceDBPath = cf.InstanceDBPath
	}
	if cf.DefaultInstance != "" {
		cfg.DefaultInstance = cf.DefaultInstance
	}
	cfg.ObfuscateUrls = cf.ObfuscateUrls
	if len(cf.Instances) > 0 {
		cfg.Instances = cf.Instances
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.KeepAliveIdle, &cfg.KeepAliveIdle, "keepAliveIdle"},
		{cf.MediaTimeout, &cfg.MediaTimeout, "mediaTimeout"},
		{cf.StaticTimeout, &cfg.StaticTimeout, "staticTimeout"},
		{cf.ManifestTimeout, &cfg.ManifestTimeout, "manifestTimeout"},
		{cf.SessionMaxAge, &cfg.SessionMaxAge, "sessionMaxAge"},
		{cf.MaintenanceInterval, &cfg.MaintenanceInterval, "maintenanceInterval"},
		{cf.RouteCacheTTL, &cfg.RouteCacheTTL, "routeCacheTTL"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// defaultConfig returns the baseline configuration used when no file
// or environment values are present.
func defaultConfig() *Config {
	return &Config{
		BaseURL:               "http://localhost:9290",
		ListenPort:            9290,
		MaxConcurrentRequests: 6,
		MaxSocketsPerHost:     6,
		KeepAliveIdle:         30 * time.Second,
		MediaTimeout:          60 * time.Second,
		StaticTimeout:         30 * time.Second,
		ManifestTimeout:       30 * time.Second,
		ManifestMaxBytes:      2 * 1024 * 1024,
		SessionMaxAge:         4 * time.Hour,
		MaintenanceInterval:   time.Minute,
		WorkerThreads:         4,
		RouteCacheSize:        4096,
		RouteCacheTTL:         10 * time.Minute,
		LogLevel:              "INFO",
		UserAgent:             "scenestream-proxy/1.0",
		DefaultInstance:       "default",
	}
}

// validateAndSetDefaults ensures all config values are usable,
// replacing zero or negative values with the baseline defaults.
func validateAndSetDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = def.ListenPort
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if cfg.MaxSocketsPerHost <= 0 {
		cfg.MaxSocketsPerHost = def.MaxSocketsPerHost
	}
	if cfg.KeepAliveIdle <= 0 {
		cfg.KeepAliveIdle = def.KeepAliveIdle
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = def.MediaTimeout
	}
	if cfg.StaticTimeout <= 0 {
		cfg.StaticTimeout = def.StaticTimeout
	}
	if cfg.ManifestTimeout <= 0 {
		cfg.ManifestTimeout = def.ManifestTimeout
	}
	if cfg.ManifestMaxBytes <= 0 {
		cfg.ManifestMaxBytes = def.ManifestMaxBytes
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = def.SessionMaxAge
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.RouteCacheSize <= 0 {
		cfg.RouteCacheSize = def.RouteCacheSize
	}
	if cfg.RouteCacheTTL <= 0 {
		cfg.RouteCacheTTL = def.RouteCacheTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.DefaultInstance == "" {
		cfg.DefaultInstance = def.DefaultInstance
	}

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.ID == "" {
			inst.ID = fmt.Sprintf("instance_%d", i+1)
		}
		if inst.RequestsPerSecond <= 0 {
			inst.RequestsPerSecond = 10
		}
	}
}

// GetInstanceByID returns the statically configured instance with the
// given id, or nil when no such instance exists.
func (c *Config) GetInstanceByID(id string) *InstanceConfig {
	for i := range c.Instances {
		if c.Instances[i].ID == id {
			return &c.Instances[i]
		}
	}
	return nil
}

// BasePath returns the path component of BaseURL without a trailing
// slash. Rewritten manifest URLs are prefixed with it, so manifests stay
// correct when the proxy is mounted under a subpath; for a base URL with
// no path the rewritten lines come out host-relative.
func (c *Config) BasePath() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// TimeoutForClass maps a media class to its configured absolute timeout.
func (c *Config) TimeoutForClass(class string) time.Duration {
	switch class {
	case "media":
		return c.MediaTimeout
	case "manifest", "caption":
		return c.ManifestTimeout
	default:
		return c.StaticTimeout
	}
}
