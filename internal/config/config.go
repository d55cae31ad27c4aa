package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server          ServerConfig             `yaml:"server"`
	Upstream        UpstreamConfig           `yaml:"upstream"`
	Auth            AuthConfig               `yaml:"auth"`
	Store           StoreConfig              `yaml:"store"`
	Policies        map[string]PolicyConfig  `yaml:"policies"`
	Breakers        map[string]BreakerConfig `yaml:"breakers"`
	Routes          []RouteConfig            `yaml:"routes"`
	CORS            CORSConfig               `yaml:"cors"`
	SecurityHeaders SecurityHeadersConfig    `yaml:"security_headers"`
	Logging         LoggingConfig            `yaml:"logging"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	ForwardedForHeader       string   `yaml:"forwarded_for_header"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	MaxInFlight              int      `yaml:"max_in_flight"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int      `yaml:"shutdown_timeout_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
	StreamIdleTimeoutSeconds     int `yaml:"stream_idle_timeout_seconds"`
}

type AuthConfig struct {
	Mode       string          `yaml:"mode"`        // "hmac" | "jwks"
	HMACSecret string          `yaml:"hmac_secret"` // shared secret for HS256 (hmac mode)
	JWKS       JWKSAuthConfig  `yaml:"jwks"`
	Blocklist  BlocklistConfig `yaml:"blocklist"`
}

type JWKSAuthConfig struct {
	URL                    string   `yaml:"url"`
	CacheTTLSeconds        int      `yaml:"cache_ttl_seconds"`
	RefreshCooldownSeconds int      `yaml:"refresh_cooldown_seconds"`
	HTTPTimeoutSeconds     int      `yaml:"http_timeout_seconds"`
	Issuers                []string `yaml:"issuers"`
	Audiences              []string `yaml:"audiences"`
}

type BlocklistConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StoreConfig describes the shared keyspace backing rate-limit buckets and
// the token blocklist.
type StoreConfig struct {
	Backend  string      `yaml:"backend"` // "redis" | "memory"
	Redis    RedisConfig `yaml:"redis"`
	MemoryRL MemoryRL    `yaml:"memory"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MemoryRL struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

type PolicyConfig struct {
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	BurstCapacity   float64 `yaml:"burst_capacity"`
	KeyStrategy     string  `yaml:"key_strategy"` // per_user | per_ip | per_route | composite
}

type BreakerConfig struct {
	WindowSize  int     `yaml:"window_size"`
	MinCalls    int     `yaml:"min_calls"`
	FailureRate float64 `yaml:"failure_rate"` // 0..1
	OpenSeconds int     `yaml:"open_seconds"`
	ProbeCount  int     `yaml:"probe_count"`
	SlowCallMs  int     `yaml:"slow_call_ms"` // 0 disables slow-call accounting
}

type RouteConfig struct {
	ID                string   `yaml:"id"`
	Service           string   `yaml:"service"` // upstream logical name for fallback envelopes
	PathPatterns      []string `yaml:"path_patterns"`
	Methods           []string `yaml:"methods"`
	Upstream          string   `yaml:"upstream"`
	StripPrefix       string   `yaml:"strip_prefix"`
	RewriteTo         string   `yaml:"rewrite_to"`
	AuthRequired      bool     `yaml:"auth_required"`
	ForwardAuthHeader bool     `yaml:"forward_auth_header"`
	PublicPaths       []string `yaml:"public_paths"`
	RateLimitPolicy   string   `yaml:"rate_limit_policy"`
	Breaker           string   `yaml:"breaker"`
	TimeoutMs         int      `yaml:"timeout_ms"`
	MaxRetries        int      `yaml:"max_retries"`
	MaxInFlight       int      `yaml:"max_in_flight"`
}

type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSeconds    int      `yaml:"max_age_seconds"`
}

type SecurityHeadersConfig struct {
	ContentSecurityPolicy   string `yaml:"content_security_policy"`
	XFrameOptions           string `yaml:"x_frame_options"`
	StrictTransportSecurity string `yaml:"strict_transport_security"`
	ReferrerPolicy          string `yaml:"referrer_policy"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Overrides are the environment knobs layered over the file. Secrets are
// only ever injected this way.
type Overrides struct {
	Addr          string `envconfig:"ADDR"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	HMACSecret    string `envconfig:"HMAC_SECRET"`
	JWKSURL       string `envconfig:"JWKS_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	AdminKey      string `envconfig:"ADMIN_KEY"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	var ov Overrides
	if err := envconfig.Process("gateway", &ov); err != nil {
		return nil, err
	}
	applyOverrides(&cfg, ov)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AdminKey is read at boot alongside Load; empty disables the admin surface.
func AdminKey() string {
	var ov Overrides
	_ = envconfig.Process("gateway", &ov)
	return ov.AdminKey
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.Addr != "" {
		cfg.Server.Addr = ov.Addr
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.HMACSecret != "" {
		cfg.Auth.HMACSecret = ov.HMACSecret
	}
	if ov.JWKSURL != "" {
		cfg.Auth.JWKS.URL = ov.JWKSURL
	}
	if ov.RedisAddr != "" {
		cfg.Store.Redis.Addr = ov.RedisAddr
	}
	if ov.RedisPassword != "" {
		cfg.Store.Redis.Password = ov.RedisPassword
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = 4096
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 256
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 32
	}
	if cfg.Upstream.StreamIdleTimeoutSeconds == 0 {
		cfg.Upstream.StreamIdleTimeoutSeconds = 30
	}

	if cfg.Auth.JWKS.CacheTTLSeconds == 0 {
		cfg.Auth.JWKS.CacheTTLSeconds = 300
	}
	if cfg.Auth.JWKS.RefreshCooldownSeconds == 0 {
		cfg.Auth.JWKS.RefreshCooldownSeconds = 30
	}
	if cfg.Auth.JWKS.HTTPTimeoutSeconds == 0 {
		cfg.Auth.JWKS.HTTPTimeoutSeconds = 3
	}
	if cfg.Auth.Blocklist.KeyPrefix == "" {
		cfg.Auth.Blocklist.KeyPrefix = "blocklist:"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Redis.PoolSize == 0 {
		cfg.Store.Redis.PoolSize = 16
	}
	if cfg.Store.MemoryRL.CleanupSeconds == 0 {
		cfg.Store.MemoryRL.CleanupSeconds = 60
	}
	if cfg.Store.MemoryRL.TTLSeconds == 0 {
		cfg.Store.MemoryRL.TTLSeconds = 300
	}

	for name, b := range cfg.Breakers {
		if b.WindowSize == 0 {
			b.WindowSize = 20
		}
		if b.MinCalls == 0 {
			b.MinCalls = 10
		}
		if b.FailureRate == 0 {
			b.FailureRate = 0.5
		}
		if b.OpenSeconds == 0 {
			b.OpenSeconds = 10
		}
		if b.ProbeCount == 0 {
			b.ProbeCount = 1
		}
		cfg.Breakers[name] = b
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].TimeoutMs == 0 {
			cfg.Routes[i].TimeoutMs = 10000
		}
	}

	if cfg.CORS.Enabled {
		if len(cfg.CORS.AllowMethods) == 0 {
			cfg.CORS.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
		}
		if len(cfg.CORS.AllowHeaders) == 0 {
			cfg.CORS.AllowHeaders = []string{"Content-Type", "Authorization"}
		}
		if cfg.CORS.MaxAgeSeconds == 0 {
			cfg.CORS.MaxAgeSeconds = 3600
		}
	}

	if cfg.SecurityHeaders.XFrameOptions == "" {
		cfg.SecurityHeaders.XFrameOptions = "DENY"
	}
	if cfg.SecurityHeaders.ReferrerPolicy == "" {
		cfg.SecurityHeaders.ReferrerPolicy = "no-referrer"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var validStrategies = map[string]struct{}{
	"per_user": {}, "per_ip": {}, "per_route": {}, "composite": {},
}

func Validate(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return errors.New("no routes configured")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Auth.Mode)) {
	case "hmac", "":
		if strings.TrimSpace(cfg.Auth.HMACSecret) == "" && authNeeded(cfg) {
			return errors.New("auth.hmac_secret is required when any route requires auth")
		}
	case "jwks":
		if strings.TrimSpace(cfg.Auth.JWKS.URL) == "" {
			return errors.New("auth.jwks.url is required when auth.mode is jwks")
		}
		if _, err := url.Parse(cfg.Auth.JWKS.URL); err != nil {
			return fmt.Errorf("auth.jwks.url invalid: %v", err)
		}
	default:
		return fmt.Errorf("auth.mode must be 'hmac' or 'jwks'")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if backend != "redis" && backend != "memory" {
		return errors.New("store.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
		return errors.New("store.redis.addr is required when backend is redis")
	}
	if cfg.Auth.Blocklist.Enabled && backend != "redis" {
		return errors.New("auth.blocklist requires store.backend redis")
	}

	for name, p := range cfg.Policies {
		if p.TokensPerSecond <= 0 {
			return fmt.Errorf("policies[%s].tokens_per_second must be > 0", name)
		}
		if p.BurstCapacity <= 0 {
			return fmt.Errorf("policies[%s].burst_capacity must be > 0", name)
		}
		if _, ok := validStrategies[p.KeyStrategy]; !ok {
			return fmt.Errorf("policies[%s].key_strategy must be one of per_user, per_ip, per_route, composite", name)
		}
	}

	for name, b := range cfg.Breakers {
		if b.WindowSize <= 0 {
			return fmt.Errorf("breakers[%s].window_size must be > 0", name)
		}
		if b.MinCalls <= 0 || b.MinCalls > b.WindowSize {
			return fmt.Errorf("breakers[%s].min_calls must be in 1..window_size", name)
		}
		if b.FailureRate <= 0 || b.FailureRate > 1 {
			return fmt.Errorf("breakers[%s].failure_rate must be in (0,1]", name)
		}
		if b.OpenSeconds <= 0 {
			return fmt.Errorf("breakers[%s].open_seconds must be > 0", name)
		}
		if b.ProbeCount <= 0 {
			return fmt.Errorf("breakers[%s].probe_count must be > 0", name)
		}
	}

	seen := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return fmt.Errorf("%s.id is required", idx)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate route id: %q", id)
		}
		seen[id] = struct{}{}

		if len(r.PathPatterns) == 0 {
			return fmt.Errorf("%s.path_patterns is required", idx)
		}
		for _, p := range append(append([]string{}, r.PathPatterns...), r.PublicPaths...) {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%s: pattern %q must start with '/'", idx, p)
			}
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("%s: pattern %q is not valid", idx, p)
			}
		}

		if r.Upstream == "" {
			return fmt.Errorf("%s.upstream is required", idx)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s.upstream must be an absolute URL", idx)
		}

		if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
			return fmt.Errorf("%s.strip_prefix must start with '/' if set", idx)
		}
		if r.RateLimitPolicy != "" {
			if _, ok := cfg.Policies[r.RateLimitPolicy]; !ok {
				return fmt.Errorf("%s.rate_limit_policy %q not defined", idx, r.RateLimitPolicy)
			}
		}
		if r.Breaker != "" {
			if _, ok := cfg.Breakers[r.Breaker]; !ok {
				return fmt.Errorf("%s.breaker %q not defined", idx, r.Breaker)
			}
		}
		if r.TimeoutMs < 0 {
			return fmt.Errorf("%s.timeout_ms cannot be negative", idx)
		}
		if r.MaxRetries < 0 {
			return fmt.Errorf("%s.max_retries cannot be negative", idx)
		}
		if r.MaxInFlight < 0 {
			return fmt.Errorf("%s.max_in_flight cannot be negative", idx)
		}
	}
	return nil
}

func authNeeded(cfg *Config) bool {
	for _, r := range cfg.Routes {
		if r.AuthRequired {
			return true
		}
	}
	return false
}

// Durations translated from the integer-second yaml knobs.

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(u.DialTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) TLSHandshakeTimeout() time.Duration {
	return time.Duration(u.TLSHandshakeTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(u.ResponseHeaderTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) IdleConnTimeout() time.Duration {
	return time.Duration(u.IdleConnTimeoutSeconds) * time.Second
}

func (u UpstreamConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(u.StreamIdleTimeoutSeconds) * time.Second
}
