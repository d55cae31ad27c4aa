package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hivelab/gateway/internal/auth"
	"github.com/hivelab/gateway/internal/breaker"
	"github.com/hivelab/gateway/internal/config"
	"github.com/hivelab/gateway/internal/gateway"
	"github.com/hivelab/gateway/internal/health"
	"github.com/hivelab/gateway/internal/httpx"
	"github.com/hivelab/gateway/internal/metrics"
	"github.com/hivelab/gateway/internal/mw"
	"github.com/hivelab/gateway/internal/netx"
	"github.com/hivelab/gateway/internal/proxy"
	"github.com/hivelab/gateway/internal/ratelimit"
)

const (
	exitConfig  = 64
	exitRuntime = 70
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Edge gateway for the hive platform services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "config/gateway.yaml", "path to yaml config")

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return &configError{err}
			}
			fmt.Println("config ok")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&configPath, "config", "config/gateway.yaml", "path to yaml config")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := ""
			if info, ok := debug.ReadBuildInfo(); ok {
				goVer = " " + info.GoVersion
			}
			fmt.Printf("gateway %s%s\n", version, goVer)
		},
	}

	root.AddCommand(runCmd, validateCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

type configError struct{ err error }

func (e *configError) Error() string { return "config: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err}
	}

	log := newLogger(cfg.Logging.Level)

	// Explicit construction order: store client, limiter, verifier, route
	// table, breakers, forwarder, chain.
	var rdb *redis.Client
	var limiter ratelimit.Limiter
	var storePinger health.StorePinger

	switch strings.ToLower(cfg.Store.Backend) {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable; falling back to in-process limiter", slog.String("error", err.Error()))
			limiter = ratelimit.NewMemoryLimiter(
				time.Duration(cfg.Store.MemoryRL.TTLSeconds)*time.Second,
				time.Duration(cfg.Store.MemoryRL.CleanupSeconds)*time.Second,
			)
		} else {
			rl := ratelimit.NewRedisLimiter(rdb)
			limiter = rl
			storePinger = rl
		}
	default:
		limiter = ratelimit.NewMemoryLimiter(
			time.Duration(cfg.Store.MemoryRL.TTLSeconds)*time.Second,
			time.Duration(cfg.Store.MemoryRL.CleanupSeconds)*time.Second,
		)
	}
	defer limiter.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var blocklist auth.Blocklist
	if cfg.Auth.Blocklist.Enabled && rdb != nil {
		blocklist = auth.NewRedisBlocklist(rdb, cfg.Auth.Blocklist.KeyPrefix, log, m.BlocklistErrors.Inc)
	}

	verifier, jwks, err := buildVerifier(cfg, blocklist)
	if err != nil {
		return &configError{err}
	}

	breakers := breaker.NewRegistry()
	for name, bc := range cfg.Breakers {
		breakers.Add(name, breaker.Config{
			WindowSize:   bc.WindowSize,
			MinCalls:     bc.MinCalls,
			FailureRate:  bc.FailureRate,
			OpenDuration: time.Duration(bc.OpenSeconds) * time.Second,
			ProbeCount:   bc.ProbeCount,
			SlowCall:     time.Duration(bc.SlowCallMs) * time.Millisecond,
		}, m.ObserveBreaker)
	}

	policies := make(map[string]*ratelimit.Policy, len(cfg.Policies))
	for name, pc := range cfg.Policies {
		policies[name] = &ratelimit.Policy{
			ID:       name,
			Rate:     pc.TokensPerSecond,
			Burst:    pc.BurstCapacity,
			Strategy: pc.KeyStrategy,
		}
	}

	routes := make([]*proxy.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return &configError{fmt.Errorf("route %s: %w", rc.ID, err)}
		}
		methods := map[string]struct{}{}
		for _, mth := range rc.Methods {
			methods[strings.ToUpper(mth)] = struct{}{}
		}
		service := rc.Service
		if service == "" {
			service = rc.ID
		}
		routes = append(routes, &proxy.Route{
			ID:                rc.ID,
			Service:           service,
			Patterns:          rc.PathPatterns,
			Methods:           methods,
			Upstream:          u,
			StripPrefix:       rc.StripPrefix,
			RewriteTo:         rc.RewriteTo,
			AuthRequired:      rc.AuthRequired,
			ForwardAuthHeader: rc.ForwardAuthHeader,
			PublicPaths:       rc.PublicPaths,
			Policy:            policies[rc.RateLimitPolicy],
			BreakerRef:        rc.Breaker,
			Timeout:           time.Duration(rc.TimeoutMs) * time.Millisecond,
			MaxRetries:        rc.MaxRetries,
			MaxInFlight:       rc.MaxInFlight,
		})
	}

	table, err := proxy.NewTable(routes)
	if err != nil {
		return &configError{err}
	}

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           cfg.Upstream.DialTimeout(),
		TLSHandshakeTimeout:   cfg.Upstream.TLSHandshakeTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
		IdleConnTimeout:       cfg.Upstream.IdleConnTimeout(),
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		return &configError{err}
	}

	fwd := proxy.NewForwarder(transport)
	fwd.StreamIdle = cfg.Upstream.StreamIdleTimeout()

	gw := gateway.New(gateway.Options{
		Log:          log,
		Verifier:     verifier,
		Table:        table,
		Limiter:      limiter,
		Breakers:     breakers,
		Forwarder:    fwd,
		Metrics:      m,
		CORS:         mw.NewCORS(cfg.CORS),
		IPResolver:   netx.IPResolver{Trusted: trusted, Header: cfg.Server.ForwardedForHeader},
		Security:     cfg.SecurityHeaders,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MaxInFlight:  cfg.Server.MaxInFlight,
	})

	hh := &health.Handler{Store: storePinger, Breakers: breakers}
	if jwks != nil {
		hh.Extra = func() map[string]any { return map[string]any{"jwks": jwks.Stats()} }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", hh.Live)
	mux.HandleFunc("/health/detailed", hh.Detailed)
	registerAdmin(mux, cfg, breakers)
	mux.Handle("/", gw.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("store", cfg.Store.Backend),
			slog.Int("routes", len(cfg.Routes)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func buildVerifier(cfg *config.Config, bl auth.Blocklist) (auth.Verifier, *auth.JWKSVerifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Auth.Mode)) {
	case "jwks":
		v, err := auth.NewJWKSVerifier(cfg.Auth.JWKS.URL, auth.JWKSOptions{
			HTTPTimeout:     time.Duration(cfg.Auth.JWKS.HTTPTimeoutSeconds) * time.Second,
			CacheTTL:        time.Duration(cfg.Auth.JWKS.CacheTTLSeconds) * time.Second,
			RefreshCooldown: time.Duration(cfg.Auth.JWKS.RefreshCooldownSeconds) * time.Second,
			Issuers:         cfg.Auth.JWKS.Issuers,
			Audiences:       cfg.Auth.JWKS.Audiences,
		})
		if err != nil {
			return nil, nil, err
		}
		v.Blocklist = bl
		return v, v, nil
	case "hmac", "":
		if cfg.Auth.HMACSecret == "" {
			return nil, nil, nil // no auth configured; only valid with no protected routes
		}
		return auth.NewHMACVerifier([]byte(cfg.Auth.HMACSecret), nil, bl), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth.mode %q", cfg.Auth.Mode)
	}
}

func registerAdmin(mux *http.ServeMux, cfg *config.Config, breakers *breaker.Registry) {
	adminKey := config.AdminKey()
	startedAt := time.Now()

	mux.Handle("/-/status", mw.RequireAdminKey(adminKey, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"version":           version,
			"uptime_seconds":    int(time.Since(startedAt).Seconds()),
			"auth_mode":         cfg.Auth.Mode,
			"store_backend":     cfg.Store.Backend,
			"routes_configured": len(cfg.Routes),
		})
	})))

	mux.Handle("/-/routes", mw.RequireAdminKey(adminKey, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, cfg.Routes)
	})))

	mux.Handle("/-/limits", mw.RequireAdminKey(adminKey, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"policies": cfg.Policies,
			"breakers": breakers.Stats(),
		})
	})))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
