// Command idm-scheduler runs the request scheduler as a standalone process.
// UI processes talk to it over JSON-RPC (HTTP or WebSocket) and receive
// schedulerStateChanged pushes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/internal/server"
	"github.com/Sternrassler/idm-request-scheduler/pkg/cache"
	"github.com/Sternrassler/idm-request-scheduler/pkg/client"
	"github.com/Sternrassler/idm-request-scheduler/pkg/logging"
	"github.com/Sternrassler/idm-request-scheduler/pkg/ratelimit"
	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// appConfig is everything the process reads from its environment.
type appConfig struct {
	BaseURL        string
	SessionCookie  string
	CSRFToken      string
	UserAgent      string
	Port           string
	RedisURL       string
	LogLevel       string
	LogPretty      bool
	WarningFrac    float64
	MaxRPS         float64
	CacheTTL       time.Duration
	AllowedOrigins []string
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logCfg.Service = "idm-scheduler"
	logging.Setup(logCfg)
	logger := logging.NewLogger(logging.ComponentMain)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Scheduler server failed")
	}
}

// run wires transport, quota tracker, scheduler, optional Redis cache and the
// RPC server, and blocks until ctx is done.
func run(ctx context.Context, cfg appConfig) error {
	logger := logging.NewLogger(logging.ComponentMain)

	httpCfg := transport.DefaultHTTPConfig(cfg.BaseURL)
	httpCfg.SessionCookie = cfg.SessionCookie
	httpCfg.CSRFToken = cfg.CSRFToken
	httpCfg.UserAgent = cfg.UserAgent
	t, err := transport.NewHTTPTransport(httpCfg, logging.NewLogger(logging.ComponentTransport))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Str("redis", cfg.RedisURL).Msg("Connected to Redis")
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Policy.WarningFraction = cfg.WarningFrac
	schedCfg.MaxRequestsPerSecond = cfg.MaxRPS

	var store ratelimit.Store
	if rdb != nil {
		store = ratelimit.NewRedisStore(rdb)
	}
	tracker := ratelimit.NewTracker(schedCfg.Policy, store, nil, logging.NewLogger(logging.ComponentRateLimit))
	if err := tracker.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not restore quota state")
	}

	sched, err := scheduler.New(t, tracker, schedCfg, scheduler.WithLogger(logging.NewLogger(logging.ComponentScheduler)))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	var api server.Scheduler = sched
	if rdb != nil {
		api, err = withCache(sched, cache.NewManager(rdb), cfg.CacheTTL, logging.NewLogger(logging.ComponentClient))
		if err != nil {
			return err
		}
	}

	srvCfg := server.DefaultConfig(":" + cfg.Port)
	srvCfg.AllowedOrigins = cfg.AllowedOrigins
	srv, err := server.New(srvCfg, api, logging.NewLogger(logging.ComponentServer))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Str("user_agent", cfg.UserAgent).
		Float64("warning_fraction", cfg.WarningFrac).
		Float64("max_rps", cfg.MaxRPS).
		Bool("cache", rdb != nil).
		Msg("Scheduler ready")

	return srv.Run(ctx)
}

// cachedScheduler serves scheduleApiRequest through a caching client while
// every other command goes to the scheduler itself.
type cachedScheduler struct {
	*scheduler.Scheduler
	client *client.Client
}

// Schedule routes the request through the caching client.
func (c cachedScheduler) Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error) {
	return c.client.Do(ctx, req)
}

func withCache(sched *scheduler.Scheduler, c client.Cache, ttl time.Duration, logger zerolog.Logger) (cachedScheduler, error) {
	clientCfg := client.DefaultConfig("rpc")
	clientCfg.Cache = c
	clientCfg.CacheTTL = ttl
	cl, err := client.New(sched, clientCfg, logger)
	if err != nil {
		return cachedScheduler{}, fmt.Errorf("create client: %w", err)
	}
	return cachedScheduler{Scheduler: sched, client: cl}, nil
}

func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// loadConfig reads the process configuration through getenv.
func loadConfig(getenv func(string) string) (appConfig, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := appConfig{
		BaseURL:       getenv("IDM_BASE_URL"),
		SessionCookie: getenv("IDM_SESSION_COOKIE"),
		CSRFToken:     getenv("IDM_CSRF_TOKEN"),
		UserAgent:     env("USER_AGENT", "idm-request-scheduler/0.1.0"),
		Port:          env("PORT", "8080"),
		RedisURL:      getenv("REDIS_URL"),
		LogLevel:      env("LOG_LEVEL", string(logging.LevelInfo)),
	}
	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("IDM_BASE_URL is required")
	}

	var err error
	if cfg.LogPretty, err = strconv.ParseBool(env("LOG_PRETTY", "false")); err != nil {
		return cfg, fmt.Errorf("LOG_PRETTY: %w", err)
	}
	if cfg.WarningFrac, err = strconv.ParseFloat(env("WARNING_THRESHOLD", "0.2"), 64); err != nil {
		return cfg, fmt.Errorf("WARNING_THRESHOLD: %w", err)
	}
	if cfg.WarningFrac < 0 || cfg.WarningFrac > 1 {
		return cfg, fmt.Errorf("WARNING_THRESHOLD must be between 0 and 1 (got %v)", cfg.WarningFrac)
	}
	if cfg.MaxRPS, err = strconv.ParseFloat(env("MAX_RPS", "0"), 64); err != nil {
		return cfg, fmt.Errorf("MAX_RPS: %w", err)
	}
	if cfg.MaxRPS < 0 {
		return cfg, fmt.Errorf("MAX_RPS must not be negative (got %v)", cfg.MaxRPS)
	}
	if cfg.CacheTTL, err = time.ParseDuration(env("CACHE_TTL", cache.DefaultTTL.String())); err != nil {
		return cfg, fmt.Errorf("CACHE_TTL: %w", err)
	}
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}
