// Command credential-cache inspects and maintains an encrypted credential cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/credential-cache/broadcast"
	"github.com/wolfeidau/credential-cache/cache"
	"github.com/wolfeidau/credential-cache/expiry"
	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/storage/structured"
	"github.com/wolfeidau/credential-cache/telemetry"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	DB           string         `help:"Origin database path." default:"credential-cache.db" env:"CREDCACHE_DB" type:"path"`
	StructuredDB string         `help:"Structured store path, used when the origin database cannot be opened or initialized." env:"CREDCACHE_STRUCTURED_DB" type:"path"`
	ClientID     string         `help:"Client id the cache belongs to." required:"" env:"CREDCACHE_CLIENT_ID"`
	Namespace    string         `help:"Key namespace." default:"credcache" env:"CREDCACHE_NAMESPACE"`
	Location     cache.Location `help:"Where accounts and credentials live (local, session, memory)." default:"local" enum:"local,session,memory" env:"CREDCACHE_LOCATION"`
	Session      string         `help:"Tab session id. A new session is created when empty." env:"CREDCACHE_SESSION"`
	LogLevel     string         `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"CREDCACHE_LOG_LEVEL"`
	LogFormat    string         `help:"Log format (text, json)." default:"text" enum:"text,json" env:"CREDCACHE_LOG_FORMAT"`
}

type CLI struct {
	Globals

	Keys     KeysCmd          `cmd:"" help:"List cached account and credential keys."`
	Accounts AccountsCmd      `cmd:"" help:"List cached accounts."`
	Clear    ClearCmd         `cmd:"" help:"Remove everything the client has cached."`
	Rotate   RotateCmd        `cmd:"" help:"Replace the encryption secret, discarding the persistent cache."`
	Sweep    SweepCmd         `cmd:"" help:"Remove expired access tokens and throttling records."`
	Serve    ServeCmd         `cmd:"" help:"Keep a cache in sync with other processes and sweep expired entries."`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("credential-cache"),
		kong.Description("Encrypted multi-tier credential cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}

// env is an opened cache and everything that must be released with it.
type env struct {
	logger  *slog.Logger
	origin  *storage.Origin
	manager *cache.Manager
	session string
	closers []func() error
}

func (e *env) Close() error {
	var errs []error
	if e.manager != nil {
		errs = append(errs, e.manager.Close())
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

// open builds and initializes a manager. A nil channel leaves it unconnected.
func (g *Globals) open(ctx context.Context, logger *slog.Logger, ch broadcast.Channel) (*env, error) {
	e := &env{logger: logger, session: g.Session}
	if e.session == "" {
		e.session = uuid.NewString()
	}

	var tiers cache.Tiers
	origin, err := storage.OpenOrigin(g.DB, storage.WithLogger(logger), storage.WithLockTimeout(time.Second))
	switch {
	case err == nil:
		e.origin = origin
		e.closers = append(e.closers, origin.Close)
		if g.Session == "" {
			// a generated session is never reused
			e.closers = append(e.closers, func() error { return origin.DropSession(e.session) })
		}
		tiers = cache.Tiers{
			Local:   storage.NewInstrumented(origin.Local(), "local"),
			Session: storage.NewInstrumented(origin.Session(e.session), "session"),
			Cookies: origin.Cookies(),
		}
	case errors.Is(err, storage.ErrStoreUnavailable) && g.StructuredDB != "":
		// Without the origin database the cache runs on the structured store.
		// The encryption secret is kept in a second structured file so it
		// survives restarts. The session tier only lives as long as the process.
		logger.Warn("origin database unavailable, using structured store", "path", g.DB, "error", err)
		cookies, err := structured.New(g.StructuredDB+".cookies", structured.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("creating structured cookie store: %w", err)
		}
		e.closers = append(e.closers, cookies.Close)
		tiers = cache.Tiers{
			Session: storage.NewInstrumented(storage.NewMemory(), "session"),
			Cookies: storage.NewCookieStore(storage.NewInstrumented(cookies, "cookie")),
		}
	default:
		return nil, fmt.Errorf("opening origin database: %w", err)
	}

	if g.StructuredDB != "" {
		st, err := structured.New(g.StructuredDB, structured.WithLogger(logger))
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("creating structured store: %w", err)
		}
		e.closers = append(e.closers, st.Close)
		tiers.Structured = storage.NewInstrumented(st, "structured")
	}

	opts := []cache.Option{cache.WithLogger(logger)}
	if ch != nil {
		opts = append(opts, cache.WithChannel(ch))
	}
	m, err := cache.New(cache.Config{
		ClientID:      g.ClientID,
		Namespace:     g.Namespace,
		CacheLocation: g.Location,
	}, tiers, opts...)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.manager = m

	if err := m.Initialize(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("initializing cache: %w", err)
	}
	return e, nil
}

func (g *Globals) withCache(fn func(ctx context.Context, e *env) error) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := g.open(ctx, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type KeysCmd struct{}

func (c *KeysCmd) Run(g *Globals) error {
	return g.withCache(func(ctx context.Context, e *env) error {
		accounts, err := e.manager.AccountKeys(ctx)
		if err != nil {
			return err
		}
		tokens, err := e.manager.TokenKeys(ctx)
		if err != nil {
			return err
		}
		metadata, err := e.manager.AppMetadataKeys(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"generation":   e.manager.Generation(),
			"accounts":     accounts,
			"tokens":       tokens,
			"app_metadata": metadata,
		})
	})
}

type AccountsCmd struct {
	Username string `help:"Only accounts with this username."`
	Realm    string `help:"Only accounts in this realm."`
}

func (c *AccountsCmd) Run(g *Globals) error {
	return g.withCache(func(ctx context.Context, e *env) error {
		accounts, err := e.manager.GetAllAccounts(ctx, cache.AccountFilter{Username: c.Username, Realm: c.Realm})
		if err != nil {
			return err
		}
		if accounts == nil {
			accounts = []*cache.Account{}
		}
		return printJSON(accounts)
	})
}

type ClearCmd struct{}

func (c *ClearCmd) Run(g *Globals) error {
	return g.withCache(func(ctx context.Context, e *env) error {
		return e.manager.Clear(ctx)
	})
}

type RotateCmd struct{}

func (c *RotateCmd) Run(g *Globals) error {
	return g.withCache(func(ctx context.Context, e *env) error {
		before := e.manager.Generation()
		if err := e.manager.RotateKey(ctx); err != nil {
			return err
		}
		e.logger.Info("encryption secret rotated", "previous", before, "generation", e.manager.Generation())
		return nil
	})
}

type SweepCmd struct{}

func (c *SweepCmd) Run(g *Globals) error {
	return g.withCache(func(ctx context.Context, e *env) error {
		removed, err := e.manager.Sweep(ctx)
		e.logger.Info("sweep finished", "removed", removed)
		return err
	})
}

type ServeCmd struct {
	RedisAddr     string        `help:"Redis address for cross-process sync. Disabled when empty." env:"CREDCACHE_REDIS_ADDR"`
	Channel       string        `help:"Broadcast channel name." default:"credential-cache.broadcast" env:"CREDCACHE_CHANNEL"`
	MetricsAddr   string        `help:"Address serving /metrics. Disabled when empty." env:"CREDCACHE_METRICS_ADDR"`
	OTLPEndpoint  string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SweepInterval time.Duration `help:"How often to sweep expired entries." default:"5m" env:"CREDCACHE_SWEEP_INTERVAL"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "credential-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	var ch broadcast.Channel
	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		rch := broadcast.NewRedis(client, c.Channel, broadcast.WithRedisLogger(logger))
		defer func() { _ = rch.Close() }()
		ch = rch
	}

	e, err := g.open(ctx, logger, ch)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	cfg := expiry.DefaultConfig()
	cfg.CheckInterval = c.SweepInterval
	cfg.Logger = logger
	sweeper := expiry.NewManager(e.manager, cfg)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("serving credential cache",
		"client_id", g.ClientID,
		"session", e.session,
		"generation", e.manager.Generation(),
		"redis", c.RedisAddr != "",
		"metrics_addr", c.MetricsAddr,
	)
	return group.Wait()
}
