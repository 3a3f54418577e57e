package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env não sobrescreve variáveis já definidas
	envErr := godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Reverse proxy com rate limit por cliente e rota."),
		kong.UsageOnError(),
	)

	log, err := newLogger(cli.LogLevel)
	kctx.FatalIfErrorf(err)
	defer func() { _ = log.Sync() }()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("load .env", zap.Error(envErr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cli, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, cli CLI, log *zap.Logger) error {
	target, err := url.Parse(cli.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h := http.Handler(proxy)
	var (
		lim   *ratelimit.Limiter
		stats statsBundle
	)
	if cli.Rate.Enabled {
		stats, err = buildStats(ctx, cli.Stats, reg)
		if err != nil {
			return err
		}
		defer stats.close()

		opts, err := limiterOptions(cli)
		if err != nil {
			return err
		}
		opts.Stats = stats.store
		opts.Logger = log
		opts.Notifier = cli.Rate.notifier(log)

		lim, err = ratelimit.New(ctx, opts)
		if err != nil {
			return err
		}
		defer func() { _ = lim.Close() }()
		h = lim.Handler(h)
		startPurger(ctx, lim.Store(), cli.Storage.JanitorEvery, log)

		log.Info("rate limit enabled",
			zap.Int64("limit", cli.Rate.Limit),
			zap.Duration("window", cli.Rate.Window),
			zap.String("storage", cli.Storage.Kind),
			zap.String("keyHeader", cli.Rate.KeyHeader),
			zap.Bool("trustXFF", cli.Rate.TrustXFF),
			zap.Int("routes", len(opts.Routes)),
			zap.Bool("redisStats", cli.Stats.Enabled),
		)
	}

	servers := []*http.Server{newServer(cli.ListenAddr, h)}
	if cli.AdminAddr != "" {
		a := adminDeps{reg: reg, log: log}
		if lim != nil {
			a.keys = lim
		}
		if stats.redis != nil {
			a.totals = stats.redis
		}
		servers = append(servers, newServer(cli.AdminAddr, newAdminMux(a)))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	log.Info("gateway started", zap.String("upstream", target.String()))
	return g.Wait()
}

// purger é implementado pelos stores que não expiram linhas sozinhos (SQL).
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func startPurger(ctx context.Context, store domain.CounterStore, every time.Duration, log *zap.Logger) {
	p, ok := store.(purger)
	if !ok || every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := p.Purge(ctx)
				if err != nil {
					log.Warn("purge expired windows", zap.Error(err))
					continue
				}
				log.Debug("purged expired windows", zap.Int64("rows", n))
			}
		}
	}()
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

// statsBundle junta os stores de estatística montados a partir das flags.
type statsBundle struct {
	store domain.StatsStore
	redis *infra.RedisStatsStore
	close func()
}

// buildStats sempre expõe os contadores no Prometheus; com RATE_STATS_ENABLED
// também agrega no Redis.
func buildStats(ctx context.Context, f StatsFlags, reg prometheus.Registerer) (statsBundle, error) {
	prom, err := infra.NewPrometheusStatsStore(reg, "gateway_ratelimit")
	if err != nil {
		return statsBundle{}, err
	}
	if !f.Enabled {
		return statsBundle{store: prom, close: func() {}}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     f.RedisAddr,
		Password: f.RedisPassword,
		DB:       f.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return statsBundle{}, fmt.Errorf("redis stats ping: %w", err)
	}

	rs := infra.NewRedisStatsStore(rdb,
		infra.WithStatsPrefix(f.Prefix),
		infra.WithStatsTTL(f.TTL),
		infra.WithStatsBucket(f.Bucket),
		infra.WithStatsTrackKeys(f.TrackKeys),
	)
	return statsBundle{
		store: infra.MultiStatsStore{prom, rs},
		redis: rs,
		close: func() { _ = rdb.Close() },
	}, nil
}
