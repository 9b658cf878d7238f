// Command gateway runs the market data websocket gateway: the HTTP edge,
// the periodic publishers, and the metrics endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/marketgate/internal/config"
	"github.com/nmxmxh/marketgate/internal/handler"
	"github.com/nmxmxh/marketgate/internal/hub"
	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/policy"
	"github.com/nmxmxh/marketgate/internal/publisher"
	"github.com/nmxmxh/marketgate/internal/ratelimit"
	"github.com/nmxmxh/marketgate/internal/registry"
	"github.com/nmxmxh/marketgate/internal/server"
	"github.com/nmxmxh/marketgate/internal/source"
	"github.com/nmxmxh/marketgate/internal/token"
	"github.com/nmxmxh/marketgate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority := token.NewAuthority(cfg.JWTSecret, cfg.AppName)
	perm := policy.Default()
	reg := registry.New(authority, perm, registry.Config{
		MaxPerIP:      cfg.MaxConnsPerIP,
		MaxPerSubject: cfg.MaxConnsPerSub,
	}, log)
	broadcastHub := hub.New(reg, log)
	limiter := ratelimit.New(ratelimit.DefaultLimits(), log)
	quotes := source.NewQuoteCache()
	hdl := handler.New(reg, broadcastHub, limiter, quotes, log)

	sources := buildSources(cfg, log)
	scheduler := publisher.New(broadcastHub, reg, limiter, sources, quotes, publisher.Config{
		PriceEvery:     cfg.PriceInterval,
		FXEvery:        cfg.FXInterval,
		NewsEvery:      cfg.NewsInterval,
		SignalsEvery:   cfg.SignalsInterval,
		StatusEvery:    cfg.StatusInterval,
		HeartbeatEvery: cfg.HeartbeatInterval,
		SweepEvery:     5 * time.Minute,
		MaxIdle:        time.Duration(cfg.IdleSweepMinutes) * time.Minute,
	}, log)

	srv := server.New(cfg, log, authority, perm, reg, broadcastHub, hdl)

	go func() {
		if err := metrics.Serve(cfg.MetricsPort, log); err != nil {
			log.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return scheduler.Start(gctx) })

	log.Info("gateway started",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("metrics_port", cfg.MetricsPort),
	)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("gateway stopped")
	return nil
}

// buildSources picks the snapshot backend: an upstream HTTP service when
// configured, a Redis snapshot store as the fallback, and static empty
// snapshots for standalone runs.
func buildSources(cfg *config.Config, log *zap.Logger) publisher.Sources {
	switch {
	case cfg.SnapshotBaseURL != "":
		log.Info("using http snapshot source", zap.String("base_url", cfg.SnapshotBaseURL))
		c := source.NewHTTPClient(cfg.SnapshotBaseURL, cfg.SnapshotTimeout)
		return publisher.Sources{Prices: c, FX: c, News: c, Signals: c, Status: c}
	case cfg.RedisHost != "":
		log.Info("using redis snapshot source", zap.String("addr", cfg.RedisAddr()))
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c := source.NewRedisSource(client)
		return publisher.Sources{Prices: c, FX: c, News: c, Signals: c, Status: c}
	default:
		log.Warn("no snapshot backend configured, serving static snapshots")
		c := source.NewStaticSource()
		return publisher.Sources{Prices: c, FX: c, News: c, Signals: c, Status: c}
	}
}
