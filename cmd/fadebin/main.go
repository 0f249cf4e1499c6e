package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fadebin/cfg"
	"fadebin/pkg/clock"
	"fadebin/svc/api"
	"fadebin/svc/db"
	"fadebin/svc/lim"
	"fadebin/svc/svc"
	"fadebin/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck(c))
	}
	util.Info().Str("backend", c.StoreBackend).Msg("starting fadebin")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("store unavailable, refusing to serve")
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store connected")

	var shared lim.Counter
	if rdb, ok := store.(*db.Redis); ok {
		shared = rdb
	}
	limiter, err := lim.New(lim.Config{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		TrustedProxies:    c.TrustedProxies,
		CacheSize:         c.LimiterCacheSize,
		AdaptiveFor:       c.RateLimit.AdaptiveFor,
		Watch: lim.WatchConfig{
			Window:  c.RateLimit.FailureWindow,
			MinOps:  c.RateLimit.FailureMinOps,
			Percent: c.RateLimit.FailurePercent,
		},
	}, shared)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", shared != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	pasteSvc := svc.NewPaste(store, util.NewNanoID(util.IDLength), clock.System{}, c)
	pasteSvc.ReportTo(limiter)
	server := api.NewServer(c, pasteSvc, limiter, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if sqlite, ok := store.(*db.SQLite); ok {
		g.Go(func() error {
			sqlite.StartWALMaintenance(gctx)
			return nil
		})
		util.Info().Msg("WAL maintenance worker started")
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		pasteSvc.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server stopped with error")
	}
	util.Info().Msg("shutdown complete")
}

// healthcheck is the container probe: exit 0 when the running server
// reports its store ready. It asks the server rather than opening the
// store itself, which bolt's file lock would refuse and which would prove
// nothing for the memory backend.
func healthcheck(c *cfg.Cfg) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := probeReady(ctx, "http://127.0.0.1:"+c.Port+"/api/ready"); err != nil {
		util.Error().Err(err).Msg("health check failed")
		return 1
	}
	return 0
}
func probeReady(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build readiness request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "readiness request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}
