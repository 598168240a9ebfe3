// Command daemon runs the audiogate playback service: the content access
// gate, the guarded locator resolver and the playback session state machine
// behind a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarrer/audiogate/internal/api"
	"github.com/mkarrer/audiogate/internal/cache"
	"github.com/mkarrer/audiogate/internal/config"
	"github.com/mkarrer/audiogate/internal/downloads"
	"github.com/mkarrer/audiogate/internal/library"
	aglog "github.com/mkarrer/audiogate/internal/log"
	"github.com/mkarrer/audiogate/internal/playback"
	"github.com/mkarrer/audiogate/internal/resilience"
	"github.com/mkarrer/audiogate/internal/resolve"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logger := aglog.Base()
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	aglog.Configure(aglog.Config{
		Level:   cfg.LogLevel,
		Service: "audiogate",
	})
	logger := aglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := library.Open(cfg.LibraryDB)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer func() { _ = store.Close() }()

	index, err := downloads.Open(cfg.DownloadsDir)
	if err != nil {
		return fmt.Errorf("open download index: %w", err)
	}
	defer func() { _ = index.Close() }()

	var locators cache.LocatorCache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, aglog.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("connect locator cache: %w", err)
		}
		locators = redisCache
	} else {
		locators = cache.NewMemoryCache()
	}
	defer func() { _ = locators.Close() }()

	resolver := resolve.New(store, locators,
		resolve.WithTTL(cfg.Resolver.CacheTTL()),
		resolve.WithRateLimit(cfg.Resolver.RatePerSecond, cfg.Resolver.Burst),
	)

	resume, err := playback.OpenResumeStore(cfg.ResumeFile)
	if err != nil {
		return fmt.Errorf("open resume store: %w", err)
	}

	guard := resilience.NewGuard("playback")
	session := playback.NewSession(playback.Deps{
		Resolver:  resolver,
		Engine:    &playback.NopEngine{},
		Downloads: index,
		Guard:     guard,
		Resume:    resume,
	})
	defer func() { _ = session.Close() }()

	// Subscription flags swap atomically on config reload so in-flight
	// requests always read a consistent pair.
	var subscription atomic.Pointer[config.SubscriptionConfig]
	subscription.Store(&cfg.Subscription)

	server := api.NewServer(api.Deps{
		Session: session,
		Library: store,
		Guard:   guard,
		Flags: func() (bool, bool) {
			sub := subscription.Load()
			return sub.Active, sub.Available
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Listen).
		Str("library_db", cfg.LibraryDB).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("starting audiogate")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return config.Watch(gctx, configPath, func(next config.Config) {
			aglog.SetLevel(next.LogLevel)
			sub := next.Subscription
			subscription.Store(&sub)
			logger.Info().
				Bool("subscription_active", sub.Active).
				Bool("subscription_available", sub.Available).
				Msg("runtime configuration updated")
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("daemon stopped")
	return nil
}
