package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/earth-mosaic/internal/config"
	"github.com/withObsrvr/earth-mosaic/internal/fetch"
	"github.com/withObsrvr/earth-mosaic/internal/fragment"
	"github.com/withObsrvr/earth-mosaic/internal/ledger"
	"github.com/withObsrvr/earth-mosaic/internal/logging"
	"github.com/withObsrvr/earth-mosaic/internal/metrics"
	"github.com/withObsrvr/earth-mosaic/internal/mosaic"
	"github.com/withObsrvr/earth-mosaic/internal/orchestrator"
	"github.com/withObsrvr/earth-mosaic/internal/provider"
	"github.com/withObsrvr/earth-mosaic/internal/storage"
)

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "config.toml", "path to TOML or YAML config file")
		interval    = pflag.Duration("interval", 0, "repeat the run at this interval (0 runs once)")
		logLevel    = pflag.String("log-level", "", "override log level (debug, info, warn, error)")
		logFormat   = pflag.String("log-format", "", "override log format (text, json)")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("earth-mosaic %s (%s)\n", orchestrator.Version, orchestrator.GitSHA)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] earth-mosaic %s (%s)", orchestrator.Version, orchestrator.GitSHA)

	cfg := config.MustLoad(*configPath)
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, *interval); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown complete")
			return
		}
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("earth-mosaic stopped cleanly")
}

// run wires every component once and performs one pass, or one pass per
// interval until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, interval time.Duration) error {
	if cfg.Metrics.Enabled {
		m := metrics.Init(cfg.Metrics.Namespace)
		if cfg.Metrics.Address != "" {
			go func() {
				if err := m.StartServer(cfg.Metrics.Address); err != nil {
					slog.Error("metrics server stopped", "error", err)
				}
			}()
		}
	}

	store, err := storage.NewStore(storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.SavePath,
		Bucket:     cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		URL:        cfg.Storage.URL,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	led, err := ledger.Open(ledger.Config{Backend: cfg.Ledger.Backend, Path: cfg.Ledger.Path})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			slog.Error("failed to close ledger", "error", err)
		}
	}()

	var cache *fragment.Cache
	if cfg.Cache.Enabled {
		var cacheStore storage.Store = store
		if cfg.Cache.Dir != "" {
			cacheStore, err = storage.NewLocalStore(cfg.Cache.Dir, "")
			if err != nil {
				return fmt.Errorf("create fragment cache: %w", err)
			}
			defer cacheStore.Close()
		}
		cache, err = fragment.NewCache(cacheStore)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	fetcher := fetch.New(fetch.Config{
		MaxInFlight:        cfg.Fetch.MaxInFlight,
		MaxRetries:         uint64(cfg.Fetch.Retries()),
		RetryDelay:         cfg.Fetch.RetryDelay.Duration,
		Timeout:            cfg.Fetch.Timeout.Duration,
		RequestsPerSecond:  cfg.Fetch.RequestsPerSecond,
		Headers:            cfg.Provider.Headers,
		UserAgent:          cfg.Provider.UserAgent,
		InsecureSkipVerify: cfg.Provider.InsecureSkipVerify,
	})

	prov := provider.New(provider.Config{
		Host:         cfg.Provider.Host,
		TileHost:     cfg.Provider.TileHost,
		Template:     cfg.Provider.Template,
		MetadataPath: cfg.Provider.MetadataPath,
	}, fetcher)

	codec, err := mosaic.CodecFor(cfg.Mosaic.Format)
	if err != nil {
		return err
	}

	tally := &mosaic.Tally{}
	persister := mosaic.NewPersister(store, led, codec, cfg.Mosaic.MaxPendingSaves, tally)
	comp := mosaic.NewCompositor(mosaic.Config{
		Store:  store,
		Ledger: led,
		Source: fragment.New(fragment.Config{
			Ledger:   led,
			Getter:   fetcher,
			Locator:  prov,
			Cache:    cache,
			Progress: cfg.Progress,
		}),
		Persister:     persister,
		Codec:         codec,
		UnitSize:      cfg.Mosaic.PNGUnitSize,
		MaxConcurrent: cfg.Mosaic.MaxConcurrent,
		Replay:        cache != nil,
		Tally:         tally,
	})

	orch := orchestrator.New(orchestrator.Config{
		Zoom:        cfg.ZoomLevel,
		Span:        cfg.Window.Span.Duration,
		Step:        cfg.Window.Step.Duration,
		PushGateway: cfg.Metrics.PushGateway,
		PushJob:     cfg.Metrics.Job,
	}, prov, comp, persister, tally)

	if interval <= 0 {
		return orch.Run(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := orch.Run(ctx); err != nil {
			slog.Error("run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
