package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lessucettes/redlight/internal/alert"
	"github.com/lessucettes/redlight/internal/config"
	"github.com/lessucettes/redlight/internal/dataset"
	"github.com/lessucettes/redlight/internal/hasher"
	"github.com/lessucettes/redlight/internal/lookup"
	"github.com/lessucettes/redlight/internal/matrix"
	"github.com/lessucettes/redlight/internal/metrics"
	"github.com/lessucettes/redlight/internal/server"
	"github.com/lessucettes/redlight/internal/store"
	"github.com/lessucettes/redlight/internal/upstream"
)

var version = "dev"

type notifier interface {
	lookup.Notifier
	Close()
}

// app holds what survives a config reload.
type app struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	snapshots store.Store
	notifier  notifier
	alertRoom string

	mu      sync.Mutex
	cfg     *config.Config
	dataset *dataset.Store
}

func main() {
	showVersion := flag.Bool("version", false, "Show server version and exit")
	configPath := flag.String("config", "./config.toml", "Path to the configuration file.")
	validateConfig := flag.Bool("validate", false, "Validate the configuration file and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *validateConfig {
		fmt.Printf("Validating configuration file: %s\n", *configPath)
		if _, err := config.Load(*configPath, config.RoleServer); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is VALID.")
		return
	}
	if err := runApp(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Application run failed: %v\n", err)
		os.Exit(1)
	}
}

func runApp(configPath string) error {
	cfg, err := config.Load(configPath, config.RoleServer)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, logCloser, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("Redlight lookup server starting",
		"version", version,
		"config_path", configPath,
		"hash_algorithm", hasher.Algorithm,
		"filtered_tags", cfg.Upstream.FilteredTags,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		logger:    logger,
		metrics:   metrics.New(reg),
		promReg:   reg,
		alertRoom: cfg.Alert.RoomID,
		cfg:       cfg,
	}

	if cfg.Dataset.SnapshotPath != "" {
		db, err := store.NewBadgerStore(cfg.Dataset.SnapshotPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot store: %w", err)
		}
		defer db.Close()
		a.snapshots = db
	}

	if cfg.Alert.Enabled() {
		client := matrix.NewClient(cfg.Alert.HomeserverURL, cfg.Alert.AccessToken, cfg.Alert.Timeout, logger)
		a.notifier = alert.New(client, alert.Options{
			QueueSize: cfg.Alert.QueueSize,
			Timeout:   cfg.Alert.Timeout,
			Metrics:   a.metrics,
		}, logger)
	} else {
		logger.Info("No alert homeserver configured, match alerts are disabled")
		a.notifier = alert.Noop{}
	}
	defer a.notifier.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ds, err := a.newDataset(cfg)
	if err != nil {
		return err
	}
	a.dataset = ds
	go func() {
		if err := ds.Prime(ctx); err != nil {
			logger.Warn("Initial dataset load failed, lookups will retry", "error", err)
		}
	}()

	sw := server.NewSwitch(a.buildHandler(cfg, ds))
	go config.StartWatcher(ctx, logger, configPath, config.RoleServer, func(newCfg *config.Config) {
		a.reload(ctx, sw, newCfg)
	}, 0)

	srv := server.NewHTTPServer(cfg.Server.ListenAddr, sw, cfg.Server.ReadHeaderTimeout)
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Listening for lookups", "addr", cfg.Server.ListenAddr, "path", server.LookupPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down gracefully")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

func (a *app) newDataset(cfg *config.Config) (*dataset.Store, error) {
	client, err := upstream.NewClient(upstream.Config{
		SourceURL:    cfg.Upstream.SourceURL,
		Token:        cfg.Upstream.Token,
		FilePath:     cfg.Upstream.FilePath,
		FilteredTags: cfg.Upstream.FilteredTags,
		Timeout:      cfg.Upstream.Timeout,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return dataset.New(client, dataset.Options{
		TTL:            cfg.Dataset.TTL,
		RefreshTimeout: cfg.Dataset.RefreshTimeout,
		FailureBackoff: cfg.Dataset.FailureBackoff,
		Snapshots:      a.snapshots,
		Origin:         cfg.Upstream.Origin(),
		Metrics:        a.metrics,
	}, a.logger), nil
}

func (a *app) buildHandler(cfg *config.Config, ds *dataset.Store) http.Handler {
	svc := lookup.NewService(ds, a.notifier, lookup.Options{
		APITokens: cfg.Lookup.APITokens,
		AlertRoom: a.alertRoom,
		Metrics:   a.metrics,
	}, a.logger)

	opts := server.Options{
		MaxBodyBytes: cfg.Lookup.MaxBodyBytes,
		RateLimiter:  server.NewRateLimiter(cfg.Lookup.RateLimit, a.metrics, a.logger),
		Metrics:      a.metrics,
	}
	if cfg.Server.MetricsEnabled {
		opts.MetricsHandler = promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{})
	}
	return server.NewRouter(svc, ds, opts, a.logger)
}

// reload builds a new handler generation from newCfg. A changed upstream gets
// a fresh dataset that must load before it replaces the running one.
func (a *app) reload(ctx context.Context, sw *server.Switch, newCfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ds := a.dataset
	if !newCfg.SameSource(a.cfg) {
		a.logger.Info("Upstream settings changed, loading new dataset")
		fresh, err := a.newDataset(newCfg)
		if err != nil {
			a.logger.Error("Failed to build dataset on config reload, keeping old one", "error", err)
			return
		}
		if _, err := fresh.Current(ctx); err != nil {
			a.logger.Error("New dataset failed to load, keeping old configuration", "error", err)
			return
		}
		ds = fresh
	}

	if newCfg.Server != a.cfg.Server || newCfg.Alert != a.cfg.Alert || newCfg.Log != a.cfg.Log {
		a.logger.Warn("Restart required to apply changed listener or alert or log settings")
	}

	sw.Store(a.buildHandler(newCfg, ds))
	a.cfg = newCfg
	a.dataset = ds
	a.logger.Info("Lookup handler reloaded")
}
