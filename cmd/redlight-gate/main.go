package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/lessucettes/redlight/internal/config"
	"github.com/lessucettes/redlight/internal/gate"
	"github.com/lessucettes/redlight/internal/hasher"
)

var version = "dev"

// reloadableGate forwards to the gate built from the latest configuration.
type reloadableGate struct {
	current atomic.Pointer[gate.Gate]
}

var _ gate.FailurePolicy = (*reloadableGate)(nil)

func (r *reloadableGate) Decide(ctx context.Context, actorID, roomID string) gate.Decision {
	return r.current.Load().Decide(ctx, actorID, roomID)
}

func (r *reloadableGate) Unavailable() gate.Decision {
	return r.current.Load().Unavailable()
}

func buildGate(cfg *config.Config, logger *slog.Logger) *gate.Gate {
	return gate.New(gate.Options{
		LookupURL: cfg.Gate.LookupURL,
		APIToken:  cfg.Gate.APIToken,
		Timeout:   cfg.Gate.Timeout,
		FailOpen:  cfg.Gate.FailOpen,
	}, logger)
}

func main() {
	showVersion := flag.Bool("version", false, "Show plugin version and exit")
	configPath := flag.String("config", "./config.toml", "Path to the configuration file.")
	validateConfig := flag.Bool("validate", false, "Validate the configuration file and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *validateConfig {
		fmt.Printf("Validating configuration file: %s\n", *configPath)
		if _, err := config.Load(*configPath, config.RoleGate); err != nil {
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
	cfg, err := config.Load(configPath, config.RoleGate)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// stdout carries the plugin protocol, so logs never go there.
	logger, logCloser, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("Redlight join gate starting",
		"version", version,
		"config_path", configPath,
		"hash_algorithm", hasher.Algorithm,
		"fail_open", cfg.Gate.FailOpen,
	)

	g := &reloadableGate{}
	g.current.Store(buildGate(cfg, logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go config.StartWatcher(ctx, logger, configPath, config.RoleGate, func(newCfg *config.Config) {
		g.current.Store(buildGate(newCfg, logger))
		logger.Info("Gate reloaded", "lookup_url", newCfg.Gate.LookupURL, "fail_open", newCfg.Gate.FailOpen)
	}, 0)

	err = gate.Serve(ctx, g, os.Stdin, os.Stdout, logger)
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal, shutting down gracefully")
		return nil
	}
	return err
}
