package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/config"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/store"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	storePath  string
	logLevel   string
	logFormat  string
}

// app is what a command works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *store.Coalescing
	client   *client.Client
}

// loadConfig reads the config file, when given, and applies flag overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		cfg, err = config.Load(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if g.storePath != "" {
		cfg.Store.Path = g.storePath
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp opens the store and builds the client.
func openApp(g *globalFlags) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLoggerWithWriter(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	passphrase, err := storePassphrase(cfg)
	if err != nil {
		return nil, err
	}
	file, err := store.OpenFile(cfg.Store.Path, passphrase, store.FileOptions{})
	if err != nil {
		if errors.Is(err, store.ErrWrongPassphrase) {
			return nil, fmt.Errorf("cannot unlock %s: wrong passphrase", cfg.Store.Path)
		}
		return nil, err
	}
	kv := store.NewCoalescing(file, cfg.Store.FlushDelay, logger)

	registry := prometheus.NewRegistry()
	c, err := client.New(client.Options{
		Config:  cfg,
		Store:   kv,
		Logger:  logger,
		Metrics: metrics.NewMetricsWithRegistry(registry),
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    kv,
		client:   c,
	}, nil
}

// Close shuts the client down and flushes the store.
func (a *app) Close() error {
	return errors.Join(a.client.Close(), a.store.Close())
}

// storePassphrase returns the configured passphrase, prompting for it when
// stdin is a terminal.
func storePassphrase(cfg *config.Config) (string, error) {
	if p := cfg.Store.ResolvePassphrase(); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("store passphrase required: set %s", cfg.Store.PassphraseEnv)
	}

	fmt.Fprint(os.Stderr, "Store passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(p) == 0 {
		return "", errors.New("store passphrase is required")
	}
	return string(p), nil
}

// isInteractive reports whether forms can be shown.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
