package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/hitl/internal/api"
	"github.com/h1v3-io/hitl/internal/broker"
	"github.com/h1v3-io/hitl/internal/config"
	"github.com/h1v3-io/hitl/internal/logbuf"
	"github.com/h1v3-io/hitl/internal/metrics"
	"github.com/h1v3-io/hitl/internal/scheduler"
	"github.com/h1v3-io/hitl/internal/store"
	"github.com/h1v3-io/hitl/internal/webhook"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (.json, .yaml)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Set up logging
	logLevel := logbuf.ParseLevel(cfg.Log.Level)
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(cfg.Log.Buffer)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	if err := run(cfg, logger, logBuf); err != nil {
		logger.Error("hitld failed", "error", err)
		os.Exit(1)
	}
	logger.Info("hitld stopped")
}

func run(cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("hitld starting", "store", cfg.Store.Driver, "addr", cfg.API.Addr())

	// 1. Request store
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Broker, with the WebSocket hub, metrics and webhook notifier as listeners
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := api.NewHub(logger)
	opts := []broker.Option{
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithListener(hub),
		broker.WithListener(m),
		broker.WithRequestTimeout(cfg.Broker.RequestTimeout()),
		broker.WithPollTimeouts(cfg.Broker.PollTimeout(), cfg.Broker.MaxPoll()),
	}
	var notifier *webhook.Notifier
	if len(cfg.Webhooks) > 0 {
		notifier = webhook.New(webhook.Config{Endpoints: webhookEndpoints(cfg.Webhooks)}, logger)
		opts = append(opts, broker.WithListener(notifier))
	}
	b := broker.New(st, opts...)
	defer b.Close()

	if err := registerGauges(reg, b, hub); err != nil {
		return err
	}

	// 3. Retention sweep
	sched := scheduler.New(logger)
	if keep := cfg.Retention.KeepFor(); keep > 0 {
		err := sched.AddJob("sweep", cfg.Retention.Schedule, func(context.Context) error {
			_, err := b.Sweep(keep)
			return err
		})
		if err != nil {
			return err
		}
	}

	// Start the notifier before Recover so expiries found at startup are delivered.
	g, gctx := errgroup.WithContext(ctx)
	if notifier != nil {
		g.Go(safeGo(logger, "webhook", func() error { return notifier.Run(gctx) }))
	}

	if _, _, err := b.Recover(); err != nil {
		stop()
		g.Wait()
		return err
	}

	// 4. API server
	apiSrv := api.NewServer(b, api.Config{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger, logBuf, hub)

	g.Go(safeGo(logger, "ws-hub", func() error { return hub.Run(gctx) }))
	g.Go(safeGo(logger, "scheduler", func() error { return sched.Start(gctx) }))
	g.Go(safeGo(logger, "api-server", func() error {
		if err := apiSrv.Start(gctx); err != nil {
			return err
		}
		// Server closed: bring the rest of the group down with it.
		return context.Canceled
	}))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func registerGauges(reg prometheus.Registerer, b *broker.Broker, hub *api.Hub) error {
	pending := protocol.StatusPending
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"waiters", "Callers blocked in a long-poll wait.", func() float64 { return float64(b.Waiting()) }},
		{"ws_clients", "Connected WebSocket clients.", func() float64 { return float64(hub.Clients()) }},
		{"requests_pending", "Requests awaiting an answer.", func() float64 {
			reqs, err := b.List(store.Filter{Status: &pending})
			if err != nil {
				return 0
			}
			return float64(len(reqs))
		}},
	}
	for _, g := range gauges {
		if err := metrics.RegisterGauge(reg, g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("register %s gauge: %w", g.name, err)
		}
	}
	return nil
}

func webhookEndpoints(whs []config.WebhookConfig) []webhook.Endpoint {
	eps := make([]webhook.Endpoint, len(whs))
	for i, wh := range whs {
		eps[i] = webhook.Endpoint{
			Name:        wh.Name,
			URL:         wh.URL,
			Secret:      wh.Secret,
			BearerToken: wh.BearerToken,
			SessionID:   wh.SessionID,
		}
	}
	return eps
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// safeGo wraps fn with panic recovery for use in an errgroup.
func safeGo(logger *slog.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}
