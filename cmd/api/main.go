package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tourhooks/internal/api"
	"tourhooks/internal/config"
	"tourhooks/internal/integrations"
	"tourhooks/internal/integrations/cardpay"
	"tourhooks/internal/integrations/mockpay"
	"tourhooks/internal/integrations/regionalpay"
	"tourhooks/internal/logging"
	"tourhooks/internal/metrics"
	"tourhooks/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	if cfg.UsesDevSecrets() {
		logger.Warn("running with default development secrets; set TOURHOOKS_AUTH_TOKEN_SECRET and TOURHOOKS_WEBHOOKS_SIGNING_SECRET")
	}
	metrics.RegisterDefault()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var broker api.FeedBroker
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(ctx, cfg.Redis.URL, cfg.Redis.Channel, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process feed broker", "error", err)
		} else {
			broker = rb
		}
	}

	norm := integrations.NewNormalizer(adapters(cfg)...)
	srv, err := api.NewServer(cfg, st, broker, logger, norm)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", httpSrv.Addr, "providers", norm.Providers())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Webhooks.DeliveryTimeout+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// in-flight deliveries finish or hit their own deadline
	if err := srv.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown", "error", err)
	}
	return nil
}

// openStore picks Postgres when a database URL is configured, else memory.
func openStore(cfg *config.Config, logger *logging.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func adapters(cfg *config.Config) []integrations.Adapter {
	var out []integrations.Adapter
	if cfg.Providers.MockPay.Enabled {
		out = append(out, mockpay.New())
	}
	if p := cfg.Providers.CardPay; p.Enabled {
		out = append(out, cardpay.New(cardpay.Config{BaseURL: p.BaseURL, APIKey: p.APIKey, Currency: p.Currency, Timeout: p.Timeout}))
	}
	if p := cfg.Providers.RegionalPay; p.Enabled {
		out = append(out, regionalpay.New(regionalpay.Config{BaseURL: p.BaseURL, ServerKey: p.APIKey, Currency: p.Currency, Timeout: p.Timeout}))
	}
	return out
}
