// Command tecken runs the symbol server: symbolication, symbol download
// redirects and the missing-symbols export.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/g-k/tecken/internal/config"
	"github.com/g-k/tecken/internal/downloader"
	"github.com/g-k/tecken/internal/httpx"
	"github.com/g-k/tecken/internal/metrics"
	"github.com/g-k/tecken/internal/missingsymbols"
	"github.com/g-k/tecken/internal/origins"
	"github.com/g-k/tecken/internal/server"
	"github.com/g-k/tecken/internal/symbolicate"
	"github.com/g-k/tecken/internal/symbolstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("configuration", zap.Error(err))
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger = zap.Must(zap.NewDevelopment())
	} else {
		logger = zap.Must(zap.NewProduction())
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := origins.NewRegistry(cfg.SymbolURLs)
	if err != nil {
		return err
	}
	for _, o := range registry.Origins() {
		logger.Info("symbol origin",
			zap.String("url", o.RawURL),
			zap.String("kind", o.Kind.String()),
			zap.Bool("public", o.Public))
	}

	dl, err := downloader.New(ctx, registry, downloader.Options{
		GetTimeout:         cfg.GetTimeout,
		ExistsCacheMaxSize: cfg.ExistsCacheMaxSize,
		ExistsCacheTTL:     cfg.ExistsCacheTTL,
		HTTPClient:         httpx.New(),
	}, logger)
	if err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisStoreURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := symbolstore.New(symbolstore.NewGoRedisClient(redisClient), cfg.NegativeTTL, logger)
	missing := missingsymbols.New(missingsymbols.NewGoRedisClient(redisClient), logger)
	engine := symbolicate.NewEngine(store, dl, cfg.DownloadMaxConcurrency, logger)

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)

	srv := server.New(engine, dl, missing, store, promRegistry, logger)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
