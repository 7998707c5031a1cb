package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fleet-monitor/api"
	"fleet-monitor/cache"
	"fleet-monitor/config"
	"fleet-monitor/database"
	"fleet-monitor/logging"
	"fleet-monitor/monitor"
	"fleet-monitor/snapshot"
	"fleet-monitor/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Pick up log level changes without a restart
	err = config.Watch(*configPath, func(c *config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, c.Log.Level); err == nil {
			logger.Info("log level changed", zap.String("level", c.Log.Level))
		}
	})
	if err != nil {
		logger.Debug("config file not watched", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, closeFetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot source", zap.Error(err))
	}
	defer closeFetcher()

	mon := monitor.New(cfg.Monitor, fetcher, stream.NewClient(cfg.Stream, logger), logger)

	// Mirror positions into Redis
	if cfg.Redis.Enabled {
		rdb, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		mirror := cache.NewMirror(rdb, cfg.Redis.Key, logger)
		unsubscribe, err := mon.Subscribe(mirror.Listen)
		if err != nil {
			logger.Fatal("redis mirror", zap.Error(err))
		}
		defer unsubscribe()
		go func() {
			if err := mirror.Run(ctx); err != nil {
				logger.Error("redis mirror stopped", zap.Error(err))
			}
		}()
	}

	if err := mon.Start(ctx); err != nil {
		logger.Fatal("monitor", zap.Error(err))
	}
	defer mon.Stop()

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.RegisterRoutes(api.NewHandler(mon, logger), logger),
	}
	go func() {
		logger.Info("server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// newFetcher builds the roster source named by snapshot.source.
func newFetcher(ctx context.Context, cfg *config.Config) (snapshot.Fetcher, func(), error) {
	if cfg.Snapshot.Source == "postgres" {
		db, err := database.Open(ctx, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return snapshot.NewPostgresSource(db), func() { db.Close() }, nil
	}
	return snapshot.NewClientFromConfig(cfg.Snapshot), func() {}, nil
}
