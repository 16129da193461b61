// Package main is the entry point for the Horcrux migration control plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/etcd"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/postgres"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/redis"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	standalone := flag.Bool("standalone", false, "Run with in-memory state only (no postgres/redis/etcd)")
	flag.Parse()

	if *showVersion {
		println("Horcrux Control Plane")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting Horcrux Control Plane",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []server.ServerOption
	if !*standalone {
		opts = connectInfrastructure(ctx, cfg, logger)
	}

	srv := server.New(cfg, logger, opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// connectInfrastructure dials postgres, redis and etcd. Each backend is
// optional: a failed connection logs a warning and the server falls back to
// in-memory or single-instance behavior for that concern.
func connectInfrastructure(ctx context.Context, cfg *config.Config, logger *zap.Logger) []server.ServerOption {
	var opts []server.ServerOption

	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL unavailable, using in-memory repositories", zap.Error(err))
	} else {
		opts = append(opts, server.WithPostgreSQL(db))
	}

	cache, err := redis.NewCache(cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis unavailable, caching disabled", zap.Error(err))
	} else {
		opts = append(opts, server.WithRedis(cache))
	}

	etcdClient, err := etcd.NewClient(cfg.Etcd, logger)
	if err != nil {
		logger.Warn("etcd unavailable, running without leader election", zap.Error(err))
	} else {
		opts = append(opts, server.WithEtcd(etcdClient))
	}

	return opts
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
