package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/sekaitools/suitesync/cache"
	"github.com/sekaitools/suitesync/chunks"
	"github.com/sekaitools/suitesync/codec"
	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/ingest"
	"github.com/sekaitools/suitesync/models"
	"github.com/sekaitools/suitesync/service"
	"github.com/sekaitools/suitesync/store"
	"github.com/sekaitools/suitesync/webhook"
)

func main() {
	configFile := flag.String("config", "suitesync.yaml", "path to the service configuration file")
	generateConfig := flag.Bool("generate-config", false, "print a starter configuration and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *generateConfig {
		if err := yaml.NewEncoder(os.Stdout).Encode(config.Generate()); err != nil {
			slog.Error("Failed to write starter configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "config", *configFile, "error", err)
		os.Exit(1)
	}

	keys := make(map[models.Server]codec.Keyset, len(cfg.Servers))
	for name, upstream := range cfg.Servers {
		key, iv, err := upstream.Keyset()
		if err != nil {
			logger.Error("Invalid key material", "server", name, "error", err)
			os.Exit(1)
		}
		keys[models.Server(name)] = codec.Keyset{Key: key, IV: iv}
	}
	cdc, err := codec.New(keys)
	if err != nil {
		logger.Error("Failed to build codec", "error", err)
		os.Exit(1)
	}

	dataStore, err := store.NewBadger(cfg.Store.Directory, logger)
	if err != nil {
		logger.Error("Failed to open data store", "directory", cfg.Store.Directory, "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	readCache := cache.New(cache.Config{
		StandardTTL: cfg.Cache.StandardTTL,
		RedisAddr:   cfg.Cache.RedisAddr,
	})
	defer readCache.Close()

	fanout := webhook.NewFanout(dataStore, cfg.Webhook.UserAgent, logger)
	pipeline := ingest.NewPipeline(cdc, dataStore, readCache, fanout, logger)
	reassembler := chunks.New(cfg.Chunks.TTL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger, cdc, dataStore, pipeline, reassembler)
	if err != nil {
		logger.Error("Failed to build service", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(); err != nil {
		logger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Application exiting.")
}
