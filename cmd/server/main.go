package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/cache"
	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/dicomkit/dicomweb-server/internal/database"
	"github.com/dicomkit/dicomweb-server/internal/dicomfile"
	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/handlers"
	"github.com/dicomkit/dicomweb-server/internal/server"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/dicomkit/dicomweb-server/internal/ups"
	"github.com/dicomkit/dicomweb-server/pkg/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOMweb server")

	// Subscriptions and event pipeline
	subs := events.NewSubscriptionManager()
	dispatcher := events.NewDispatcher(subs, events.NewLogDeliveryService(), cfg.Events.MaxQueueSize)

	// Storage backends
	var (
		store       storage.Provider
		upsProvider ups.Provider
	)
	switch cfg.StorageBackend {
	case "postgres":
		db, err := database.Connect(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close(db)

		store, err = storage.NewPostgresProvider(db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize instance storage")
		}
		upsProvider, err = ups.NewPostgresProvider(db, subs)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize workitem storage")
		}
		log.Info().Msg("Postgres storage initialized")
	default:
		store = storage.NewMemoryProvider()
		upsProvider = ups.NewMemoryProvider(subs)
		log.Info().Msg("In-memory storage initialized")
	}
	upsProvider.SetEventDispatcher(dispatcher)

	// Response cache
	var entryStore cache.EntryStore
	if cfg.Cache.Enabled {
		if cfg.Cache.Backend == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			entryStore, err = cache.NewRedisStore(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Info().Msg("Redis response cache initialized")
		} else {
			entryStore = cache.NewMemoryStore(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
			log.Info().Msg("Memory response cache initialized")
		}
		defer entryStore.Close()
	} else {
		log.Info().Msg("Response cache disabled")
	}
	responseCache := cache.New(entryStore, cfg.Cache)

	// Handlers and server
	h := handlers.New(store, upsProvider, subs, dicomfile.NewParser(), cfg.STOW, cfg.Server.BaseURL())
	srv := server.New(cfg, h, store, responseCache, dispatcher)

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server stopped")
}
