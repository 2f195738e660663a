package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func main() {
	config := LoadConfig()
	setupLogging(config)

	if config.API.Key == "" {
		log.Fatal().Msg("API key must be set via VAULT_API_KEY or config file")
	}

	db, err := OpenDB(config.Storage.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := os.MkdirAll(filepath.Join(config.Storage.Path, "files"), 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage directory")
	}

	catalog := NewCatalog(db)
	ledger := NewQuotaLedger(db, catalog, config.Quota.InitialSpaceMB*1024*1024, config.Quota.CacheTTL)

	chunks, err := NewChunkStore(filepath.Join(config.Storage.Path, "temp"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create chunk store")
	}

	var mirror *Mirror
	if config.Mirror.Enabled {
		mirror, err = NewMirror(config)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure mirror")
		}
	}

	pipeline := NewTranscodePipeline(catalog, chunks, mirror, config.Storage.Path, config)
	pipeline.Start(config.Transcode.Workers)

	coordinator := NewCoordinator(catalog, ledger, chunks, pipeline)

	stopSweeper := make(chan struct{})
	coordinator.StartSweeper(config.Storage.SweepInterval, config.Storage.SessionMaxAge, stopSweeper)
	identity := &headerIdentity{db: db, initialSpace: config.Quota.InitialSpaceMB * 1024 * 1024}
	api := NewAPI(coordinator, catalog, ledger, config.API.Key, identity)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + config.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", config.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	close(stopSweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// Let in-flight merges and transcodes finish before closing the DB.
	pipeline.Stop()
}
