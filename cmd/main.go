package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"uploadq/internal/api"
	"uploadq/internal/catalog"
	"uploadq/internal/config"
	fileutil "uploadq/internal/file"
	"uploadq/internal/queue"
	"uploadq/internal/transport"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using system environment")
	}

	cfgPath := os.Getenv("UPLOADQ_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}
	stagingDir := filepath.Join(cfg.DataDir, "staging")
	if err := fileutil.EnsureDir(stagingDir); err != nil {
		log.Fatal().Err(err).Str("dir", stagingDir).Msg("ensure staging dir")
	}

	manager := buildManager(cfg)

	router := setupRouter()
	wireAPI(router, manager, stagingDir)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("storage", cfg.StorageEndpoint).Msg("upload agent listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, manager, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildManager(cfg config.Config) *queue.Manager {
	uploader := transport.NewClient(cfg.StorageEndpoint, transport.WithChunkSize(cfg.ChunkSizeBytes))

	var registrar queue.Registrar
	if cfg.CatalogEndpoint != "" {
		registrar = catalog.NewClient(cfg.CatalogEndpoint)
	}

	m := queue.NewManagerWithOptions(queue.Options{
		DataDir:           cfg.DataDir,
		MaxConcurrent:     cfg.MaxConcurrentUploads,
		MaxFileSize:       cfg.MaxFileSizeBytes,
		AllowedExtensions: cfg.AllowedExtensions,
		SpeedWindow:       time.Duration(cfg.SpeedWindowSeconds) * time.Second,
	}, uploader, registrar)

	if err := m.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("restoring persisted tasks failed")
	}
	return m
}

func wireAPI(router *gin.Engine, m *queue.Manager, stagingDir string) {
	apiHandler := api.NewAPI(m, stagingDir)
	apiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, m *queue.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	m.Close()
	if done := m.WaitAll(ctx); !done {
		log.Warn().Msg("transfer workers did not finish before timeout")
	}
	log.Info().Msg("upload agent exited cleanly")
}
