package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"remark/api/internal/app"
	"remark/api/internal/artifact"
	"remark/api/internal/config"
	"remark/api/internal/export"
	"remark/api/internal/logger"
	"remark/api/internal/notify"
	"remark/api/internal/redisconn"
	"remark/api/internal/search"
	"remark/api/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	dataStore := store.NewPostgresStore(db)

	redisClient, err := redisconn.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("redis connection failed", "error", err)
	}
	defer redisClient.Close()

	var artifacts artifact.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Info("using minio for export artifacts", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		artifacts, err = artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal("minio init failed", "error", err)
		}
	} else {
		log.Info("using redis for export artifacts")
		// Artifacts outlive their job by one TTL at most; the sweep deletes them earlier.
		artifacts = artifact.NewRedisStore(redisClient, "remark:exports:", 2*cfg.ExportTTL)
	}

	dispatcher := notify.NewDispatcher(dataStore, dataStore, notify.NewRedisDeliverer(redisClient, cfg.EventChannelPrefix), log, notify.Options{
		QueueSize:       cfg.DispatchQueueSize,
		DeliveryTimeout: cfg.DispatchTimeout,
	})
	dispatcher.Start()

	exports := export.NewManager(dataStore, dataStore, artifacts, log, export.Options{
		TTL:        cfg.ExportTTL,
		Workers:    cfg.ExportWorkers,
		QueueSize:  cfg.ExportQueueSize,
		SweepEvery: cfg.ExportSweepEvery,
	})
	exports.Start(context.Background())
	if _, err := exports.Recover(ctx); err != nil {
		log.Warn("export recovery failed", "error", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log)
	if meiliClient != nil {
		go func() {
			comments, err := dataStore.ListAllComments(ctx)
			if err != nil {
				log.Warn("load comments for reindex", "error", err)
				return
			}
			searchService.ReindexAll(comments)
		}()
	}

	service := app.NewService(dataStore, dispatcher, exports, searchService, log)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.JWTSecret, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("remark api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := exports.Stop(shutdownCtx); err != nil {
		log.Error("export workers did not stop", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher did not stop", "error", err)
	}
}
