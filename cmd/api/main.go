package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"labdesk/api/internal/app"
	"labdesk/api/internal/config"
	"labdesk/api/internal/email"
	"labdesk/api/internal/figures"
	"labdesk/api/internal/logger"
	"labdesk/api/internal/notify"
	"labdesk/api/internal/search"
	"labdesk/api/internal/session"
	"labdesk/api/internal/snapshot"
	"labdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	zlog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("database connection failed", "err", err)
	}
	defer db.Close()

	if err := store.CreateSchema(ctx, db); err != nil {
		zlog.Fatal("schema setup failed", "err", err)
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		zlog.Fatal("failed to create snapshots dir", "err", err)
	}

	dataStore := store.NewSQLStore(db)
	snapshots := snapshot.New(cfg.SnapshotsDir)

	dbSearch := search.NewDBSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, zlog)
	}
	searchService := search.NewService(meiliClient, dbSearch, zlog)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromStore(ctx)
	}

	useRedis := strings.TrimSpace(cfg.RedisURL) != ""

	// Events reach subscribers through the in-process hub. With Redis
	// configured, publishes detour through the bus so every instance
	// sees every mutation.
	hub := notify.NewHub(zlog)
	var notifier app.Notifier = hub
	if useRedis {
		bus, err := notify.NewRedisBus(cfg.RedisURL, cfg.EventsChannel, zlog)
		if err != nil {
			zlog.Fatal("redis connection failed", "err", err)
		}
		defer bus.Close()
		if err := bus.StartForwarder(ctx, hub.Publish); err != nil {
			zlog.Fatal("event forwarder failed", "err", err)
		}
		notifier = notify.NewBusPublisher(bus, zlog)
		zlog.Info("events fan out through redis", "channel", cfg.EventsChannel)
	}

	var service *app.Service
	if useRedis {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			zlog.Fatal("redis session store failed", "err", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, notifier, snapshots, searchService, zlog)
		zlog.Info("refresh sessions stored in redis")
	} else {
		service = app.New(cfg, dataStore, notifier, snapshots, searchService, zlog)
		zlog.Info("refresh sessions stored in the database")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		figureStore, err := figures.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicURL, cfg.MinioUseSSL)
		if err != nil {
			zlog.Warn("figure storage unavailable, uploads disabled", "err", err)
		} else {
			service.UseFigureStore(figureStore)
		}
	}
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		service.UseMailer(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}))
	}

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, zlog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the event stream stays open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("labdesk api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", "err", err)
	}
}
