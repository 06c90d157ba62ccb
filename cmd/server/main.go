package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spook-pages/internal/config"
	"spook-pages/internal/discord"
	"spook-pages/internal/ghstore"
	"spook-pages/internal/logging"
	"spook-pages/internal/notify"
	"spook-pages/internal/publish"
	"spook-pages/internal/redis"
	"spook-pages/internal/session"
	"spook-pages/internal/storage"
	"spook-pages/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_server", "service", "spook-pages", "http_addr", cfg.HTTPAddr)

	template, err := os.ReadFile(cfg.TemplatePath)
	if err != nil {
		logger.Error("template_load_failed", "path", cfg.TemplatePath, "error", err)
		os.Exit(1)
	}

	// redis backs the session denylist and the exists cache; both fail open,
	// so a missing redis degrades the service instead of stopping it
	var denylist session.Denylist
	var cache publish.Cache
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_connect_failed", "error", err)
	} else {
		defer redisClient.Close()
		denylist = redisClient
		cache = redisClient
	}

	store := ghstore.New(logger, cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo)
	oauth := discord.NewClient(logger, cfg.DiscordClientID, cfg.DiscordClientSecret, cfg.DiscordRedirectURI, cfg.DiscordGuildID, cfg.DiscordBotToken)
	sessions := session.NewManager(logger, cfg.SessionKey, denylist)
	notifier := notify.New(logger, cfg.WebhookURL)

	var mirror publish.AvatarMirror
	if cfg.MirrorEnabled() {
		m, err := storage.NewMirror(logger, storage.MirrorConfig{
			Endpoint:  cfg.R2Endpoint,
			Bucket:    cfg.R2Bucket,
			Region:    cfg.R2Region,
			PublicURL: cfg.R2PublicURL,
		})
		if err != nil {
			logger.Warn("mirror_init_failed", "error", err)
		} else {
			mirror = m
			logger.Info("mirror_enabled", "bucket", cfg.R2Bucket)
		}
	}

	publisher := publish.NewService(logger, store, string(template), cfg.BaseURL, publish.Options{
		Cache:    cache,
		Mirror:   mirror,
		Notifier: notifier,
	})

	srv := web.NewServer(logger, cfg, publisher, sessions, oauth)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server_started", "addr", cfg.HTTPAddr, "base_url", cfg.BaseURL)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	logger.Info("server_stopped")
}
