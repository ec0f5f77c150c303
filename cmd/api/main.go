package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"quiver/api/internal/app"
	"quiver/api/internal/authz"
	"quiver/api/internal/config"
	"quiver/api/internal/content"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "quiver-api").Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var jobs *queue.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		jobs, err = queue.New(cfg.RedisURL, cfg.QueueName, cfg.JobMaxRetries, cfg.JobBaseBackoff)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer jobs.Close()
	} else {
		log.Warn().Msg("no redis configured, side-effect jobs disabled")
	}

	authorizer := authz.NewStoreAuthorizer(dataStore)
	service := content.New(dataStore, jobs, authorizer, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("quiver api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
