package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"quiver/api/internal/authz"
	"quiver/api/internal/config"
	"quiver/api/internal/containment"
	"quiver/api/internal/email"
	"quiver/api/internal/notify"
	"quiver/api/internal/queue"
	"quiver/api/internal/search"
	"quiver/api/internal/store"
	"quiver/api/internal/worker"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "quiver-worker").Logger()
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

	jobs, err := queue.New(cfg.RedisURL, cfg.QueueName, cfg.JobMaxRetries, cfg.JobBaseBackoff)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer jobs.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Warn().Msg("smtp not configured, suggestion review emails disabled")
	}

	authorizer := authz.NewStoreAuthorizer(dataStore)

	w := worker.New(jobs, dataStore, cfg.WorkerConcurrency, cfg.ReconcileInterval, log)
	w.Register("containment", containment.NewIndexer(dataStore, log))
	w.Register("notify", notify.NewNotifier(dataStore, authorizer, mailer, cfg.BaseURL, log))
	w.Register("search", search.NewIndexer(dataStore, meiliClient, log))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("quiver worker started")
	w.Run(runCtx)
	log.Info().Msg("quiver worker stopped")
}
