package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"pagewatch/internal/config"
	"pagewatch/internal/credential"
	"pagewatch/internal/domain"
	"pagewatch/internal/handlers/sweep"
	"pagewatch/internal/handlers/watch"
	"pagewatch/internal/judge"
	"pagewatch/internal/notify"
	"pagewatch/internal/queue"
	"pagewatch/internal/retention"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/secret"
	"pagewatch/internal/store"
	"pagewatch/internal/watcher"
	"pagewatch/internal/worker"
)

const failureHandlerTimeout = time.Minute

// app is the wired process. Every command builds one and closes it.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	db         *sqlx.DB
	store      *store.Store
	creds      *credential.Store
	queue      queue.Repository
	sched      *scheduler.CronScheduler
	reconciler *scheduler.Reconciler
	sweeper    *retention.Sweeper
	pool       *worker.Pool
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)

	sealer, err := secret.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	st := store.New(db, sealer)

	var backend credential.TokenStore
	switch cfg.Security.TokenBackend {
	case "keyring":
		kr, err := credential.OpenKeyringTokenStore(cfg.Security.KeyringDir, cfg.Security.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		backend = kr
	default:
		backend = credential.NewSQLTokenStore(db)
	}
	creds := credential.NewStore(backend, sealer, &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.OAuth.AuthURL, TokenURL: cfg.OAuth.TokenURL},
		Scopes:       cfg.OAuth.Scopes,
	}, logger)

	judgeClient := judge.NewClient(creds, judge.Config{
		BaseURL:    cfg.Judge.BaseURL,
		Model:      cfg.Judge.Model,
		Timeout:    cfg.Judge.Timeout,
		MaxRetries: cfg.Judge.MaxRetries,
		RetryDelay: cfg.Judge.RetryDelay,
	}, logger)

	dispatcher := notify.NewDispatcher(st, st, map[domain.Channel]notify.Sender{
		domain.ChannelEmail:    notify.NewEmailSender(creds, cfg.Gmail.Endpoint, cfg.Gmail.Timeout, logger),
		domain.ChannelTelegram: notify.NewTelegramSender(cfg.Telegram.APIBase, cfg.Telegram.Timeout, cfg.Telegram.Rate, logger),
	}, logger)

	failures := watcher.NewFailureHandler(st, dispatcher, st, failureHandlerTimeout, logger)
	runner := watcher.NewRunner(st, st, judgeClient, dispatcher, watcher.NewGuard(cfg.Guard.MinInterval, logger), failures, logger)
	sweeper := retention.NewSweeper(st, st, logger)

	q := queue.NewSQLiteRepo(db)
	sched := scheduler.NewCronScheduler(cfg.Location(), logger)
	reconciler := scheduler.NewReconciler(sched, q, cfg.Worker.LockTimeout, cfg.Worker.MaxAttempts, logger)

	handlers := map[string]worker.Handler{
		domain.JobTypeWatch:     watch.Watch{Runner: runner},
		domain.JobTypeRetention: sweep.Sweep{Sweeper: sweeper},
	}
	pool := worker.NewPool(q, handlers, cfg.Worker.Size, cfg.Worker.Poll, logger)

	return &app{
		cfg:        cfg,
		log:        logger,
		db:         db,
		store:      st,
		creds:      creds,
		queue:      q,
		sched:      sched,
		reconciler: reconciler,
		sweeper:    sweeper,
		pool:       pool,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
