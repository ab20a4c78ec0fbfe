package main

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/PayRecon/internal/pkg/archive"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/config"
	"github.com/ManuelReschke/PayRecon/internal/pkg/database"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// application holds the wired engine shared by every command.
type application struct {
	cfg      *config.Config
	db       *gorm.DB
	redis    *redis.Client
	repo     billing.Repository
	service  *billing.Service
	manager  *jobqueue.Manager
	local    *billing.LocalScheduler
	counters *counter.Counters
	archive  *archive.Archive
}

func bootstrap(ctx context.Context) (*application, error) {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.SetupDatabase(cfg.DBAutoMigrate)
	if err != nil {
		return nil, err
	}

	app := &application{cfg: cfg, db: db, repo: billing.NewRepository(db)}

	cache.SetupCache()
	if cache.Available() {
		app.redis = cache.GetClient()
	} else {
		log.Warn("[App] Redis unavailable: tax re-checks run in process, counters disabled")
	}
	app.counters = counter.New(app.redis)

	gw, err := gateway.NewStripeGateway(cfg.StripeSecretKey, nil)
	if err != nil {
		return nil, err
	}
	rates, err := cfg.RateTable()
	if err != nil {
		return nil, fmt.Errorf("loading tax rates: %w", err)
	}
	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, err
	}

	var scheduler billing.Scheduler
	if app.redis != nil {
		app.manager = jobqueue.NewManager(app.redis, app.repo, jobqueue.ManagerConfig{
			Workers:         cfg.Workers,
			LedgerRetention: cfg.LedgerRetention,
		})
		scheduler = jobqueue.NewTaxRecheckScheduler(app.manager.GetQueue())
	} else {
		app.local = billing.NewLocalScheduler(cfg.RecheckTimeout)
		scheduler = app.local
	}

	opts := []billing.ServiceOption{
		billing.WithResolverOptions(billing.WithPoll(cfg.ResolverPollAttempts, cfg.ResolverPollInterval)),
		billing.WithTaxOptions(
			billing.WithFeeSchedule(cfg.FeeSchedule()),
			billing.WithRecheckDelays(cfg.RecheckDelays...),
		),
	}
	if notifier != nil {
		opts = append(opts, billing.WithNotifier(notifier))
	}
	app.service = billing.NewService(app.repo, gw, rates, scheduler, opts...)

	recheck := app.service.TaxEngine().RecheckFunc()
	if app.manager != nil {
		jobqueue.RegisterTaxRecheck(app.manager.GetQueue(), recheck, cfg.RecheckTimeout)
	} else {
		app.local.Bind(recheck)
	}

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.Enabled {
		app.archive, err = archive.New(ctx, archiveCfg)
		if err != nil {
			return nil, err
		}
	}

	return app, nil
}

// buildNotifier returns nil when no channel is configured.
func buildNotifier(cfg *config.Config) (billing.Notifier, error) {
	var email, chat notify.Sender
	if cfg.BrevoAPIKey != "" {
		s, err := notify.NewEmailSender(notify.EmailConfig{
			APIKey:    cfg.BrevoAPIKey,
			FromEmail: cfg.BrevoFromEmail,
			FromName:  cfg.BrevoFromName,
		})
		if err != nil {
			return nil, err
		}
		email = s
	} else if cfg.SMTPHost != "" {
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Sender:   cfg.SMTPSender,
		})
		if err != nil {
			return nil, err
		}
		email = s
	}
	if s := notify.NewChatSender(cfg.NotifyChatURL, cfg.NotifyChatToken); s != nil {
		chat = s
	}
	if email == nil && chat == nil {
		log.Info("[App] No notification channel configured, renewal reminders disabled")
		return nil, nil
	}
	return notify.NewDispatcher(email, chat, cfg.NotifyChatLocales), nil
}

// startBackground starts whichever scheduler backend is in use.
func (a *application) startBackground() {
	if a.manager != nil {
		a.manager.Start()
	}
}

func (a *application) close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.local != nil {
		a.local.Stop()
	}
	if err := cache.Close(); err != nil {
		log.Warnf("[App] closing redis: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
