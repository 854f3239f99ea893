package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mymmrac/telego"
	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/bot"
	"faucet-bot/internal/captcha"
	"faucet-bot/internal/config"
	"faucet-bot/internal/database"
	"faucet-bot/internal/events"
	"faucet-bot/internal/faucet"
	"faucet-bot/internal/payout"
	"faucet-bot/internal/repository"
	"faucet-bot/internal/session"
	"faucet-bot/internal/worker"
)

// userStore is what both persistence backends provide.
type userStore interface {
	faucet.UserStore
	faucet.History
	worker.BonusSource
	bot.WithdrawalHistory
}

type sessionStore interface {
	faucet.SessionStore
	worker.Marker
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Application error")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NatsURL != "" {
		nc, err := events.ConnectNats(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
	}

	instance, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	var generator faucet.CaptchaGenerator
	if cfg.CaptchaEnabled {
		g, err := captcha.NewGenerator(0)
		if err != nil {
			return err
		}
		generator = g
	}

	var members faucet.MembershipChecker
	if cfg.CheckMembership {
		members = bot.NewMembershipChecker(instance)
	}

	if cfg.FaucetPayKey == "" {
		log.Warn("FAUCETPAY_API_KEY is empty, withdrawals will be rejected by the provider")
	}
	provider := payout.NewClient(cfg.FaucetPayKey, cfg.FaucetPayURL, cfg.PayoutIPAddress, cfg.PayoutDecimals, cfg.PayoutTimeout)

	ledger := faucet.NewRewardLedger(faucet.Rewards{
		SignupBonus:   cfg.SignupBonus,
		ReferralBonus: cfg.ReferralBonus,
		DailyBonus:    cfg.DailyBonus,
		Cooldown:      cfg.BonusCooldown,
	})
	gate := faucet.NewVerificationGate(faucet.GateConfig{
		Channels:        cfg.RequiredChannels,
		CheckMembership: cfg.CheckMembership,
		CaseSensitive:   cfg.CaptchaCaseSensitive,
		MaxAttempts:     cfg.CaptchaMaxAttempts,
		Lockout:         cfg.CaptchaLockout,
	}, generator, members)
	payouts := faucet.NewWithdrawalProcessor(faucet.WithdrawalConfig{
		MinWithdrawal: cfg.MinWithdrawal,
		Currency:      cfg.PayoutCurrency,
		Timeout:       cfg.PayoutTimeout,
		ReserveCheck:  cfg.ReserveCheck,
	}, store, provider, store, publisher)
	service := faucet.NewService(store, sessions, ledger, gate, payouts, store, publisher)

	tgBot := bot.NewBot(instance, service, store, cfg.BotUsername, cfg.PayoutCurrency)

	if cfg.ReminderInterval > 0 {
		reminder := worker.NewReminder(store, sessions, tgBot, cfg.BonusCooldown, cfg.ReminderInterval)
		go reminder.Start(ctx)
	}

	log.WithFields(log.Fields{
		"store":    cfg.StoreBackend,
		"captcha":  cfg.CaptchaEnabled,
		"channels": len(cfg.RequiredChannels),
	}).Info("Service started successfully")

	return tgBot.Start(ctx)
}

func openStore(cfg *config.Config) (userStore, func(), error) {
	if cfg.StoreBackend == "file" {
		fs, err := repository.OpenFileStore(cfg.DataFile)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return repository.NewUserRepository(db), closeDB, nil
}

func openSessions(ctx context.Context, cfg *config.Config) (sessionStore, error) {
	if cfg.RedisHost == "" {
		log.Info("REDIS_HOST not set, keeping sessions in memory")
		return session.NewMemoryStore(cfg.SessionTTL, 0), nil
	}
	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return session.NewRedisStore(rdb, cfg.SessionTTL), nil
}
