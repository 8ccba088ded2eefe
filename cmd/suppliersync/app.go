package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"suppliersync/internal/bus"
	"suppliersync/internal/channel"
	"suppliersync/internal/config"
	"suppliersync/internal/domain"
	"suppliersync/internal/followup"
	"suppliersync/internal/lifecycle"
	"suppliersync/internal/resume"
	"suppliersync/internal/security"
	"suppliersync/internal/store"
)

// app holds the wired services of one process.
type app struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	registry   *bus.ThreadRegistry
	notifier   *bus.Notifier
	relay      *bus.RedisRelay
	coord      *resume.Coordinator
	scheduler  *followup.Scheduler
	dispatcher *followup.Dispatcher
	lifecycle  *lifecycle.Service
	verifier   domain.CredentialVerifier

	// resumer replaces the configured backend when set before wire.
	resumer domain.Resumer

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.store, err = store.NewSQLiteStore(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	a.registry = bus.NewThreadRegistry(time.Duration(cfg.Registry.SendTimeoutMs)*time.Millisecond, logger)
	a.notifier = bus.NewNotifier(a.registry, cfg.Registry.HistorySize, logger)
	if cfg.Relay.Enabled {
		a.relay, err = bus.NewRedisRelay(ctx, bus.RedisRelayConfig{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
			Channel:  cfg.Relay.Channel,
		}, logger)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		a.closers = append(a.closers, func() { a.relay.Close() })
		a.notifier.SetRelay(a.relay)
	}

	if a.resumer == nil {
		a.resumer, err = a.buildResumer(ctx)
		if err != nil {
			return err
		}
	}
	a.coord = resume.NewCoordinator(a.store, a.resumer, a.notifier, resume.Config{
		MaxRetries:     cfg.Resume.MaxRetries,
		BaseBackoff:    time.Duration(cfg.Resume.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Resume.MaxBackoffMs) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Resume.AttemptTimeoutSeconds) * time.Second,
	}, logger)
	a.closers = append(a.closers, a.coord.Close)

	a.scheduler = followup.NewScheduler(a.store, cfg.FollowUp.MaxFollowUps, logger)
	a.lifecycle = lifecycle.NewService(a.store, a.notifier, a.coord, a.scheduler, logger)

	a.dispatcher = followup.NewDispatcher(a.scheduler, time.Duration(cfg.FollowUp.DispatchIntervalSeconds)*time.Second, logger)
	if err := a.registerSenders(); err != nil {
		return err
	}

	if cfg.Auth.Enabled {
		v, err := security.NewTokenVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		a.verifier = v
	}
	return nil
}

func (a *app) buildResumer(ctx context.Context) (domain.Resumer, error) {
	rc := a.cfg.Resume
	switch rc.Backend {
	case "temporal":
		client, err := resume.DialTemporal(ctx, resume.TemporalConfig{
			Address:    rc.Temporal.Address,
			Namespace:  rc.Temporal.Namespace,
			SignalName: rc.Temporal.SignalName,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("temporal resumer enabled", "address", rc.Temporal.Address, "namespace", rc.Temporal.Namespace)
		return resume.NewTemporalResumer(client, rc.Temporal.SignalName, logger), nil
	case "webhook":
		logger.Info("webhook resumer enabled", "url", rc.Webhook.URL)
		return resume.NewWebhookResumer(rc.Webhook.URL, rc.Webhook.Token, logger), nil
	default:
		logger.Warn("no workflow engine configured, resumes are only logged")
		return resume.NewNoopResumer(logger), nil
	}
}

// registerSenders attaches a sender per enabled channel. Channels without one
// fall back to the operator feed.
func (a *app) registerSenders() error {
	fc := a.cfg.FollowUp
	a.dispatcher.SetFallback(followup.NewOperatorSender(a.notifier))

	if fc.Telegram.Enabled {
		s, err := followup.NewTelegramSender(followup.TelegramConfig{
			Token:       fc.Telegram.Token,
			APIEndpoint: fc.Telegram.APIEndpoint,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("telegram sender: %w", err)
		}
		a.dispatcher.Register(domain.ChannelTelegram, s)
	}
	if fc.Slack.Enabled {
		a.dispatcher.Register(domain.ChannelSlack, followup.NewSlackSender(followup.SlackConfig{
			BotToken: fc.Slack.BotToken,
		}))
	}
	if fc.Discord.Enabled {
		s, err := followup.NewDiscordSender(fc.Discord.Token)
		if err != nil {
			return fmt.Errorf("discord sender: %w", err)
		}
		a.dispatcher.Register(domain.ChannelDiscord, s)
	}
	if fc.WhatsApp.Enabled {
		a.dispatcher.Register(domain.ChannelWhatsApp, followup.NewWhatsAppSender(followup.WhatsAppConfig{
			PhoneNumberID: fc.WhatsApp.PhoneNumberID,
			AccessToken:   fc.WhatsApp.AccessToken,
			APIBase:       fc.WhatsApp.APIBase,
		}))
	}
	if fc.SendsPerMinute > 0 {
		for _, ch := range a.dispatcher.Channels() {
			a.dispatcher.Throttle(ch, fc.SendBurst, float64(fc.SendsPerMinute))
		}
	}
	logger.Info("follow-up senders registered", "channels", a.dispatcher.Channels())
	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (a *app) Run(ctx context.Context) error {
	if n, err := a.coord.Recover(ctx); err != nil {
		logger.Error("resume recovery failed", "err", err)
	} else if n > 0 {
		logger.Info("re-driving interrupted resumes", "count", n)
	}

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Endpoint
	}
	srv := channel.NewServer(channel.ServerConfig{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		QueueSize:   a.cfg.Registry.QueueSize,
		MetricsPath: metricsPath,
		Version:     version,
		Logger:      logger,
	}, channel.Deps{
		Store:       a.store,
		Lifecycle:   a.lifecycle,
		Coordinator: a.coord,
		Scheduler:   a.scheduler,
		Registry:    a.registry,
		Notifier:    a.notifier,
		Verifier:    a.verifier,
	})

	var sweeper *lifecycle.Sweeper
	if a.cfg.Sweep.Enabled {
		var err error
		sweeper, err = lifecycle.NewSweeper(a.lifecycle, a.cfg.Sweep.Schedule, logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	if a.cfg.FollowUp.Enabled {
		g.Go(func() error { return a.dispatcher.Run(gctx) })
	}
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx, a.notifier.Deliver) })
	}

	err := g.Wait()
	// interrupted resumes stay pending for the next Recover
	a.coord.Close()
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
