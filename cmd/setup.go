package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/adapters"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/application/services"
	"github.com/Marketen/duties-notifier/internal/config"
	"github.com/Marketen/duties-notifier/internal/logger"
)

const sinkHTTPTimeout = 10 * time.Second

type environment struct {
	store ports.PersistentStore
	app   *services.App
	push  *adapters.WebPushSink
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("Failed to close store: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (ports.PersistentStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		return adapters.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "memory":
		logger.Warn("Using in-memory store, state is lost on exit")
		return adapters.NewMemoryStore(), nil
	default:
		return adapters.NewLevelDBStore(cfg.StorePath)
	}
}

// setup opens the store, connects the beacon node and assembles the app.
func setup(ctx context.Context, cfg *config.Config) (*environment, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	beaconURL := cfg.BeaconNodeURL
	if override, ok, err := services.LoadBeaconURL(store); err == nil && ok {
		beaconURL = override
	}
	logger.Info("Beacon node URL: %s", beaconURL)

	beacon, err := adapters.NewBeaconHTTPAdapter(ctx, beaconURL, cfg.BeaconRequestTimeout)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "failed to create beacon HTTP adapter")
	}

	genesis := cfg.Genesis()
	if genesis.IsZero() {
		if genesis, err = beacon.GetGenesisTime(ctx); err != nil {
			store.Close()
			return nil, errors.Wrap(err, "fetch genesis time")
		}
	}
	clock := services.NewSlotClock(genesis, cfg.SlotDuration, cfg.SlotsPerEpoch)

	sinks := []ports.NotificationSink{adapters.NewLogSink()}
	httpClient := &http.Client{Timeout: sinkHTTPTimeout}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, adapters.NewTelegramSink("", cfg.TelegramBotToken, cfg.TelegramChatID, httpClient))
		logger.Info("Telegram notifications enabled for chat %s", cfg.TelegramChatID)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, adapters.NewWebhookSink(cfg.WebhookURL, httpClient))
	}
	var push *adapters.WebPushSink
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		push, err = adapters.NewWebPushSink(store, adapters.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubject,
		}, httpClient)
		if err != nil {
			store.Close()
			return nil, err
		}
		sinks = append(sinks, push)
		logger.Info("Web Push enabled (%d subscriptions)", push.Len())
	}

	app := services.NewApp(services.AppConfig{
		Clock:             clock,
		NotifyInterval:    cfg.NotifyInterval,
		RefreshInterval:   cfg.RefreshInterval,
		CountdownInterval: cfg.CountdownInterval,
		SeedValidators:    cfg.Validators,
		TelegramChatID:    cfg.TelegramChatID,
		BrowserPush:       push != nil,
	}, beacon, store, adapters.NewMultiSink(sinks...))

	return &environment{store: store, app: app, push: push}, nil
}

// loadEnvironment is setup plus loading persisted state, for one-shot commands.
func loadEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	env, err := setup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := env.app.Load(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}
