package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

// Config holds runtime configuration for the duties-notifier service.
type Config struct {
	BeaconNodeURL        string        `envconfig:"BEACON_NODE_URL" default:"http://localhost:5052"`
	BeaconRequestTimeout time.Duration `envconfig:"BEACON_REQUEST_TIMEOUT" default:"20s"`

	// GenesisTime is a unix timestamp. Zero asks the beacon node.
	GenesisTime   int64         `envconfig:"GENESIS_TIME" default:"1606824023"`
	SlotDuration  time.Duration `envconfig:"SLOT_DURATION" default:"12s"`
	SlotsPerEpoch uint64        `envconfig:"SLOTS_PER_EPOCH" default:"32"`

	NotifyInterval    time.Duration `envconfig:"NOTIFY_INTERVAL" default:"10s"`
	RefreshInterval   time.Duration `envconfig:"REFRESH_INTERVAL" default:"30s"`
	CountdownInterval time.Duration `envconfig:"COUNTDOWN_INTERVAL" default:"1s"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"leveldb"`
	StorePath     string `envconfig:"STORE_PATH" default:"./data"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"duties:"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`
	VAPIDPublicKey   string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey  string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject     string `envconfig:"VAPID_EMAIL" default:"mailto:admin@ethduties.com"`
	WebhookURL       string `envconfig:"WEBHOOK_URL"`

	HTTPListen string `envconfig:"HTTP_LISTEN" default:":3000"`

	// Validators seeds the registry on startup (indices or pubkeys, comma separated).
	Validators []string `envconfig:"VALIDATORS"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	c.BeaconNodeURL = strings.TrimRight(strings.TrimSpace(c.BeaconNodeURL), "/")
	if c.BeaconNodeURL == "" {
		return fmt.Errorf("BEACON_NODE_URL must not be empty")
	}
	if c.SlotDuration <= 0 {
		return fmt.Errorf("invalid SLOT_DURATION: %s", c.SlotDuration)
	}
	if c.SlotsPerEpoch == 0 {
		return fmt.Errorf("SLOTS_PER_EPOCH must be positive")
	}
	for name, d := range map[string]time.Duration{
		"NOTIFY_INTERVAL":    c.NotifyInterval,
		"REFRESH_INTERVAL":   c.RefreshInterval,
		"COUNTDOWN_INTERVAL": c.CountdownInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}
	switch c.StoreBackend {
	case "leveldb", "redis", "memory":
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (want leveldb, redis or memory)", c.StoreBackend)
	}

	seeds := make([]string, 0, len(c.Validators))
	for _, v := range c.Validators {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if kind, _ := domain.ClassifyInput(v); kind == domain.InputInvalid {
			return fmt.Errorf("invalid validator %q in VALIDATORS", v)
		}
		seeds = append(seeds, v)
	}
	c.Validators = seeds
	return nil
}

// Genesis returns the configured genesis time, or the zero time when it must be fetched.
func (c *Config) Genesis() time.Time {
	if c.GenesisTime == 0 {
		return time.Time{}
	}
	return time.Unix(c.GenesisTime, 0)
}
