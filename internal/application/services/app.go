package services

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/ethwallclock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
)

const (
	// statusMaxAge is how often a validator's chain status is refreshed.
	statusMaxAge = 10 * time.Minute

	// blockFetchRate throttles block downloads of the missed attestation check.
	blockFetchRate  = rate.Limit(10)
	blockFetchBurst = 5

	exportVersion = "1.1"
)

// AppConfig carries the timing parameters of the service.
type AppConfig struct {
	Clock             SlotClock
	NotifyInterval    time.Duration
	RefreshInterval   time.Duration
	CountdownInterval time.Duration

	// SeedValidators are added on start when not yet tracked.
	SeedValidators []string

	// Channels describe the configured sinks for the export document.
	TelegramChatID string
	BrowserPush    bool
}

// App owns every long-lived component. It is built once per process.
type App struct {
	cfg    AppConfig
	beacon ports.BeaconChainAdapter
	store  ports.PersistentStore

	Registry  *ValidatorRegistry
	Duties    *DutySet
	Ledger    *Ledger
	Settings  *SettingsStore
	Cache     *CacheManager
	Missed    *MissedAttestationDetector
	Blocks    *BlockDetailsTracker
	Scheduler *NotificationScheduler
	Countdown *Countdown
	Fetcher   *DutyFetcher
	Notice    *BeaconErrorNotice
	Migrator  *Migrator

	startedMu sync.Mutex
	started   bool
}

func NewApp(cfg AppConfig, beacon ports.BeaconChainAdapter, store ports.PersistentStore, sink ports.NotificationSink) *App {
	registry := NewValidatorRegistry(beacon, store)
	duties := NewDutySet(registry)
	ledger := NewLedger(store)
	settings := NewSettingsStore(store)
	cache := NewCacheManager(store, duties, ledger)
	notice := NewBeaconErrorNotice()

	missed := NewMissedAttestationDetector(beacon, registry, store, cfg.Clock,
		rate.NewLimiter(blockFetchRate, blockFetchBurst))
	blocks := NewBlockDetailsTracker(beacon, store, sink, registry)

	scheduler := NewNotificationScheduler(cfg.Clock, duties, registry, ledger, settings, sink, missed, cfg.NotifyInterval)
	countdown := NewCountdown(cfg.Clock, duties, registry, blocks, cfg.CountdownInterval)
	fetcher := NewDutyFetcher(beacon, registry, duties, cache, cfg.Clock, notice, cfg.RefreshInterval)
	fetcher.SetScheduler(scheduler)

	return &App{
		cfg:       cfg,
		beacon:    beacon,
		store:     store,
		Registry:  registry,
		Duties:    duties,
		Ledger:    ledger,
		Settings:  settings,
		Cache:     cache,
		Missed:    missed,
		Blocks:    blocks,
		Scheduler: scheduler,
		Countdown: countdown,
		Fetcher:   fetcher,
		Notice:    notice,
		Migrator:  NewMigrator(beacon, store),
	}
}

// Clock returns the slot clock in use.
func (a *App) Clock() SlotClock {
	return a.cfg.Clock
}

// Load migrates the store and restores every persisted component.
func (a *App) Load(ctx context.Context) error {
	if err := a.Migrator.Run(ctx); err != nil {
		return errors.Wrap(err, "migrate store")
	}
	loaders := []struct {
		name string
		load func() error
	}{
		{"validators", a.Registry.Load},
		{"settings", a.Settings.Load},
		{"notification ledger", a.Ledger.Load},
		{"missed attestations", a.Missed.Load},
		{"block details", a.Blocks.Load},
	}
	for _, l := range loaders {
		if err := l.load(); err != nil {
			return errors.Wrapf(err, "load %s", l.name)
		}
	}
	logger.Info("Loaded %d validators, %d notified duties", a.Registry.Len(), a.Ledger.Len())
	return nil
}

// Start seeds validators and fills the duty set, from cache when it is fresh.
func (a *App) Start(ctx context.Context) {
	for _, seed := range a.cfg.SeedValidators {
		v, err := a.Registry.Add(ctx, seed)
		var dup *domain.DuplicateValidatorError
		switch {
		case err == nil:
			logger.Info("Seeded validator %s", v.ID())
		case errors.As(err, &dup):
		default:
			a.Notice.Report(err)
			logger.Warn("Could not seed validator %s: %v", seed, err)
		}
	}

	if a.Cache.Restore() {
		return
	}
	if err := a.Fetcher.FetchAll(ctx); err != nil {
		logger.Error("Initial duty fetch failed: %v", err)
	}
}

// Run starts the tickers and the epoch wallclock and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.startedMu.Lock()
	if a.started {
		a.startedMu.Unlock()
		return errors.New("app already running")
	}
	a.started = true
	a.startedMu.Unlock()

	clock := a.cfg.Clock
	wallclock := ethwallclock.NewEthereumBeaconChain(clock.Genesis, clock.SlotDuration, uint64(clock.SlotsPerEpoch))
	wallclock.OnEpochChanged(func(current ethwallclock.Epoch) {
		logger.Info("Epoch %d started, refreshing duties", current.Number())
		if err := a.Fetcher.FetchAll(ctx); err != nil {
			logger.Error("Epoch refresh failed: %v", err)
		}
		a.Registry.RefreshStatus(ctx, statusMaxAge)
	})
	defer wallclock.Stop()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){a.Scheduler.Run, a.Countdown.Run, a.Fetcher.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	<-ctx.Done()
	wg.Wait()
	a.Blocks.Wait()
	return nil
}

// AddValidator tracks raw input and pulls its imminent proposals right away.
func (a *App) AddValidator(ctx context.Context, raw string) (domain.Validator, error) {
	v, err := a.Registry.Add(ctx, raw)
	if err != nil {
		a.Notice.Report(err)
		return v, err
	}
	if err := a.Fetcher.AddedValidator(ctx, v); err != nil {
		logger.Warn("Could not fetch proposals of new validator %s: %v", v.ID(), err)
	}
	return v, nil
}

// ImportValidators adds a separated list and refetches when anything was added.
func (a *App) ImportValidators(ctx context.Context, text string) ImportSummary {
	summary := a.Registry.Import(ctx, text)
	if summary.Added > 0 {
		if err := a.Fetcher.FetchAll(ctx); err != nil {
			logger.Error("Duty fetch after import failed: %v", err)
		}
	}
	return summary
}

// RemoveValidator stops tracking id. Its duties disappear on the next fetch.
func (a *App) RemoveValidator(id string) error {
	return a.Registry.Remove(id)
}

// BeaconURL returns the persisted beacon node override, if any.
func (a *App) BeaconURL() (string, bool) {
	var url string
	found, err := loadJSON(a.store, ports.KeyBeaconURL, &url)
	if err != nil || !found || url == "" {
		return "", false
	}
	return url, true
}

// SetBeaconURL persists a beacon node override used from the next start on.
func (a *App) SetBeaconURL(url string) error {
	return SaveBeaconURL(a.store, url)
}

// SaveBeaconURL persists the beacon node override.
func SaveBeaconURL(store ports.PersistentStore, url string) error {
	return saveJSON(store, ports.KeyBeaconURL, url)
}

// LoadBeaconURL reads the beacon node override from store.
func LoadBeaconURL(store ports.PersistentStore) (string, bool, error) {
	var url string
	found, err := loadJSON(store, ports.KeyBeaconURL, &url)
	return url, found && url != "", err
}

// ExportDocument is the portable dump of settings and validators.
type ExportDocument struct {
	Version    string              `json:"version"`
	ExportDate string              `json:"exportDate"`
	Settings   ExportSettings      `json:"settings"`
	Validators []ExportedValidator `json:"validators"`
}

type ExportSettings struct {
	BeaconURL     string                      `json:"beaconUrl"`
	Notifications domain.NotificationSettings `json:"notifications"`
	Telegram      ExportTelegram              `json:"telegram"`
	Browser       bool                        `json:"browser"`
	AutoRefresh   bool                        `json:"autoRefresh"`
}

type ExportTelegram struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chatId"`
}

// Export builds the export document.
func (a *App) Export(now time.Time) ExportDocument {
	url, _ := a.BeaconURL()
	return ExportDocument{
		Version:    exportVersion,
		ExportDate: now.UTC().Format(time.RFC3339),
		Settings: ExportSettings{
			BeaconURL:     url,
			Notifications: a.Settings.NotificationSettings(),
			Telegram:      ExportTelegram{Enabled: a.cfg.TelegramChatID != "", ChatID: a.cfg.TelegramChatID},
			Browser:       a.cfg.BrowserPush,
			AutoRefresh:   a.cfg.RefreshInterval > 0,
		},
		Validators: a.Registry.Export(),
	}
}

// Import restores an export document: validators, labels, notification settings and
// the beacon URL. Entries are trusted and not re-resolved.
func (a *App) Import(ctx context.Context, doc ExportDocument) (ImportSummary, error) {
	summary, err := a.Registry.ImportExported(doc.Validators)
	if err != nil {
		return summary, err
	}
	if _, err := a.Settings.Update(func(s *domain.NotificationSettings) {
		*s = doc.Settings.Notifications
	}); err != nil {
		return summary, err
	}
	if doc.Settings.BeaconURL != "" {
		if err := a.SetBeaconURL(doc.Settings.BeaconURL); err != nil {
			return summary, err
		}
	}
	if summary.Added > 0 {
		if err := a.Fetcher.FetchAll(ctx); err != nil {
			logger.Warn("Duty fetch after import failed: %v", err)
		}
	}
	return summary, nil
}
