package services

import (
	"time"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
)

// CacheValidity is how long a saved duty snapshot may be served without refetching.
const CacheValidity = 5 * time.Minute

type cachedDuties struct {
	Data      domain.DutySnapshot `json:"data"`
	Timestamp int64               `json:"timestamp"`
}

// CacheManager persists the last fetched duty set so a restart within
// CacheValidity skips the beacon round-trip.
type CacheManager struct {
	store  ports.PersistentStore
	duties *DutySet
	ledger *Ledger

	now func() time.Time
}

func NewCacheManager(store ports.PersistentStore, duties *DutySet, ledger *Ledger) *CacheManager {
	return &CacheManager{store: store, duties: duties, ledger: ledger, now: time.Now}
}

// Save writes the current duty set with the current time.
func (c *CacheManager) Save() error {
	return saveJSON(c.store, ports.KeyDutiesCache, cachedDuties{
		Data:      c.duties.Snapshot(),
		Timestamp: c.now().UnixMilli(),
	})
}

// Load returns the cached snapshot when it is younger than CacheValidity.
// A missing, stale or unreadable cache reports false.
func (c *CacheManager) Load() (*domain.DutySnapshot, bool) {
	var cached cachedDuties
	found, err := loadJSON(c.store, ports.KeyDutiesCache, &cached)
	if err != nil {
		logger.Warn("Ignoring unreadable duties cache: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	age := c.now().Sub(time.UnixMilli(cached.Timestamp))
	if age >= CacheValidity || age < 0 {
		logger.Debug("Duties cache is %s old, refetching", age.Round(time.Second))
		return nil, false
	}
	return &cached.Data, true
}

// Restore loads a valid cache into the duty set.
func (c *CacheManager) Restore() bool {
	snapshot, ok := c.Load()
	if !ok {
		return false
	}
	c.duties.Restore(*snapshot)
	logger.Info("Loaded duties from cache: %d proposer, %d attester, %d sync",
		len(snapshot.Proposer), len(snapshot.Attester), len(snapshot.Sync))
	return true
}

// Clear deletes the cached snapshot and empties the duty set.
func (c *CacheManager) Clear() error {
	c.duties.Reset()
	return c.store.Delete(ports.KeyDutiesCache)
}

// ClearLedger forgets every notified duty so they may be notified again.
func (c *CacheManager) ClearLedger() error {
	return c.ledger.Clear()
}
