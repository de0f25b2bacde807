package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

func TestCacheManagerValidity(t *testing.T) {
	d := newTestDutySet(t, "1")
	d.IngestProposers([]domain.ProposerDuty{{ValidatorIndex: 1, Slot: 42}})
	store := newTestStore()
	ledger := NewLedger(store)

	saved := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCacheManager(store, d, ledger)
	c.now = func() time.Time { return saved }
	require.NoError(t, c.Save())

	tests := []struct {
		name  string
		age   time.Duration
		valid bool
	}{
		{name: "fresh", age: 0, valid: true},
		{name: "just under validity", age: CacheValidity - time.Millisecond, valid: true},
		{name: "at validity", age: CacheValidity, valid: false},
		{name: "stale", age: time.Hour, valid: false},
		{name: "from the future", age: -time.Minute, valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.now = func() time.Time { return saved.Add(tt.age) }
			snapshot, ok := c.Load()
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, d.Snapshot(), *snapshot)
			}
		})
	}
}

func TestCacheManagerRestoreAndClear(t *testing.T) {
	d := newTestDutySet(t, "1")
	d.IngestAttesters([]domain.AttesterDuty{{ValidatorIndex: 1, Slot: 9}})
	store := newTestStore()
	ledger := NewLedger(store)
	c := NewCacheManager(store, d, ledger)
	require.NoError(t, c.Save())

	d.Reset()
	require.True(t, c.Restore())
	assert.Len(t, d.Attesters(), 1)

	require.NoError(t, c.Clear())
	assert.Empty(t, d.Attesters())
	assert.False(t, c.Restore())
	_, err := store.Get(ports.KeyDutiesCache)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	_, err = ledger.MarkIfAbsent("Proposer-1-1")
	require.NoError(t, err)
	require.NoError(t, c.ClearLedger())
	assert.Zero(t, ledger.Len())
}

func TestCacheManagerIgnoresCorruptCache(t *testing.T) {
	store := newTestStore()
	require.NoError(t, store.Put(ports.KeyDutiesCache, []byte("{not json")))
	c := NewCacheManager(store, newTestDutySet(t), NewLedger(store))
	_, ok := c.Load()
	assert.False(t, ok)
}
