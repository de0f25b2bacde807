package services

import (
	"time"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

const (
	SlotsPerEpoch       = domain.Slot(32) // Ethereum consensus constant
	EpochsPerSyncPeriod = domain.Epoch(256)
	DefaultSlotDuration = 12 * time.Second
	MainnetGenesisTime  = int64(1606824023)
)

// SlotClock converts between wall-clock time and chain slots. It holds no state
// besides the chain parameters; callers pass "now" on every call.
type SlotClock struct {
	Genesis       time.Time
	SlotDuration  time.Duration
	SlotsPerEpoch domain.Slot
}

// NewSlotClock builds a clock. Zero values fall back to mainnet parameters.
func NewSlotClock(genesis time.Time, slotDuration time.Duration, slotsPerEpoch uint64) SlotClock {
	if genesis.IsZero() {
		genesis = time.Unix(MainnetGenesisTime, 0)
	}
	if slotDuration <= 0 {
		slotDuration = DefaultSlotDuration
	}
	spe := domain.Slot(slotsPerEpoch)
	if spe == 0 {
		spe = SlotsPerEpoch
	}
	return SlotClock{Genesis: genesis, SlotDuration: slotDuration, SlotsPerEpoch: spe}
}

// CurrentSlot is floor((now - genesis) / slotDuration), clamped at 0 before genesis.
func (c SlotClock) CurrentSlot(now time.Time) domain.Slot {
	elapsed := now.Sub(c.Genesis)
	if elapsed < 0 {
		return 0
	}
	return domain.Slot(elapsed / c.SlotDuration)
}

// TimeUntilSlot is negative once the slot has passed and zero during it.
func (c SlotClock) TimeUntilSlot(slot domain.Slot, now time.Time) time.Duration {
	slotsUntil := int64(slot) - int64(c.CurrentSlot(now))
	return time.Duration(slotsUntil) * c.SlotDuration
}

func (c SlotClock) EpochOf(slot domain.Slot) domain.Epoch {
	return domain.Epoch(slot / c.SlotsPerEpoch)
}

func (c SlotClock) CurrentEpoch(now time.Time) domain.Epoch {
	return c.EpochOf(c.CurrentSlot(now))
}

func (c SlotClock) EpochStartSlot(epoch domain.Epoch) domain.Slot {
	return domain.Slot(epoch) * c.SlotsPerEpoch
}

// SlotStart returns the wall-clock start of a slot.
func (c SlotClock) SlotStart(slot domain.Slot) time.Time {
	return c.Genesis.Add(time.Duration(slot) * c.SlotDuration)
}

// SyncPeriodOf returns the sync committee period containing epoch.
func SyncPeriodOf(epoch domain.Epoch) uint64 {
	return uint64(epoch / EpochsPerSyncPeriod)
}

// NextSyncPeriodStart is the first epoch of the period after the one containing epoch.
func NextSyncPeriodStart(epoch domain.Epoch) domain.Epoch {
	return domain.Epoch(SyncPeriodOf(epoch)+1) * EpochsPerSyncPeriod
}
