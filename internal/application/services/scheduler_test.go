package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

const schedulerSlot = domain.Slot(10000) // epoch 312, slot 16 of the epoch

type schedulerFixture struct {
	scheduler *NotificationScheduler
	registry  *ValidatorRegistry
	duties    *DutySet
	ledger    *Ledger
	sink      *recordingSink
	settings  domain.NotificationSettings
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	beacon := newFakeBeacon()
	beacon.addValidator(1, testPubkey(1))
	beacon.addValidator(2, testPubkey(2))

	store := newTestStore()
	registry := NewValidatorRegistry(beacon, store)
	for _, id := range []string{"1", "2"} {
		_, err := registry.Add(context.Background(), id)
		require.NoError(t, err)
	}

	f := &schedulerFixture{
		registry: registry,
		duties:   NewDutySet(registry),
		ledger:   NewLedger(store),
		sink:     &recordingSink{},
		settings: domain.DefaultNotificationSettings(),
	}
	f.rebuild()
	return f
}

// rebuild recreates the scheduler so settings changes take effect.
func (f *schedulerFixture) rebuild() {
	f.scheduler = NewNotificationScheduler(testClock(), f.duties, f.registry, f.ledger,
		fixedSettings(f.settings), f.sink, nil, time.Second)
	f.scheduler.now = func() time.Time { return slotTime(schedulerSlot) }
}

// slotsAhead converts whole minutes into slots on a 12s clock.
func slotsAhead(minutes int) domain.Slot {
	return domain.Slot(minutes * 5)
}

func TestSchedulerProposerLeadWindow(t *testing.T) {
	tests := []struct {
		name   string
		slot   domain.Slot
		notify bool
	}{
		{name: "exactly at lead", slot: schedulerSlot + slotsAhead(10), notify: true},
		{name: "one minute beyond lead", slot: schedulerSlot + slotsAhead(11), notify: false},
		{name: "just inside lead", slot: schedulerSlot + slotsAhead(10) + 4, notify: true},
		{name: "one minute away", slot: schedulerSlot + slotsAhead(1), notify: true},
		{name: "under a minute away", slot: schedulerSlot + 4, notify: false},
		{name: "current slot", slot: schedulerSlot, notify: false},
		{name: "passed", slot: schedulerSlot - 10, notify: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t)
			f.duties.IngestProposers([]domain.ProposerDuty{{ValidatorIndex: 1, Slot: tt.slot}})

			sent := f.scheduler.Tick(context.Background())
			if !tt.notify {
				assert.Zero(t, sent)
				assert.Empty(t, f.sink.notifications())
				return
			}
			require.Equal(t, 1, sent)
			n := f.sink.notifications()[0]
			assert.Equal(t, domain.NotifyProposer, n.Kind)
			assert.Equal(t, "1", n.ValidatorID)
			assert.Equal(t, tt.slot, n.Slot)
			assert.True(t, f.ledger.Has(LedgerKey("Proposer", tt.slot, "1")))
		})
	}
}

func TestSchedulerIsIdempotent(t *testing.T) {
	f := newSchedulerFixture(t)
	f.duties.IngestProposers([]domain.ProposerDuty{{ValidatorIndex: 1, Slot: schedulerSlot + 20}})
	f.duties.IngestAttesters([]domain.AttesterDuty{
		{ValidatorIndex: 1, Slot: schedulerSlot + 10},
		{ValidatorIndex: 2, Slot: schedulerSlot + 10},
	})

	ctx := context.Background()
	assert.Equal(t, 3, f.scheduler.Tick(ctx))
	assert.Equal(t, 3, f.ledger.Len())

	assert.Zero(t, f.scheduler.Tick(ctx))
	assert.Zero(t, f.scheduler.Tick(ctx))
	assert.Len(t, f.sink.notifications(), 3)
	assert.Equal(t, 3, f.ledger.Len())
}

func TestSchedulerLedgerSurvivesRestart(t *testing.T) {
	f := newSchedulerFixture(t)
	f.duties.IngestAttesters([]domain.AttesterDuty{{ValidatorIndex: 2, Slot: schedulerSlot + 10}})
	require.Equal(t, 1, f.scheduler.Tick(context.Background()))

	reloaded := NewLedger(f.ledger.store)
	require.NoError(t, reloaded.Load())
	f.ledger = reloaded
	f.rebuild()
	assert.Zero(t, f.scheduler.Tick(context.Background()))
}

func TestSchedulerSinkFailureDoesNotRollBack(t *testing.T) {
	f := newSchedulerFixture(t)
	f.sink.err = errors.New("telegram down")
	f.duties.IngestProposers([]domain.ProposerDuty{
		{ValidatorIndex: 1, Slot: schedulerSlot + 15},
		{ValidatorIndex: 2, Slot: schedulerSlot + 25},
	})

	ctx := context.Background()
	assert.Equal(t, 2, f.scheduler.Tick(ctx))
	assert.Len(t, f.sink.notifications(), 2, "one failure does not stop other dispatches")

	f.sink.err = nil
	assert.Zero(t, f.scheduler.Tick(ctx), "failed deliveries are not retried")
	assert.Len(t, f.sink.notifications(), 2)
}

func TestSchedulerRespectsSettings(t *testing.T) {
	f := newSchedulerFixture(t)
	f.settings.Proposer = false
	f.settings.LeadMinutes = 3
	f.rebuild()

	f.duties.IngestProposers([]domain.ProposerDuty{{ValidatorIndex: 1, Slot: schedulerSlot + 10}})
	f.duties.IngestAttesters([]domain.AttesterDuty{
		{ValidatorIndex: 1, Slot: schedulerSlot + slotsAhead(3)},
		{ValidatorIndex: 2, Slot: schedulerSlot + slotsAhead(4)},
	})

	require.Equal(t, 1, f.scheduler.Tick(context.Background()))
	n := f.sink.notifications()[0]
	assert.Equal(t, domain.NotifyAttester, n.Kind)
	assert.Equal(t, int64(3), n.MinutesUntil)

	f.settings.LeadMinutes = 0
	f.rebuild()
	f.duties.IngestAttesters([]domain.AttesterDuty{{ValidatorIndex: 2, Slot: schedulerSlot + slotsAhead(1)}})
	assert.Zero(t, f.scheduler.Tick(context.Background()), "a zero lead disables the window")
}

func TestSchedulerUrgency(t *testing.T) {
	f := newSchedulerFixture(t)
	f.duties.IngestProposers([]domain.ProposerDuty{
		{ValidatorIndex: 1, Slot: schedulerSlot + slotsAhead(1) + 2},
		{ValidatorIndex: 2, Slot: schedulerSlot + slotsAhead(5)},
	})
	require.Equal(t, 2, f.scheduler.Tick(context.Background()))

	bySlot := make(map[domain.Slot]domain.Notification)
	for _, n := range f.sink.notifications() {
		bySlot[n.Slot] = n
	}
	assert.Equal(t, domain.UrgencyUrgent, bySlot[schedulerSlot+slotsAhead(1)+2].Urgency)
	assert.Equal(t, "1m 24s", bySlot[schedulerSlot+slotsAhead(1)+2].TimeUntil)
	assert.Equal(t, domain.UrgencyNormal, bySlot[schedulerSlot+slotsAhead(5)].Urgency)
	assert.Equal(t, "1 (0x11111111)", bySlot[schedulerSlot+slotsAhead(1)+2].ValidatorDisplay)
}

func TestSchedulerSkipsUnmatchedDuties(t *testing.T) {
	f := newSchedulerFixture(t)
	// Restore does not re-match, so an untracked validator can reach the scan.
	f.duties.Restore(domain.DutySnapshot{
		Proposer: []domain.ProposerDuty{{ValidatorIndex: 99, Slot: schedulerSlot + 10}},
	})
	assert.Zero(t, f.scheduler.Tick(context.Background()))
	assert.Zero(t, f.ledger.Len())
}

func TestSchedulerCurrentSyncNotifiedOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.duties.IngestSync([]domain.SyncDuty{{ValidatorIndex: 2, Period: domain.SyncPeriodCurrent, UntilEpoch: 512}})

	ctx := context.Background()
	require.Equal(t, 1, f.scheduler.Tick(ctx))
	n := f.sink.notifications()[0]
	assert.Equal(t, domain.NotifySyncCommittee, n.Kind)
	assert.Equal(t, domain.SyncPeriodCurrent, n.Period)
	assert.Equal(t, "active", n.TimeUntil)
	assert.Equal(t, schedulerSlot, n.Slot)
	assert.True(t, f.ledger.Has(LedgerKey("Sync Committee current", 256*32, "2")))

	// Later ticks land on other slots but share the period key.
	f.scheduler.now = func() time.Time { return slotTime(schedulerSlot + 50) }
	assert.Zero(t, f.scheduler.Tick(ctx))
}

func TestSchedulerNextSyncUsesSyntheticSlot(t *testing.T) {
	f := newSchedulerFixture(t)
	currentEpoch := testClock().EpochOf(schedulerSlot)
	f.duties.IngestSync([]domain.SyncDuty{
		{ValidatorIndex: 1, Period: domain.SyncPeriodNext, FromEpoch: currentEpoch + 1},
		{ValidatorIndex: 2, Period: domain.SyncPeriodNext, FromEpoch: currentEpoch + 2},
	})

	require.Equal(t, 1, f.scheduler.Tick(context.Background()))
	n := f.sink.notifications()[0]
	assert.Equal(t, "1", n.ValidatorID)
	assert.Equal(t, domain.SyncPeriodNext, n.Period)
	assert.Equal(t, schedulerSlot+32, n.Slot)
	assert.Equal(t, int64(6), n.MinutesUntil)
	assert.True(t, f.ledger.Has(LedgerKey("Sync Committee next", testClock().EpochStartSlot(currentEpoch+1), "1")))
}

func TestSchedulerSkipsWhileInFlight(t *testing.T) {
	f := newSchedulerFixture(t)
	f.duties.IngestProposers([]domain.ProposerDuty{{ValidatorIndex: 1, Slot: schedulerSlot + 10}})

	f.scheduler.inFlight.Store(true)
	assert.Zero(t, f.scheduler.Tick(context.Background()))
	assert.Zero(t, f.ledger.Len())

	f.scheduler.inFlight.Store(false)
	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))
}

func TestInLeadWindow(t *testing.T) {
	assert.True(t, InLeadWindow(10, 10))
	assert.True(t, InLeadWindow(1, 10))
	assert.False(t, InLeadWindow(11, 10))
	assert.False(t, InLeadWindow(0, 10))
	assert.False(t, InLeadWindow(-3, 10))
	assert.False(t, InLeadWindow(1, 0))
}

func TestNextPeriodSyntheticSlot(t *testing.T) {
	assert.Equal(t, domain.Slot(3360), NextPeriodSyntheticSlot(3200, 100, 105, 32))
	assert.Equal(t, domain.Slot(3232), NextPeriodSyntheticSlot(3200, 100, 101, 32))
	assert.Equal(t, domain.Slot(3200), NextPeriodSyntheticSlot(3200, 100, 100, 32))
}
