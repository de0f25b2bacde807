package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

var testGenesis = time.Unix(MainnetGenesisTime, 0)

func testClock() SlotClock {
	return NewSlotClock(testGenesis, 12*time.Second, 32)
}

func TestCurrentSlot(t *testing.T) {
	c := testClock()

	tests := []struct {
		name   string
		offset time.Duration
		want   domain.Slot
	}{
		{name: "genesis", offset: 0, want: 0},
		{name: "mid first slot", offset: 11 * time.Second, want: 0},
		{name: "second slot", offset: 12 * time.Second, want: 1},
		{name: "later", offset: 3200*12*time.Second + 5*time.Second, want: 3200},
		{name: "before genesis", offset: -time.Hour, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.CurrentSlot(testGenesis.Add(tt.offset)))
		})
	}
}

func TestTimeUntilSlotSign(t *testing.T) {
	c := testClock()
	now := c.SlotStart(1000)

	assert.Equal(t, time.Duration(0), c.TimeUntilSlot(1000, now))
	assert.Equal(t, 5*12*time.Second, c.TimeUntilSlot(1005, now))
	assert.Equal(t, -3*12*time.Second, c.TimeUntilSlot(997, now))
}

func TestTimeUntilSlotDecreasesWithTime(t *testing.T) {
	c := testClock()
	start := c.SlotStart(500)

	prev := c.TimeUntilSlot(600, start)
	for i := 1; i <= 120; i++ {
		cur := c.TimeUntilSlot(600, start.Add(time.Duration(i)*time.Second))
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
	// Over a whole number of slots the decrease is exactly the elapsed time.
	assert.Equal(t, -24*time.Second, c.TimeUntilSlot(600, start.Add(24*time.Second))-c.TimeUntilSlot(600, start))
}

func TestEpochMath(t *testing.T) {
	c := testClock()
	assert.Equal(t, domain.Epoch(0), c.EpochOf(31))
	assert.Equal(t, domain.Epoch(1), c.EpochOf(32))
	assert.Equal(t, domain.Epoch(100), c.EpochOf(3200))
	assert.Equal(t, domain.Slot(3360), c.EpochStartSlot(105))
	assert.Equal(t, domain.Epoch(256), NextSyncPeriodStart(0))
	assert.Equal(t, domain.Epoch(512), NextSyncPeriodStart(256))
	assert.Equal(t, domain.Epoch(512), NextSyncPeriodStart(511))
}

func TestNewSlotClockDefaults(t *testing.T) {
	c := NewSlotClock(time.Time{}, 0, 0)
	assert.Equal(t, testGenesis, c.Genesis)
	assert.Equal(t, DefaultSlotDuration, c.SlotDuration)
	assert.Equal(t, SlotsPerEpoch, c.SlotsPerEpoch)
}
