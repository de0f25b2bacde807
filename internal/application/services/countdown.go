package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

// reachedWindow bounds how far behind the head a proposal may be and still be
// handed to the block tracker.
const reachedWindow = domain.Slot(32)

// FormatTimeUntil renders a countdown the way the dashboard shows it.
func FormatTimeUntil(d time.Duration) string {
	if d < 0 {
		return "Passed"
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// CountdownEntry is one row of the live duty countdown.
type CountdownEntry struct {
	Kind        domain.DutyKind   `json:"kind"`
	ValidatorID string            `json:"validator"`
	Label       string            `json:"label"`
	Color       string            `json:"color"`
	Slot        domain.Slot       `json:"slot"`
	Period      domain.SyncPeriod `json:"period,omitempty"`
	TimeUntilMs int64             `json:"timeUntilMs"`
	Display     string            `json:"display"`
	Urgency     domain.Urgency    `json:"urgency"`
	Passed      bool              `json:"passed"`
}

// ProposalObserver is told when a tracked proposal slot has been reached.
type ProposalObserver interface {
	ProposalReached(ctx context.Context, duty domain.ProposerDuty)
}

// Countdown recomputes the countdown entries on every tick. It only reads the
// duty set and never touches the ledger.
type Countdown struct {
	clock    SlotClock
	duties   *DutySet
	matcher  DutyMatcher
	observer ProposalObserver

	Interval time.Duration

	now     func() time.Time
	entries atomic.Pointer[[]CountdownEntry]
}

// NewCountdown builds a countdown. observer may be nil.
func NewCountdown(clock SlotClock, duties *DutySet, matcher DutyMatcher, observer ProposalObserver, interval time.Duration) *Countdown {
	return &Countdown{
		clock:    clock,
		duties:   duties,
		matcher:  matcher,
		observer: observer,
		Interval: interval,
		now:      time.Now,
	}
}

func (c *Countdown) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			c.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Entries returns the entries computed by the last tick.
func (c *Countdown) Entries() []CountdownEntry {
	if p := c.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// Tick recomputes the entries and returns them.
func (c *Countdown) Tick(ctx context.Context) []CountdownEntry {
	now := c.now()
	currentSlot := c.clock.CurrentSlot(now)

	past, future := c.duties.PartitionProposers(currentSlot)
	var entries []CountdownEntry
	for _, duty := range past {
		if e, ok := c.entry(domain.DutyProposer, duty.Ref(), duty.Slot, now); ok {
			entries = append(entries, e)
		}
		if c.observer != nil && currentSlot-duty.Slot <= reachedWindow {
			c.observer.ProposalReached(ctx, duty)
		}
	}
	for _, duty := range future {
		if e, ok := c.entry(domain.DutyProposer, duty.Ref(), duty.Slot, now); ok {
			entries = append(entries, e)
		}
		// The head slot itself counts as reached once its start time has passed.
		if c.observer != nil && duty.Slot == currentSlot && c.clock.TimeUntilSlot(duty.Slot, now) <= 0 {
			c.observer.ProposalReached(ctx, duty)
		}
	}

	_, upcoming := c.duties.PartitionAttesters(currentSlot)
	for _, duty := range upcoming {
		if e, ok := c.entry(domain.DutyAttester, duty.Ref(), duty.Slot, now); ok {
			entries = append(entries, e)
		}
	}

	for _, duty := range c.duties.Sync() {
		slot := c.clock.EpochStartSlot(duty.UntilEpoch)
		if duty.Period == domain.SyncPeriodNext {
			slot = c.clock.EpochStartSlot(duty.FromEpoch)
		}
		if e, ok := c.entry(domain.DutySync, duty.Ref(), slot, now); ok {
			e.Period = duty.Period
			if duty.Period == domain.SyncPeriodCurrent {
				e.Display = fmt.Sprintf("Active until epoch %d", duty.UntilEpoch)
				e.Urgency = domain.UrgencyNormal
			}
			entries = append(entries, e)
		}
	}

	c.entries.Store(&entries)
	return entries
}

func (c *Countdown) entry(kind domain.DutyKind, ref domain.ValidatorRef, slot domain.Slot, now time.Time) (CountdownEntry, bool) {
	v, ok := c.matcher.MatchDuty(ref)
	if !ok {
		return CountdownEntry{}, false
	}
	until := c.clock.TimeUntilSlot(slot, now)
	urgency := domain.UrgencyNormal
	if until > 0 {
		urgency = domain.UrgencyFor(int64(until / time.Minute))
	}
	return CountdownEntry{
		Kind:        kind,
		ValidatorID: v.ID(),
		Label:       v.Label,
		Color:       v.Color,
		Slot:        slot,
		TimeUntilMs: until.Milliseconds(),
		Display:     FormatTimeUntil(until),
		Urgency:     urgency,
		Passed:      until <= 0,
	}, true
}
