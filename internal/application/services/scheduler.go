package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

const defaultDispatchTimeout = 15 * time.Second

// NotificationScheduler scans the duty set on a fixed cadence and hands every duty
// that crossed its lead-time threshold to the sink, at most once per ledger key.
type NotificationScheduler struct {
	clock    SlotClock
	duties   *DutySet
	matcher  DutyMatcher
	ledger   *Ledger
	settings SettingsProvider
	sink     ports.NotificationSink
	missed   *MissedAttestationDetector

	Interval        time.Duration
	DispatchTimeout time.Duration

	now      func() time.Time
	inFlight atomic.Bool
}

func NewNotificationScheduler(
	clock SlotClock,
	duties *DutySet,
	matcher DutyMatcher,
	ledger *Ledger,
	settings SettingsProvider,
	sink ports.NotificationSink,
	missed *MissedAttestationDetector,
	interval time.Duration,
) *NotificationScheduler {
	return &NotificationScheduler{
		clock:           clock,
		duties:          duties,
		matcher:         matcher,
		ledger:          ledger,
		settings:        settings,
		sink:            sink,
		missed:          missed,
		Interval:        interval,
		DispatchTimeout: defaultDispatchTimeout,
		now:             time.Now,
	}
}

// Run ticks until ctx is done. A tick still running when the ticker fires makes
// the new tick a no-op.
func (s *NotificationScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

type pendingNotification struct {
	key          string
	notification domain.Notification
}

// Tick runs one scan and returns the number of notifications dispatched.
// Ledger entries are written and persisted before any dispatch starts.
func (s *NotificationScheduler) Tick(ctx context.Context) int {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		logger.Debug("Notification scan still in flight, skipping tick")
		return 0
	}
	defer s.inFlight.Store(false)
	metrics.SchedulerTicks.WithLabelValues("run").Inc()

	now := s.now()
	cfg := s.settings.NotificationSettings()

	var candidates []pendingNotification
	if cfg.Proposer {
		for _, duty := range s.duties.Proposers() {
			if n, ok := s.evaluate(domain.NotifyProposer, duty.Ref(), duty.Slot, cfg.LeadMinutes, now); ok {
				candidates = s.appendUnseen(candidates, LedgerKey(string(n.Kind), n.Slot, n.ValidatorID), n)
			}
		}
	}
	if cfg.Attester {
		for _, duty := range s.duties.Attesters() {
			if n, ok := s.evaluate(domain.NotifyAttester, duty.Ref(), duty.Slot, cfg.LeadMinutes, now); ok {
				candidates = s.appendUnseen(candidates, LedgerKey(string(n.Kind), n.Slot, n.ValidatorID), n)
			}
		}
	}
	if cfg.Sync {
		for _, duty := range s.duties.Sync() {
			if key, n, ok := s.evaluateSync(duty, cfg.LeadMinutes, now); ok {
				candidates = s.appendUnseen(candidates, key, n)
			}
		}
	}

	var claimed []pendingNotification
	for _, p := range candidates {
		added, err := s.ledger.MarkIfAbsent(p.key)
		if err != nil {
			logger.Error("Failed to persist notification ledger: %v", err)
		}
		if added {
			claimed = append(claimed, p)
		}
	}

	s.dispatchAll(ctx, claimed)

	if s.missed != nil {
		s.checkMissed(ctx, now, cfg)
	}
	return len(claimed)
}

func (s *NotificationScheduler) appendUnseen(list []pendingNotification, key string, n domain.Notification) []pendingNotification {
	if s.ledger.Has(key) {
		return list
	}
	return append(list, pendingNotification{key: key, notification: n})
}

// evaluate decides whether a slot-bound duty falls into the window 0 < minutes <= lead.
func (s *NotificationScheduler) evaluate(
	kind domain.NotificationKind,
	ref domain.ValidatorRef,
	slot domain.Slot,
	leadMinutes int,
	now time.Time,
) (domain.Notification, bool) {
	v, ok := s.matcher.MatchDuty(ref)
	if !ok {
		metrics.UnmatchedDuties.Inc()
		logger.Warn("Could not match %s duty at slot %d to a tracked validator (index %d)", kind, slot, ref.Index)
		return domain.Notification{}, false
	}

	timeUntil := s.clock.TimeUntilSlot(slot, now)
	minutesUntil := int64(timeUntil / time.Minute)
	if !InLeadWindow(minutesUntil, leadMinutes) {
		return domain.Notification{}, false
	}

	return domain.Notification{
		Kind:             kind,
		ValidatorID:      v.ID(),
		ValidatorDisplay: ValidatorDisplay(v),
		Slot:             slot,
		TimeUntil:        FormatTimeUntil(timeUntil),
		MinutesUntil:     minutesUntil,
		Urgency:          domain.UrgencyFor(minutesUntil),
	}, true
}

// evaluateSync handles both sync periods. Active membership is announced once on
// first detection. Upcoming membership uses a synthetic slot derived from the
// current slot and the configured lead. Ledger keys use the period boundary slot
// so they do not drift with the synthetic slot.
func (s *NotificationScheduler) evaluateSync(duty domain.SyncDuty, leadMinutes int, now time.Time) (string, domain.Notification, bool) {
	currentSlot := s.clock.CurrentSlot(now)
	currentEpoch := s.clock.EpochOf(currentSlot)

	switch duty.Period {
	case domain.SyncPeriodCurrent:
		v, ok := s.matcher.MatchDuty(duty.Ref())
		if !ok {
			metrics.UnmatchedDuties.Inc()
			logger.Warn("Could not match sync committee duty to a tracked validator (index %d)", duty.ValidatorIndex)
			return "", domain.Notification{}, false
		}
		periodStart := s.clock.EpochStartSlot(duty.UntilEpoch - min(duty.UntilEpoch, EpochsPerSyncPeriod))
		return LedgerKey(syncKeyKind(domain.SyncPeriodCurrent), periodStart, v.ID()), domain.Notification{
			Kind:             domain.NotifySyncCommittee,
			ValidatorID:      v.ID(),
			ValidatorDisplay: ValidatorDisplay(v),
			Slot:             currentSlot,
			TimeUntil:        "active",
			Period:           domain.SyncPeriodCurrent,
			Urgency:          domain.UrgencyNormal,
		}, true

	case domain.SyncPeriodNext:
		synthetic := NextPeriodSyntheticSlot(currentSlot, currentEpoch, duty.FromEpoch, s.clock.SlotsPerEpoch)
		n, ok := s.evaluate(domain.NotifySyncCommittee, duty.Ref(), synthetic, leadMinutes, now)
		if !ok {
			return "", n, false
		}
		n.Period = domain.SyncPeriodNext
		return LedgerKey(syncKeyKind(domain.SyncPeriodNext), s.clock.EpochStartSlot(duty.FromEpoch), n.ValidatorID), n, true
	}
	return "", domain.Notification{}, false
}

func syncKeyKind(period domain.SyncPeriod) string {
	return string(domain.NotifySyncCommittee) + " " + string(period)
}

func (s *NotificationScheduler) dispatchAll(ctx context.Context, claimed []pendingNotification) {
	var wg sync.WaitGroup
	for _, p := range claimed {
		wg.Add(1)
		go func(p pendingNotification) {
			defer wg.Done()
			s.dispatch(ctx, p.notification)
		}(p)
	}
	wg.Wait()
}

// dispatch delivers one notification. Failures are logged and never undo the ledger.
func (s *NotificationScheduler) dispatch(ctx context.Context, n domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, s.DispatchTimeout)
	defer cancel()

	logger.Info("Sending notification for %s duty: validator %s, slot %d, minutes until: %d",
		n.Kind, n.ValidatorID, n.Slot, n.MinutesUntil)
	metrics.NotificationsSent.WithLabelValues(string(n.Kind)).Inc()
	if err := s.sink.Notify(ctx, n); err != nil {
		metrics.NotificationFailures.WithLabelValues(s.sink.Name()).Inc()
		logger.Error("%v: %s duty for validator %s at slot %d: %v",
			domain.ErrNotificationDeliveryFailed, n.Kind, n.ValidatorID, n.Slot, err)
	}
}

func (s *NotificationScheduler) checkMissed(ctx context.Context, now time.Time, cfg domain.NotificationSettings) {
	missed, err := s.missed.Check(ctx, now)
	if err != nil {
		logger.Warn("Missed attestation check failed: %v", err)
		return
	}
	if !cfg.Missed || len(missed) == 0 {
		return
	}
	var claimed []pendingNotification
	for _, m := range missed {
		key := LedgerKey(string(domain.NotifyMissed), m.Slot, m.ValidatorID)
		added, err := s.ledger.MarkIfAbsent(key)
		if err != nil {
			logger.Error("Failed to persist notification ledger: %v", err)
		}
		if !added {
			continue
		}
		display := m.ValidatorID
		if index, ok := domain.ParseValidatorIndex(m.ValidatorID); ok {
			if v, ok := s.matcher.MatchDuty(domain.ValidatorRef{Index: index}); ok {
				display = ValidatorDisplay(v)
			}
		}
		claimed = append(claimed, pendingNotification{key: key, notification: domain.Notification{
			Kind:             domain.NotifyMissed,
			ValidatorID:      m.ValidatorID,
			ValidatorDisplay: display,
			Slot:             m.Slot,
			TimeUntil:        "missed",
			Urgency:          domain.UrgencyUrgent,
		}})
	}
	s.dispatchAll(ctx, claimed)
}

// InLeadWindow reports whether a duty minutesUntil away is due for notification.
// Duties already due (0 or less) are never notified retroactively.
func InLeadWindow(minutesUntil int64, leadMinutes int) bool {
	return minutesUntil > 0 && minutesUntil <= int64(leadMinutes)
}

// NextPeriodSyntheticSlot places an upcoming sync committee membership on the slot
// timeline: currentSlot + (fromEpoch - currentEpoch) * slotsPerEpoch.
func NextPeriodSyntheticSlot(currentSlot domain.Slot, currentEpoch, fromEpoch domain.Epoch, slotsPerEpoch domain.Slot) domain.Slot {
	if fromEpoch <= currentEpoch {
		return currentSlot
	}
	return currentSlot + domain.Slot(fromEpoch-currentEpoch)*slotsPerEpoch
}

// ValidatorDisplay formats a validator as "index (0x12345678)" when the pubkey is known.
func ValidatorDisplay(v domain.Validator) string {
	if len(v.Pubkey) >= 10 {
		return fmt.Sprintf("%s (%s)", v.ID(), v.Pubkey[:10])
	}
	return v.ID()
}
