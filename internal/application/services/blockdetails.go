package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// RetryPolicy bounds the block details fetch. MaxAttempts includes the first try.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy gives a freshly proposed block about ten seconds to show up.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, Delay: 3 * time.Second}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(retries)),
		ctx,
	)
}

// BlockDetailsTracker fetches the block of every reached proposal once and emits
// a "Block Confirmed" notification.
type BlockDetailsTracker struct {
	beacon  ports.BeaconChainAdapter
	store   ports.PersistentStore
	sink    ports.NotificationSink
	matcher DutyMatcher

	Policy          RetryPolicy
	DispatchTimeout time.Duration

	mu        sync.Mutex
	details   map[domain.Slot]domain.BlockDetails
	attempted map[domain.Slot]struct{}
	wg        sync.WaitGroup
}

func NewBlockDetailsTracker(
	beacon ports.BeaconChainAdapter,
	store ports.PersistentStore,
	sink ports.NotificationSink,
	matcher DutyMatcher,
) *BlockDetailsTracker {
	return &BlockDetailsTracker{
		beacon:          beacon,
		store:           store,
		sink:            sink,
		matcher:         matcher,
		Policy:          DefaultRetryPolicy,
		DispatchTimeout: defaultDispatchTimeout,
		details:         make(map[domain.Slot]domain.BlockDetails),
		attempted:       make(map[domain.Slot]struct{}),
	}
}

func (t *BlockDetailsTracker) Load() error {
	details := make(map[domain.Slot]domain.BlockDetails)
	if _, err := loadJSON(t.store, ports.KeyBlockDetails, &details); err != nil {
		return err
	}
	t.mu.Lock()
	t.details = details
	t.mu.Unlock()
	return nil
}

// ProposalReached schedules one background fetch for the proposal's slot. Slots
// already recorded or attempted are ignored.
func (t *BlockDetailsTracker) ProposalReached(ctx context.Context, duty domain.ProposerDuty) {
	t.mu.Lock()
	if _, done := t.details[duty.Slot]; done {
		t.mu.Unlock()
		return
	}
	if _, busy := t.attempted[duty.Slot]; busy {
		t.mu.Unlock()
		return
	}
	t.attempted[duty.Slot] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.track(ctx, duty)
	}()
}

// Wait blocks until every scheduled fetch has finished.
func (t *BlockDetailsTracker) Wait() {
	t.wg.Wait()
}

// Details returns the recorded blocks, most recent first.
func (t *BlockDetailsTracker) Details() []domain.BlockDetails {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.BlockDetails, 0, len(t.details))
	for _, d := range t.details {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot > out[j].Slot })
	return out
}

func (t *BlockDetailsTracker) track(ctx context.Context, duty domain.ProposerDuty) {
	details, err := t.fetch(ctx, duty.Slot)
	if err != nil {
		if errors.Is(err, domain.ErrBlockNotAvailable) {
			logger.Warn("❌ No block found at slot %d for validator %d. Was this slot missed?", duty.Slot, duty.ValidatorIndex)
		} else {
			logger.Warn("Could not fetch block details for slot %d: %v", duty.Slot, err)
		}
		return
	}

	t.mu.Lock()
	t.details[duty.Slot] = *details
	snapshot := make(map[domain.Slot]domain.BlockDetails, len(t.details))
	for k, v := range t.details {
		snapshot[k] = v
	}
	t.mu.Unlock()
	if err := saveJSON(t.store, ports.KeyBlockDetails, snapshot); err != nil {
		logger.Error("Failed to persist block details: %v", err)
	}

	logger.Info("✅ Block %d proposed at slot %d by validator %d (%d txs)",
		details.BlockNumber, details.Slot, duty.ValidatorIndex, details.TxCount)

	if t.sink == nil {
		return
	}
	id := duty.ValidatorIndex.String()
	display := id
	if v, ok := t.matcher.MatchDuty(duty.Ref()); ok {
		id = v.ID()
		display = ValidatorDisplay(v)
	}
	n := domain.Notification{
		Kind:             domain.NotifyBlockConfirmed,
		ValidatorID:      id,
		ValidatorDisplay: display,
		Slot:             duty.Slot,
		TimeUntil:        "confirmed",
		Urgency:          domain.UrgencySuccess,
		BlockDetails:     details,
	}

	ctx, cancel := context.WithTimeout(ctx, t.DispatchTimeout)
	defer cancel()
	metrics.NotificationsSent.WithLabelValues(string(n.Kind)).Inc()
	if err := t.sink.Notify(ctx, n); err != nil {
		metrics.NotificationFailures.WithLabelValues(t.sink.Name()).Inc()
		logger.Error("%v: block details for slot %d: %v", domain.ErrNotificationDeliveryFailed, duty.Slot, err)
	}
}

// fetch retries until the block shows up or the policy is exhausted. An
// unreachable beacon node ends the retries at once.
func (t *BlockDetailsTracker) fetch(ctx context.Context, slot domain.Slot) (*domain.BlockDetails, error) {
	var details *domain.BlockDetails
	op := func() error {
		d, err := t.beacon.GetBlockDetails(ctx, slot)
		if err != nil {
			if errors.Is(err, domain.ErrBeaconUnreachable) {
				return backoff.Permanent(err)
			}
			return err
		}
		details = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("Block at slot %d not available yet (%v), retrying in %s", slot, err, wait)
	}
	if err := backoff.RetryNotify(op, t.Policy.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return details, nil
}
