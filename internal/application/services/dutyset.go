package services

import (
	"sort"
	"sync"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// RecentPastProposals is how many already passed proposer duties are kept for display.
const RecentPastProposals = 3

// DutyMatcher resolves a duty's validator reference to a tracked validator.
type DutyMatcher interface {
	MatchDuty(ref domain.ValidatorRef) (domain.Validator, bool)
}

// DutySet holds the proposer, attester and sync-committee duties of tracked validators.
// Every Ingest call replaces its collection wholesale. Duties of a validator removed
// after ingest stay until the next ingest.
type DutySet struct {
	matcher DutyMatcher

	mu       sync.RWMutex
	proposer []domain.ProposerDuty
	attester []domain.AttesterDuty
	sync     []domain.SyncDuty
}

func NewDutySet(matcher DutyMatcher) *DutySet {
	return &DutySet{matcher: matcher}
}

// IngestProposers merges one or more proposer duty fetches (typically the current
// and next epoch), keeps tracked validators only and de-duplicates by slot.
func (d *DutySet) IngestProposers(batches ...[]domain.ProposerDuty) {
	seen := make(map[domain.Slot]struct{})
	var kept []domain.ProposerDuty
	for _, batch := range batches {
		for _, duty := range batch {
			if _, ok := d.matcher.MatchDuty(duty.Ref()); !ok {
				continue
			}
			if _, dup := seen[duty.Slot]; dup {
				continue
			}
			seen[duty.Slot] = struct{}{}
			kept = append(kept, duty)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Slot < kept[j].Slot })

	d.mu.Lock()
	d.proposer = kept
	d.mu.Unlock()
	metrics.Duties.WithLabelValues(string(domain.DutyProposer)).Set(float64(len(kept)))
}

// IngestAttesters replaces the attester duties. A validator attests once per epoch,
// so duplicates are dropped by (slot, validator).
func (d *DutySet) IngestAttesters(batches ...[]domain.AttesterDuty) {
	type key struct {
		slot  domain.Slot
		index domain.ValidatorIndex
	}
	seen := make(map[key]struct{})
	var kept []domain.AttesterDuty
	for _, batch := range batches {
		for _, duty := range batch {
			if _, ok := d.matcher.MatchDuty(duty.Ref()); !ok {
				continue
			}
			k := key{duty.Slot, duty.ValidatorIndex}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			kept = append(kept, duty)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Slot < kept[j].Slot })

	d.mu.Lock()
	d.attester = kept
	d.mu.Unlock()
	metrics.Duties.WithLabelValues(string(domain.DutyAttester)).Set(float64(len(kept)))
}

// IngestSync replaces the sync committee duties.
func (d *DutySet) IngestSync(duties []domain.SyncDuty) {
	var kept []domain.SyncDuty
	for _, duty := range duties {
		if _, ok := d.matcher.MatchDuty(duty.Ref()); ok {
			kept = append(kept, duty)
		}
	}

	d.mu.Lock()
	d.sync = kept
	d.mu.Unlock()
	metrics.Duties.WithLabelValues(string(domain.DutySync)).Set(float64(len(kept)))
}

// AppendProposers adds duties discovered for a newly added validator without
// refetching the whole set.
func (d *DutySet) AppendProposers(duties []domain.ProposerDuty) {
	current := d.Proposers()
	d.IngestProposers(current, duties)
}

func (d *DutySet) Proposers() []domain.ProposerDuty {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.ProposerDuty(nil), d.proposer...)
}

func (d *DutySet) Attesters() []domain.AttesterDuty {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.AttesterDuty(nil), d.attester...)
}

func (d *DutySet) Sync() []domain.SyncDuty {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.SyncDuty(nil), d.sync...)
}

// PartitionProposers splits proposer duties around the current slot. Past duties
// are most recent first and capped at RecentPastProposals.
func (d *DutySet) PartitionProposers(current domain.Slot) (past, future []domain.ProposerDuty) {
	for _, duty := range d.Proposers() {
		if duty.Slot < current {
			past = append(past, duty)
		} else {
			future = append(future, duty)
		}
	}
	sort.SliceStable(past, func(i, j int) bool { return past[i].Slot > past[j].Slot })
	if len(past) > RecentPastProposals {
		past = past[:RecentPastProposals]
	}
	return past, future
}

// PartitionAttesters splits attester duties around the current slot.
func (d *DutySet) PartitionAttesters(current domain.Slot) (past, future []domain.AttesterDuty) {
	for _, duty := range d.Attesters() {
		if duty.Slot < current {
			past = append(past, duty)
		} else {
			future = append(future, duty)
		}
	}
	return past, future
}

// Snapshot copies the set into its serialisable form.
func (d *DutySet) Snapshot() domain.DutySnapshot {
	return domain.DutySnapshot{
		Proposer: d.Proposers(),
		Attester: d.Attesters(),
		Sync:     d.Sync(),
	}
}

// Restore replaces the set with a snapshot as is, without re-matching.
func (d *DutySet) Restore(s domain.DutySnapshot) {
	d.mu.Lock()
	d.proposer = append([]domain.ProposerDuty(nil), s.Proposer...)
	d.attester = append([]domain.AttesterDuty(nil), s.Attester...)
	d.sync = append([]domain.SyncDuty(nil), s.Sync...)
	d.mu.Unlock()
}

// Reset empties all three collections.
func (d *DutySet) Reset() {
	d.Restore(domain.DutySnapshot{})
}
