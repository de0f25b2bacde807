package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
	"golang.org/x/time/rate"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

const (
	// MissedRetention bounds how long a missed attestation stays on record.
	MissedRetention = 7 * 24 * time.Hour

	// minSlotsIntoEpoch gives the first blocks of an epoch time to include the
	// attestations of the previous one.
	minSlotsIntoEpoch = 2

	// inclusionDistance is how many slots after its data slot an attestation may be included.
	inclusionDistance = domain.Slot(32)
)

// ValidatorSource lists the validators to check.
type ValidatorSource interface {
	Indices() []domain.ValidatorIndex
}

// MissedAttestationDetector checks the previous epoch's attester duties against the
// attestations actually included on chain.
type MissedAttestationDetector struct {
	BeaconAdapter ports.BeaconChainAdapter

	validators ValidatorSource
	store      ports.PersistentStore
	clock      SlotClock
	limiter    *rate.Limiter

	mu            sync.Mutex
	records       map[string]domain.MissedAttestation
	checkedEpochs map[domain.ValidatorIndex]domain.Epoch // latest epoch checked for each validator index
}

// NewMissedAttestationDetector constructs a detector. A nil limiter disables throttling
// of block fetches.
func NewMissedAttestationDetector(
	beacon ports.BeaconChainAdapter,
	validators ValidatorSource,
	store ports.PersistentStore,
	clock SlotClock,
	limiter *rate.Limiter,
) *MissedAttestationDetector {
	return &MissedAttestationDetector{
		BeaconAdapter: beacon,
		validators:    validators,
		store:         store,
		clock:         clock,
		limiter:       limiter,
		records:       make(map[string]domain.MissedAttestation),
		checkedEpochs: make(map[domain.ValidatorIndex]domain.Epoch),
	}
}

func missedKey(validatorID string, slot domain.Slot) string {
	return fmt.Sprintf("%s-%d", validatorID, slot)
}

func (a *MissedAttestationDetector) Load() error {
	records := make(map[string]domain.MissedAttestation)
	if _, err := loadJSON(a.store, ports.KeyMissedAttestations, &records); err != nil {
		return err
	}
	a.mu.Lock()
	a.records = records
	a.mu.Unlock()
	return nil
}

// Records returns the missed attestations on record, most recent first.
func (a *MissedAttestationDetector) Records() []domain.MissedAttestation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.MissedAttestation, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot > out[j].Slot
		}
		return out[i].ValidatorID < out[j].ValidatorID
	})
	return out
}

// Check prunes old records and, once the chain is at least two slots into an epoch,
// checks the previous epoch. It returns only newly recorded misses.
func (a *MissedAttestationDetector) Check(ctx context.Context, now time.Time) ([]domain.MissedAttestation, error) {
	pruned := a.prune(now)

	currentSlot := a.clock.CurrentSlot(now)
	if currentSlot%a.clock.SlotsPerEpoch < minSlotsIntoEpoch || a.clock.EpochOf(currentSlot) == 0 {
		return nil, a.persistIf(pruned)
	}
	target := a.clock.EpochOf(currentSlot) - 1

	indices := a.getValidatorsToCheck(a.validators.Indices(), target)
	if len(indices) == 0 {
		return nil, a.persistIf(pruned)
	}

	newly, err := a.checkAttestations(ctx, target, currentSlot, indices, now)
	if err != nil {
		return nil, err
	}
	return newly, a.persistIf(pruned || len(newly) > 0)
}

func (a *MissedAttestationDetector) checkAttestations(
	ctx context.Context,
	epoch domain.Epoch,
	currentSlot domain.Slot,
	validatorIndices []domain.ValidatorIndex,
	now time.Time,
) ([]domain.MissedAttestation, error) {
	// 1) Get attestation duties for our validators
	duties, err := a.BeaconAdapter.GetAttesterDuties(ctx, epoch, validatorIndices)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch attester duties for epoch %d", epoch)
	}
	if len(duties) == 0 {
		logger.Warn("No attester duties found for epoch %d. This should not happen!", epoch)
		a.markChecked(validatorIndices, epoch)
		return nil, nil
	}

	// Map of "validators we care about"
	tracked := make(map[domain.ValidatorIndex]struct{}, len(validatorIndices))
	for _, idx := range validatorIndices {
		tracked[idx] = struct{}{}
	}

	// 2) Compute epoch slot range
	startSlot := a.clock.EpochStartSlot(epoch)
	endSlot := startSlot + a.clock.SlotsPerEpoch - 1

	// 3) Get full committees for this epoch (for all validators, not just ours)
	epochCommittees, err := a.BeaconAdapter.GetEpochCommittees(ctx, epoch)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch epoch committees for epoch %d", epoch)
	}

	// 4) Preload attestations for the inclusion window seen so far
	lastSlot := min(endSlot+inclusionDistance, currentSlot)
	slotAttestations, err := a.preloadSlotAttestations(ctx, startSlot+1, lastSlot)
	if err != nil {
		return nil, err
	}

	// 5) Decide inclusion per validator
	attested := includedValidators(slotAttestations, epochCommittees, tracked, startSlot, endSlot)

	// 6) Record the duties that were not fulfilled
	var newly []domain.MissedAttestation
	a.mu.Lock()
	for _, duty := range duties {
		if attested[duty.ValidatorIndex] {
			logger.Debug("✅ Validator %d attested for duty slot %d in epoch %d",
				duty.ValidatorIndex, duty.Slot, epoch)
			continue
		}
		id := duty.ValidatorIndex.String()
		key := missedKey(id, duty.Slot)
		if _, seen := a.records[key]; seen {
			continue
		}
		logger.Warn("❌ No attestation found for validator %d in epoch %d (duty slot %d)",
			duty.ValidatorIndex, epoch, duty.Slot)
		m := domain.MissedAttestation{ValidatorID: id, Slot: duty.Slot, Epoch: epoch, DetectedAt: now.UnixMilli()}
		a.records[key] = m
		newly = append(newly, m)
		metrics.MissedAttestations.Inc()
	}
	a.mu.Unlock()

	a.markChecked(validatorIndices, epoch)
	return newly, nil
}

// preloadSlotAttestations loads attestations for [minSlot .. maxSlot]. Any fetch
// error aborts the check so a flaky node never produces false misses.
func (a *MissedAttestationDetector) preloadSlotAttestations(ctx context.Context, minSlot, maxSlot domain.Slot) (map[domain.Slot][]domain.Attestation, error) {
	result := make(map[domain.Slot][]domain.Attestation)
	for slot := minSlot; slot <= maxSlot; slot++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		att, err := a.BeaconAdapter.GetBlockAttestations(ctx, slot)
		if err != nil {
			logger.Warn("Error fetching attestations for slot %d: %v", slot, err)
			return nil, errors.Wrapf(err, "fetch attestations for slot %d", slot)
		}
		result[slot] = att
	}
	return result, nil
}

// includedValidators maps aggregation bits back to validators.
// attested[vIdx] == true if an aggregation bit is set for that validator in [startSlot, endSlot].
func includedValidators(
	slotAttestations map[domain.Slot][]domain.Attestation,
	epochCommittees domain.EpochCommittees,
	tracked map[domain.ValidatorIndex]struct{},
	startSlot, endSlot domain.Slot,
) map[domain.ValidatorIndex]bool {
	attested := make(map[domain.ValidatorIndex]bool, len(tracked))

	for includedSlot, atts := range slotAttestations {
		for _, att := range atts {
			// Only care about attestations whose *data slot* is within the epoch
			dataSlot := att.DataSlot
			if dataSlot < startSlot || dataSlot > endSlot {
				continue
			}

			slotCommittees, ok := epochCommittees[dataSlot]
			if !ok {
				logger.Warn("No committees found for data slot %d (included in block slot %d)", dataSlot, includedSlot)
				continue
			}

			// Electra aggregates several committees per attestation; before that
			// the data index names the single committee.
			var aggregatedCommittees []int
			if len(att.CommitteeBits) == 0 {
				aggregatedCommittees = []int{int(att.DataIndex)}
			} else {
				aggregatedCommittees = getTrueBitIndices(att.CommitteeBits)
			}

			aggregationBits := bitfield.Bitlist(att.AggregationBits)
			bitBase := 0
			for _, commIdxInt := range aggregatedCommittees {
				commIdx := domain.CommitteeIndex(commIdxInt)
				validators, ok := slotCommittees[commIdx]
				if !ok || len(validators) == 0 {
					logger.Warn("Committee %d not found for data slot %d while processing attestation in included slot %d",
						commIdx, dataSlot, includedSlot)
					continue
				}

				for localPos, valIndex := range validators {
					if !aggregationBits.BitAt(uint64(bitBase + localPos)) {
						continue
					}
					if _, ok := tracked[valIndex]; ok {
						attested[valIndex] = true
					}
				}

				bitBase += len(validators)
			}
		}
	}
	return attested
}

// getValidatorsToCheck filters out validators already checked for this epoch.
func (a *MissedAttestationDetector) getValidatorsToCheck(indices []domain.ValidatorIndex, epoch domain.Epoch) []domain.ValidatorIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	var result []domain.ValidatorIndex
	for _, index := range indices {
		if checked, ok := a.checkedEpochs[index]; ok && checked >= epoch {
			continue
		}
		result = append(result, index)
	}
	return result
}

func (a *MissedAttestationDetector) markChecked(indices []domain.ValidatorIndex, epoch domain.Epoch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, index := range indices {
		a.checkedEpochs[index] = epoch
	}
}

func (a *MissedAttestationDetector) prune(now time.Time) bool {
	cutoff := now.Add(-MissedRetention).UnixMilli()
	a.mu.Lock()
	defer a.mu.Unlock()
	pruned := false
	for key, r := range a.records {
		if r.DetectedAt < cutoff {
			delete(a.records, key)
			pruned = true
		}
	}
	return pruned
}

func (a *MissedAttestationDetector) persistIf(changed bool) error {
	if !changed {
		return nil
	}
	a.mu.Lock()
	records := make(map[string]domain.MissedAttestation, len(a.records))
	for k, v := range a.records {
		records[k] = v
	}
	a.mu.Unlock()
	return saveJSON(a.store, ports.KeyMissedAttestations, records)
}

// getTrueBitIndices returns the indices of bits that are 1 in the given bitfield.
func getTrueBitIndices(bits []byte) []int {
	var indices []int
	for i := 0; i < len(bits)*8; i++ {
		if isBitSet(bits, i) {
			indices = append(indices, i)
		}
	}
	return indices
}

func isBitSet(bits []byte, index int) bool {
	byteIndex := index / 8
	bitIndex := index % 8
	if byteIndex >= len(bits) {
		return false
	}
	return (bits[byteIndex] & (1 << uint(bitIndex))) != 0
}
