package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// Ticker runs one notification scan.
type Ticker interface {
	Tick(ctx context.Context) int
}

// DutyFetcher loads the duties of all tracked validators from the beacon node.
// Only the latest started fetch may write its result.
type DutyFetcher struct {
	BeaconAdapter ports.BeaconChainAdapter

	validators ValidatorSource
	duties     *DutySet
	cache      *CacheManager
	clock      SlotClock
	notice     *BeaconErrorNotice
	scheduler  Ticker

	Interval time.Duration

	generation atomic.Uint64
}

func NewDutyFetcher(
	beacon ports.BeaconChainAdapter,
	validators ValidatorSource,
	duties *DutySet,
	cache *CacheManager,
	clock SlotClock,
	notice *BeaconErrorNotice,
	interval time.Duration,
) *DutyFetcher {
	return &DutyFetcher{
		BeaconAdapter: beacon,
		validators:    validators,
		duties:        duties,
		cache:         cache,
		clock:         clock,
		notice:        notice,
		Interval:      interval,
	}
}

// SetScheduler lets AddedValidator run a scan right after new duties arrive.
func (f *DutyFetcher) SetScheduler(s Ticker) {
	f.scheduler = s
}

// Run refetches on every interval until ctx is done.
func (f *DutyFetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.FetchAll(ctx); err != nil {
				logger.Error("Auto refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

type fetchResult struct {
	proposer [2][]domain.ProposerDuty
	attester [2][]domain.AttesterDuty
	sync     []domain.SyncDuty
}

// FetchAll fetches proposer and attester duties for the current and next epoch and
// the sync committee memberships, then replaces the duty set and saves the cache.
// A fetch superseded by a later one drops its result.
func (f *DutyFetcher) FetchAll(ctx context.Context) error {
	gen := f.generation.Add(1)

	indices := f.validators.Indices()
	if len(indices) == 0 {
		logger.Warn("No validators tracked, clearing duties")
		f.duties.Reset()
		if err := f.cache.Save(); err != nil {
			logger.Error("Failed to save duties cache: %v", err)
		}
		return nil
	}

	res, err := f.fetch(ctx, indices)
	if err != nil {
		metrics.DutyFetches.WithLabelValues("error").Inc()
		f.notice.Report(err)
		return err
	}

	if gen != f.generation.Load() {
		metrics.DutyFetches.WithLabelValues("superseded").Inc()
		logger.Debug("Discarding duty fetch %d, superseded by %d", gen, f.generation.Load())
		return nil
	}

	f.duties.IngestProposers(res.proposer[0], res.proposer[1])
	f.duties.IngestAttesters(res.attester[0], res.attester[1])
	f.duties.IngestSync(res.sync)
	metrics.DutyFetches.WithLabelValues("ok").Inc()

	logger.Info("Fetched duties for %d validators: %d proposer, %d attester, %d sync",
		len(indices), len(f.duties.Proposers()), len(f.duties.Attesters()), len(f.duties.Sync()))

	if err := f.cache.Save(); err != nil {
		logger.Error("Failed to save duties cache: %v", err)
	}
	return nil
}

func (f *DutyFetcher) fetch(ctx context.Context, indices []domain.ValidatorIndex) (*fetchResult, error) {
	currentSlot, err := f.BeaconAdapter.GetCurrentSlot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch head slot")
	}
	epoch := f.clock.EpochOf(currentSlot)

	res := &fetchResult{}
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range []domain.Epoch{epoch, epoch + 1} {
		i, e := i, e
		g.Go(func() error {
			duties, err := f.BeaconAdapter.GetProposerDuties(gctx, e, indices)
			if err != nil {
				return errors.Wrapf(err, "fetch proposer duties for epoch %d", e)
			}
			res.proposer[i] = duties
			return nil
		})
		g.Go(func() error {
			duties, err := f.BeaconAdapter.GetAttesterDuties(gctx, e, indices)
			if err != nil {
				return errors.Wrapf(err, "fetch attester duties for epoch %d", e)
			}
			res.attester[i] = duties
			return nil
		})
	}
	g.Go(func() error {
		committees, err := f.BeaconAdapter.GetSyncCommittee(gctx, epoch)
		if err != nil {
			return errors.Wrapf(err, "fetch sync committee for epoch %d", epoch)
		}
		res.sync = SyncDutiesFor(committees, indices, epoch)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// SyncDutiesFor turns committee membership into sync duties for the tracked indices.
func SyncDutiesFor(committees domain.SyncCommittees, indices []domain.ValidatorIndex, epoch domain.Epoch) []domain.SyncDuty {
	tracked := make(map[domain.ValidatorIndex]struct{}, len(indices))
	for _, idx := range indices {
		tracked[idx] = struct{}{}
	}
	boundary := NextSyncPeriodStart(epoch)

	var duties []domain.SyncDuty
	seen := make(map[domain.ValidatorIndex]struct{})
	for pos, idx := range committees.Current {
		if _, ok := tracked[idx]; !ok {
			continue
		}
		// A validator can occupy several committee seats; one duty is enough.
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		duties = append(duties, domain.SyncDuty{
			ValidatorIndex:    idx,
			Period:            domain.SyncPeriodCurrent,
			CommitteePosition: uint64(pos),
			UntilEpoch:        boundary,
		})
	}
	seen = make(map[domain.ValidatorIndex]struct{})
	for pos, idx := range committees.Next {
		if _, ok := tracked[idx]; !ok {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		duties = append(duties, domain.SyncDuty{
			ValidatorIndex:    idx,
			Period:            domain.SyncPeriodNext,
			CommitteePosition: uint64(pos),
			FromEpoch:         boundary,
		})
	}
	return duties
}

// AddedValidator fetches proposer duties of a newly added validator for the current
// and next epoch, merges them and runs a scan so imminent proposals are notified.
func (f *DutyFetcher) AddedValidator(ctx context.Context, v domain.Validator) error {
	currentSlot, err := f.BeaconAdapter.GetCurrentSlot(ctx)
	if err != nil {
		f.notice.Report(err)
		return errors.Wrap(err, "fetch head slot")
	}
	epoch := f.clock.EpochOf(currentSlot)

	var found []domain.ProposerDuty
	for _, e := range []domain.Epoch{epoch, epoch + 1} {
		duties, err := f.BeaconAdapter.GetProposerDuties(ctx, e, []domain.ValidatorIndex{v.Index})
		if err != nil {
			f.notice.Report(err)
			return errors.Wrapf(err, "fetch proposer duties for epoch %d", e)
		}
		for _, d := range duties {
			if d.ValidatorIndex == v.Index {
				found = append(found, d)
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	logger.Info("Validator %s has %d upcoming proposals", v.ID(), len(found))
	f.duties.AppendProposers(found)
	if err := f.cache.Save(); err != nil {
		logger.Error("Failed to save duties cache: %v", err)
	}
	if f.scheduler != nil {
		f.scheduler.Tick(ctx)
	}
	return nil
}
