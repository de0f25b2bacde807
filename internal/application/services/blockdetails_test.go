package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

func newTestTracker(t *testing.T) (*BlockDetailsTracker, *fakeBeacon, *recordingSink) {
	t.Helper()
	beacon := newFakeBeacon()
	beacon.addValidator(7, testPubkey(7))
	registry := NewValidatorRegistry(beacon, newTestStore())
	_, err := registry.Add(context.Background(), "7")
	require.NoError(t, err)

	sink := &recordingSink{}
	tracker := NewBlockDetailsTracker(beacon, newTestStore(), sink, registry)
	tracker.Policy = RetryPolicy{MaxAttempts: DefaultRetryPolicy.MaxAttempts}
	return tracker, beacon, sink
}

func TestBlockDetailsRetriesUntilAvailable(t *testing.T) {
	tracker, beacon, sink := newTestTracker(t)
	beacon.blockErrs = []error{domain.ErrBlockNotAvailable, domain.ErrBlockNotAvailable}
	beacon.blocks[500] = &domain.BlockDetails{Slot: 500, ValidatorIndex: 7, BlockNumber: 19000000, TxCount: 120, Graffiti: "lighthouse"}

	tracker.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 500})
	tracker.Wait()

	assert.Equal(t, 3, beacon.blockCalls)
	details := tracker.Details()
	require.Len(t, details, 1)
	assert.Equal(t, uint64(19000000), details[0].BlockNumber)

	sent := sink.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.NotifyBlockConfirmed, sent[0].Kind)
	assert.Equal(t, domain.UrgencySuccess, sent[0].Urgency)
	assert.Equal(t, "7 (0x77777777)", sent[0].ValidatorDisplay)
	require.NotNil(t, sent[0].BlockDetails)
	assert.Equal(t, 120, sent[0].BlockDetails.TxCount)
}

func TestBlockDetailsGivesUpAfterMaxAttempts(t *testing.T) {
	tracker, beacon, sink := newTestTracker(t)

	tracker.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 501})
	tracker.Wait()

	assert.Equal(t, DefaultRetryPolicy.MaxAttempts, beacon.blockCalls)
	assert.Empty(t, tracker.Details())
	assert.Empty(t, sink.notifications())

	// An attempted slot is not fetched again.
	tracker.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 501})
	tracker.Wait()
	assert.Equal(t, DefaultRetryPolicy.MaxAttempts, beacon.blockCalls)
}

func TestBlockDetailsStopsWhenBeaconUnreachable(t *testing.T) {
	tracker, beacon, sink := newTestTracker(t)
	beacon.blockErrs = []error{domain.ErrBeaconUnreachable}
	beacon.blocks[502] = &domain.BlockDetails{Slot: 502}

	tracker.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 502})
	tracker.Wait()

	assert.Equal(t, 1, beacon.blockCalls)
	assert.Empty(t, sink.notifications())
}

func TestBlockDetailsPersisted(t *testing.T) {
	tracker, beacon, _ := newTestTracker(t)
	beacon.blocks[503] = &domain.BlockDetails{Slot: 503, ValidatorIndex: 7}

	tracker.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 503})
	tracker.Wait()
	require.Len(t, tracker.Details(), 1)

	reloaded := NewBlockDetailsTracker(beacon, tracker.store, &recordingSink{}, tracker.matcher)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, tracker.Details(), reloaded.Details())

	calls := beacon.blockCalls
	reloaded.ProposalReached(context.Background(), domain.ProposerDuty{ValidatorIndex: 7, Slot: 503})
	reloaded.Wait()
	assert.Equal(t, calls, beacon.blockCalls, "recorded slots are not refetched")
}
