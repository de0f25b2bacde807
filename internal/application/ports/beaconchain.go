package ports

import (
	"context"
	"time"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

// BeaconChainAdapter is the hexagonal port for accessing beacon chain data.
// The services depend only on this interface, not on any concrete client.
//
// Implementations wrap connection failures in domain.ErrBeaconUnreachable and
// unexpected shapes in domain.ErrMalformedResponse.
type BeaconChainAdapter interface {
	// GetGenesisTime returns the chain genesis time.
	GetGenesisTime(ctx context.Context) (time.Time, error)

	// GetCurrentSlot returns the slot of the head block.
	GetCurrentSlot(ctx context.Context) (domain.Slot, error)

	// GetProposerDuties returns proposal duties in an epoch. An empty index list
	// returns the duties of every proposer in the epoch.
	GetProposerDuties(
		ctx context.Context,
		epoch domain.Epoch,
		indices []domain.ValidatorIndex,
	) ([]domain.ProposerDuty, error)

	// GetAttesterDuties returns attestation duties for the given validators in an epoch.
	GetAttesterDuties(
		ctx context.Context,
		epoch domain.Epoch,
		indices []domain.ValidatorIndex,
	) ([]domain.AttesterDuty, error)

	// GetSyncCommittee returns the members of the sync committee active at epoch
	// and of the one following it.
	GetSyncCommittee(ctx context.Context, epoch domain.Epoch) (domain.SyncCommittees, error)

	// GetValidatorInfo looks a validator up by decimal index or 0x pubkey.
	// It returns (nil, nil) when the node does not know the validator.
	GetValidatorInfo(ctx context.Context, idOrPubkey string) (*domain.ValidatorInfo, error)

	// GetBlockDetails summarises the block at slot, or returns domain.ErrBlockNotAvailable.
	GetBlockDetails(ctx context.Context, slot domain.Slot) (*domain.BlockDetails, error)

	// GetEpochCommittees returns all beacon committees of an epoch.
	GetEpochCommittees(ctx context.Context, epoch domain.Epoch) (domain.EpochCommittees, error)

	// GetBlockAttestations returns all attestations included in the block at the given slot.
	GetBlockAttestations(ctx context.Context, slot domain.Slot) ([]domain.Attestation, error)
}
