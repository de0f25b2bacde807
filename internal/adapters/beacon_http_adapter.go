package adapters

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/coocood/freecache"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

const (
	validatorCacheBytes = 4 * 1024 * 1024
	validatorCacheTTL   = 30 // seconds
	epochsPerSyncPeriod = 256
)

var gweiPerWei = uint256.NewInt(1_000_000_000)

// beaconHTTPClient implements ports.BeaconChainAdapter using go-eth2-client.
type beaconHTTPClient struct {
	client *eth2http.Service

	validatorCache *freecache.Cache

	genesisMu sync.Mutex
	genesis   time.Time
}

// NewBeaconHTTPAdapter is the constructor used from main.go.
func NewBeaconHTTPAdapter(ctx context.Context, endpoint string, timeout time.Duration) (ports.BeaconChainAdapter, error) {
	client, err := eth2http.New(
		ctx,
		eth2http.WithAddress(endpoint),
		// This is the per-request timeout used by go-eth2-client.
		eth2http.WithTimeout(timeout),
		// Silence go-eth2-client logs unless they are warnings+.
		eth2http.WithLogLevel(zerolog.WarnLevel),
		// The node may come up after us; requests fail until it does.
		eth2http.WithAllowDelayedStart(true),
	)
	if err != nil {
		return nil, classify(err)
	}

	return &beaconHTTPClient{
		client:         client.(*eth2http.Service),
		validatorCache: freecache.NewCache(validatorCacheBytes),
	}, nil
}

// classify maps client errors onto the domain sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") {
		return errors.Wrap(domain.ErrBeaconUnreachable, err.Error())
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func toBeaconIndices(indices []domain.ValidatorIndex) []phase0.ValidatorIndex {
	beaconIndices := make([]phase0.ValidatorIndex, 0, len(indices))
	for _, idx := range indices {
		beaconIndices = append(beaconIndices, phase0.ValidatorIndex(idx))
	}
	return beaconIndices
}

func pubkeyHex(pk phase0.BLSPubKey) string {
	return "0x" + hex.EncodeToString(pk[:])
}

// GetGenesisTime fetches the genesis once; failures are retried on the next call.
func (b *beaconHTTPClient) GetGenesisTime(ctx context.Context) (time.Time, error) {
	b.genesisMu.Lock()
	defer b.genesisMu.Unlock()
	if !b.genesis.IsZero() {
		return b.genesis, nil
	}

	resp, err := b.client.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return time.Time{}, classify(err)
	}
	if resp == nil || resp.Data == nil {
		return time.Time{}, errors.Wrap(domain.ErrMalformedResponse, "genesis")
	}
	b.genesis = resp.Data.GenesisTime
	return b.genesis, nil
}

// GetCurrentSlot returns the slot of the head block header.
func (b *beaconHTTPClient) GetCurrentSlot(ctx context.Context) (domain.Slot, error) {
	resp, err := b.client.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{Block: "head"})
	if err != nil {
		return 0, classify(err)
	}
	if resp == nil || resp.Data == nil || resp.Data.Header == nil || resp.Data.Header.Message == nil {
		return 0, errors.Wrap(domain.ErrMalformedResponse, "head header")
	}
	return domain.Slot(resp.Data.Header.Message.Slot), nil
}

// GetProposerDuties returns proposer duties for given validators in an epoch.
func (b *beaconHTTPClient) GetProposerDuties(
	ctx context.Context,
	epoch domain.Epoch,
	indices []domain.ValidatorIndex,
) ([]domain.ProposerDuty, error) {
	resp, err := b.client.ProposerDuties(ctx, &api.ProposerDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: toBeaconIndices(indices),
	})
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil {
		return nil, errors.Wrap(domain.ErrMalformedResponse, "proposer duties")
	}

	duties := make([]domain.ProposerDuty, 0, len(resp.Data))
	for _, d := range resp.Data {
		duties = append(duties, domain.ProposerDuty{
			ValidatorIndex: domain.ValidatorIndex(d.ValidatorIndex),
			Pubkey:         pubkeyHex(d.PubKey),
			Slot:           domain.Slot(d.Slot),
		})
	}
	return duties, nil
}

// GetAttesterDuties returns attester duties for given validators in an epoch.
func (b *beaconHTTPClient) GetAttesterDuties(
	ctx context.Context,
	epoch domain.Epoch,
	indices []domain.ValidatorIndex,
) ([]domain.AttesterDuty, error) {
	resp, err := b.client.AttesterDuties(ctx, &api.AttesterDutiesOpts{
		Epoch:   phase0.Epoch(epoch),
		Indices: toBeaconIndices(indices),
	})
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil {
		return nil, errors.Wrap(domain.ErrMalformedResponse, "attester duties")
	}

	result := make([]domain.AttesterDuty, 0, len(resp.Data))
	for _, d := range resp.Data {
		result = append(result, domain.AttesterDuty{
			ValidatorIndex:    domain.ValidatorIndex(d.ValidatorIndex),
			Pubkey:            pubkeyHex(d.PubKey),
			Slot:              domain.Slot(d.Slot),
			CommitteeIndex:    domain.CommitteeIndex(d.CommitteeIndex),
			CommitteePosition: d.ValidatorCommitteeIndex,
			CommitteeLength:   d.CommitteeLength,
			CommitteesAtSlot:  d.CommitteesAtSlot,
		})
	}
	return result, nil
}

// GetSyncCommittee returns the current committee at epoch and the one of the
// following period. Nodes that cannot report the next committee yet yield an
// empty Next list.
func (b *beaconHTTPClient) GetSyncCommittee(ctx context.Context, epoch domain.Epoch) (domain.SyncCommittees, error) {
	current, err := b.syncCommitteeAt(ctx, epoch)
	if err != nil {
		return domain.SyncCommittees{}, err
	}

	nextEpoch := (epoch/epochsPerSyncPeriod + 1) * epochsPerSyncPeriod
	next, err := b.syncCommitteeAt(ctx, nextEpoch)
	if err != nil {
		if errors.Is(err, domain.ErrBeaconUnreachable) {
			return domain.SyncCommittees{}, err
		}
		next = nil
	}
	return domain.SyncCommittees{Current: current, Next: next}, nil
}

func (b *beaconHTTPClient) syncCommitteeAt(ctx context.Context, epoch domain.Epoch) ([]domain.ValidatorIndex, error) {
	e := phase0.Epoch(epoch)
	resp, err := b.client.SyncCommittee(ctx, &api.SyncCommitteeOpts{State: "head", Epoch: &e})
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || resp.Data == nil {
		return nil, errors.Wrapf(domain.ErrMalformedResponse, "sync committee at epoch %d", epoch)
	}
	out := make([]domain.ValidatorIndex, len(resp.Data.Validators))
	for i, v := range resp.Data.Validators {
		out[i] = domain.ValidatorIndex(v)
	}
	return out, nil
}

// GetValidatorInfo looks a validator up by index or pubkey. Answers are cached
// briefly since duplicate checks and imports repeat lookups.
func (b *beaconHTTPClient) GetValidatorInfo(ctx context.Context, idOrPubkey string) (*domain.ValidatorInfo, error) {
	key := []byte(strings.ToLower(idOrPubkey))
	if raw, err := b.validatorCache.Get(key); err == nil {
		var info domain.ValidatorInfo
		if json.Unmarshal(raw, &info) == nil {
			return &info, nil
		}
	}

	opts := &api.ValidatorsOpts{State: "head"}
	if idx, err := strconv.ParseUint(idOrPubkey, 10, 64); err == nil {
		opts.Indices = []phase0.ValidatorIndex{phase0.ValidatorIndex(idx)}
	} else {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(idOrPubkey), "0x"))
		if err != nil || len(raw) != 48 {
			return nil, errors.Wrapf(domain.ErrInvalidFormat, "pubkey %s", idOrPubkey)
		}
		var pk phase0.BLSPubKey
		copy(pk[:], raw)
		opts.PubKeys = []phase0.BLSPubKey{pk}
	}

	resp, err := b.client.Validators(ctx, opts)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if resp == nil {
		return nil, errors.Wrap(domain.ErrMalformedResponse, "validators")
	}

	for _, v := range resp.Data {
		if v == nil || v.Validator == nil {
			continue
		}
		info := &domain.ValidatorInfo{
			Index:  domain.ValidatorIndex(v.Index),
			Pubkey: pubkeyHex(v.Validator.PublicKey),
			Status: statusString(v.Status),
		}
		if raw, err := json.Marshal(info); err == nil {
			_ = b.validatorCache.Set(key, raw, validatorCacheTTL)
		}
		return info, nil
	}
	return nil, nil
}

func statusString(s apiv1.ValidatorState) string {
	return s.String()
}

func (b *beaconHTTPClient) signedBlock(ctx context.Context, slot domain.Slot) (*spec.VersionedSignedBeaconBlock, error) {
	resp, err := b.client.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: fmt.Sprintf("%d", slot),
	})
	if err != nil {
		// Missed slot → 404.
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	return resp.Data, nil
}

// GetBlockDetails summarises the block at slot.
func (b *beaconHTTPClient) GetBlockDetails(ctx context.Context, slot domain.Slot) (*domain.BlockDetails, error) {
	block, err := b.signedBlock(ctx, slot)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, errors.Wrapf(domain.ErrBlockNotAvailable, "slot %d", slot)
	}

	return blockDetailsFrom(slot, block)
}

func blockDetailsFrom(slot domain.Slot, block *spec.VersionedSignedBeaconBlock) (*domain.BlockDetails, error) {
	proposer, err := block.ProposerIndex()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrMalformedResponse, "block %d: %v", slot, err)
	}
	graffiti, _ := block.Graffiti()
	details := &domain.BlockDetails{
		Slot:           slot,
		ValidatorIndex: domain.ValidatorIndex(proposer),
		Graffiti:       graffitiString(graffiti[:]),
	}

	if hash, err := block.ExecutionBlockHash(); err == nil {
		details.BlockHash = "0x" + hex.EncodeToString(hash[:])
	}
	if number, err := block.ExecutionBlockNumber(); err == nil {
		details.BlockNumber = number
	}
	if recipient := feeRecipient(block); recipient != nil {
		details.FeeRecipient = "0x" + hex.EncodeToString(recipient)
	}
	if txs, err := block.ExecutionTransactions(); err == nil {
		details.TxCount = len(txs)
	}
	if withdrawals, err := block.Withdrawals(); err == nil {
		for _, w := range withdrawals {
			details.WithdrawalsGwei += uint64(w.Amount)
		}
	}
	if payload := denebPayload(block); payload != nil {
		details.Timestamp = int64(payload.Timestamp)
		details.BurnedFeesGwei = burnedFeesGwei(payload.BaseFeePerGas, payload.GasUsed)
	}
	return details, nil
}

// feeRecipient reads the execution payload fee recipient. Pre-merge blocks have none.
func feeRecipient(block *spec.VersionedSignedBeaconBlock) []byte {
	switch block.Version {
	case spec.DataVersionBellatrix:
		if block.Bellatrix != nil && block.Bellatrix.Message != nil && block.Bellatrix.Message.Body != nil &&
			block.Bellatrix.Message.Body.ExecutionPayload != nil {
			return block.Bellatrix.Message.Body.ExecutionPayload.FeeRecipient[:]
		}
	case spec.DataVersionCapella:
		if block.Capella != nil && block.Capella.Message != nil && block.Capella.Message.Body != nil &&
			block.Capella.Message.Body.ExecutionPayload != nil {
			return block.Capella.Message.Body.ExecutionPayload.FeeRecipient[:]
		}
	default:
		if payload := denebPayload(block); payload != nil {
			return payload.FeeRecipient[:]
		}
	}
	return nil
}

// denebPayload returns the execution payload of Deneb-shaped blocks.
func denebPayload(block *spec.VersionedSignedBeaconBlock) *deneb.ExecutionPayload {
	switch block.Version {
	case spec.DataVersionDeneb:
		if block.Deneb != nil && block.Deneb.Message != nil && block.Deneb.Message.Body != nil {
			return block.Deneb.Message.Body.ExecutionPayload
		}
	case spec.DataVersionElectra:
		if block.Electra != nil && block.Electra.Message != nil && block.Electra.Message.Body != nil {
			return block.Electra.Message.Body.ExecutionPayload
		}
	case spec.DataVersionFulu:
		if block.Fulu != nil && block.Fulu.Message != nil && block.Fulu.Message.Body != nil {
			return block.Fulu.Message.Body.ExecutionPayload
		}
	}
	return nil
}

// burnedFeesGwei is baseFee * gasUsed, converted from wei.
func burnedFeesGwei(baseFee *uint256.Int, gasUsed uint64) uint64 {
	if baseFee == nil {
		return 0
	}
	burned := new(uint256.Int).Mul(baseFee, uint256.NewInt(gasUsed))
	return burned.Div(burned, gweiPerWei).Uint64()
}

func graffitiString(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00")
}

// GetEpochCommittees returns:
//
//	data-slot → committee-index → []validatorIndex
func (b *beaconHTTPClient) GetEpochCommittees(
	ctx context.Context,
	epoch domain.Epoch,
) (domain.EpochCommittees, error) {
	e := phase0.Epoch(epoch)
	resp, err := b.client.BeaconCommittees(ctx, &api.BeaconCommitteesOpts{
		State: "head",
		Epoch: &e,
	})
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil {
		return nil, errors.Wrap(domain.ErrMalformedResponse, "beacon committees")
	}

	result := make(domain.EpochCommittees)
	for _, c := range resp.Data {
		slot := domain.Slot(c.Slot)
		index := domain.CommitteeIndex(c.Index)

		vals := make([]domain.ValidatorIndex, len(c.Validators))
		for i, v := range c.Validators {
			vals[i] = domain.ValidatorIndex(v)
		}

		slotMap, ok := result[slot]
		if !ok {
			slotMap = make(map[domain.CommitteeIndex][]domain.ValidatorIndex)
			result[slot] = slotMap
		}
		slotMap[index] = vals
	}
	return result, nil
}

// GetBlockAttestations returns all attestations included in the block at `slot`.
// A missed slot (404) has no attestations: (nil, nil).
func (b *beaconHTTPClient) GetBlockAttestations(
	ctx context.Context,
	slot domain.Slot,
) ([]domain.Attestation, error) {
	block, err := b.signedBlock(ctx, slot)
	if err != nil || block == nil {
		return nil, err
	}

	attestations, err := block.Attestations()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrMalformedResponse, "attestations of block %d: %v", slot, err)
	}

	out := make([]domain.Attestation, 0, len(attestations))
	for _, att := range attestations {
		data, err := att.Data()
		if err != nil {
			continue
		}
		aggregationBits, err := att.AggregationBits()
		if err != nil {
			continue
		}
		a := domain.Attestation{
			DataSlot:        domain.Slot(data.Slot),
			DataIndex:       domain.CommitteeIndex(data.Index),
			AggregationBits: aggregationBits,
		}
		if att.Version >= spec.DataVersionElectra {
			if committeeBits, err := att.CommitteeBits(); err == nil {
				a.CommitteeBits = committeeBits
			}
		}
		out = append(out, a)
	}
	return out, nil
}
