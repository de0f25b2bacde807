package domain

import "strconv"

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64
type CommitteeIndex uint64

func (i ValidatorIndex) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// DutyKind identifies one of the three duty collections.
type DutyKind string

const (
	DutyProposer DutyKind = "proposer"
	DutyAttester DutyKind = "attester"
	DutySync     DutyKind = "sync"
)

// SyncPeriod tells whether a sync committee membership is active or upcoming.
type SyncPeriod string

const (
	SyncPeriodCurrent SyncPeriod = "current"
	SyncPeriodNext    SyncPeriod = "next"
)

// ValidatorRef is what a raw duty carries to identify its validator.
// Pubkey may be empty when the beacon node only reports the index.
type ValidatorRef struct {
	Index  ValidatorIndex
	Pubkey string
}

// ProposerDuty describes a scheduled block proposal for a validator.
type ProposerDuty struct {
	ValidatorIndex ValidatorIndex `json:"validator_index"`
	Pubkey         string         `json:"pubkey,omitempty"`
	Slot           Slot           `json:"slot"`
}

func (d ProposerDuty) Ref() ValidatorRef {
	return ValidatorRef{Index: d.ValidatorIndex, Pubkey: d.Pubkey}
}

// AttesterDuty describes an attestation duty for a validator.
type AttesterDuty struct {
	ValidatorIndex    ValidatorIndex `json:"validator_index"`
	Pubkey            string         `json:"pubkey,omitempty"`
	Slot              Slot           `json:"slot"`
	CommitteeIndex    CommitteeIndex `json:"committee_index"`
	CommitteePosition uint64         `json:"validator_committee_index"`
	CommitteeLength   uint64         `json:"committee_length"`
	CommitteesAtSlot  uint64         `json:"committees_at_slot"`
}

func (d AttesterDuty) Ref() ValidatorRef {
	return ValidatorRef{Index: d.ValidatorIndex, Pubkey: d.Pubkey}
}

// SyncDuty is a sync committee membership. Current memberships carry UntilEpoch,
// next-period memberships carry FromEpoch.
type SyncDuty struct {
	ValidatorIndex    ValidatorIndex `json:"validator"`
	Period            SyncPeriod     `json:"period"`
	CommitteePosition uint64         `json:"committee_index"`
	UntilEpoch        Epoch          `json:"until_epoch,omitempty"`
	FromEpoch         Epoch          `json:"from_epoch,omitempty"`
}

func (d SyncDuty) Ref() ValidatorRef {
	return ValidatorRef{Index: d.ValidatorIndex}
}

// SyncCommittees holds the member indices of the current and next sync committee.
type SyncCommittees struct {
	Current []ValidatorIndex
	Next    []ValidatorIndex
}

// DutySnapshot is the serialisable content of a duty set.
type DutySnapshot struct {
	Proposer []ProposerDuty `json:"proposer"`
	Attester []AttesterDuty `json:"attester"`
	Sync     []SyncDuty     `json:"sync"`
}

// Attestation is a simplified representation of a beacon block attestation
// sufficient for us to detect if a validator attested or not.
type Attestation struct {
	// Slot that the attestation data refers to (the duty slot).
	DataSlot Slot

	// Committee index from the attestation data. Only meaningful before Electra,
	// when every attestation covers exactly one committee.
	DataIndex CommitteeIndex

	// Bitfield of which committees are aggregated in this attestation.
	// Empty for pre-Electra attestations.
	CommitteeBits []byte

	// Bitfield of which validators (across all aggregated committees) participated.
	AggregationBits []byte
}

// EpochCommittees maps:
//
//	data-slot -> committee-index -> list of validator indices in that committee
type EpochCommittees map[Slot]map[CommitteeIndex][]ValidatorIndex

// ValidatorInfo is what the beacon node knows about a validator.
type ValidatorInfo struct {
	Index  ValidatorIndex
	Pubkey string
	Status string
}

// BlockDetails summarises a proposed block for the post-proposal notification.
type BlockDetails struct {
	Slot            Slot           `json:"slot"`
	ValidatorIndex  ValidatorIndex `json:"validatorIndex"`
	Graffiti        string         `json:"graffiti"`
	FeeRecipient    string         `json:"feeRecipient"`
	BlockHash       string         `json:"blockHash"`
	BlockNumber     uint64         `json:"blockNumber"`
	TxCount         int            `json:"txCount"`
	BurnedFeesGwei  uint64         `json:"burnedFeesGwei"`
	WithdrawalsGwei uint64         `json:"withdrawalsGwei"`
	Timestamp       int64          `json:"timestamp"`
}

// MissedAttestation records an attester duty that was not included on chain.
type MissedAttestation struct {
	ValidatorID string `json:"validator"`
	Slot        Slot   `json:"slot"`
	Epoch       Epoch  `json:"epoch"`
	DetectedAt  int64  `json:"detectedAt"`
}

// NotificationSettings are the user preferences read on every scheduler tick.
type NotificationSettings struct {
	Proposer    bool `json:"proposer"`
	Attester    bool `json:"attester"`
	Sync        bool `json:"sync"`
	Missed      bool `json:"missed"`
	LeadMinutes int  `json:"minutesBefore"`
}

// DefaultNotificationSettings mirrors a fresh session.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Proposer:    true,
		Attester:    true,
		Sync:        true,
		Missed:      false,
		LeadMinutes: 10,
	}
}
