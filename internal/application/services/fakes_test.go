package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Marketen/duties-notifier/internal/adapters"
	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// fakeBeacon is an in-memory ports.BeaconChainAdapter.
type fakeBeacon struct {
	mu sync.Mutex

	validators map[string]*domain.ValidatorInfo
	infoErr    error
	infoCalls  int

	headSlot domain.Slot
	headErr  error

	proposer      map[domain.Epoch][]domain.ProposerDuty
	attester      map[domain.Epoch][]domain.AttesterDuty
	attesterErr   error
	sync          domain.SyncCommittees
	beforeDuties  func()
	committees    map[domain.Epoch]domain.EpochCommittees
	blockAtts     map[domain.Slot][]domain.Attestation
	blockAttsErr  map[domain.Slot]error
	blockAttCalls int

	blocks       map[domain.Slot]*domain.BlockDetails
	blockErrs    []error // consumed one per GetBlockDetails call before blocks is consulted
	blockCalls   int
	genesis      time.Time
	proposerArgs [][]domain.ValidatorIndex
}

func newFakeBeacon() *fakeBeacon {
	return &fakeBeacon{
		validators:   make(map[string]*domain.ValidatorInfo),
		proposer:     make(map[domain.Epoch][]domain.ProposerDuty),
		attester:     make(map[domain.Epoch][]domain.AttesterDuty),
		committees:   make(map[domain.Epoch]domain.EpochCommittees),
		blockAtts:    make(map[domain.Slot][]domain.Attestation),
		blockAttsErr: make(map[domain.Slot]error),
		blocks:       make(map[domain.Slot]*domain.BlockDetails),
		genesis:      testGenesis,
	}
}

func testPubkey(b byte) string {
	return "0x" + strings.Repeat(string("0123456789abcdef"[b%16]), 96)
}

// addValidator makes the validator resolvable by index and by pubkey.
func (f *fakeBeacon) addValidator(index domain.ValidatorIndex, pubkey string) {
	info := &domain.ValidatorInfo{Index: index, Pubkey: pubkey, Status: "active_ongoing"}
	f.validators[index.String()] = info
	if pubkey != "" {
		f.validators[strings.ToLower(pubkey)] = info
	}
}

func (f *fakeBeacon) GetGenesisTime(context.Context) (time.Time, error) {
	return f.genesis, nil
}

func (f *fakeBeacon) GetCurrentSlot(context.Context) (domain.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headSlot, f.headErr
}

func (f *fakeBeacon) GetProposerDuties(_ context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.ProposerDuty, error) {
	f.mu.Lock()
	hook := f.beforeDuties
	f.proposerArgs = append(f.proposerArgs, indices)
	duties := f.proposer[epoch]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return duties, nil
}

func (f *fakeBeacon) GetAttesterDuties(_ context.Context, epoch domain.Epoch, _ []domain.ValidatorIndex) ([]domain.AttesterDuty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attester[epoch], f.attesterErr
}

func (f *fakeBeacon) GetSyncCommittee(context.Context, domain.Epoch) (domain.SyncCommittees, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sync, nil
}

func (f *fakeBeacon) GetValidatorInfo(_ context.Context, idOrPubkey string) (*domain.ValidatorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info, ok := f.validators[strings.ToLower(idOrPubkey)]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (f *fakeBeacon) GetBlockDetails(_ context.Context, slot domain.Slot) (*domain.BlockDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls++
	if len(f.blockErrs) > 0 {
		err := f.blockErrs[0]
		f.blockErrs = f.blockErrs[1:]
		return nil, err
	}
	d, ok := f.blocks[slot]
	if !ok {
		return nil, domain.ErrBlockNotAvailable
	}
	cp := *d
	return &cp, nil
}

func (f *fakeBeacon) GetEpochCommittees(_ context.Context, epoch domain.Epoch) (domain.EpochCommittees, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committees[epoch], nil
}

func (f *fakeBeacon) GetBlockAttestations(_ context.Context, slot domain.Slot) ([]domain.Attestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockAttCalls++
	if err := f.blockAttsErr[slot]; err != nil {
		return nil, err
	}
	return f.blockAtts[slot], nil
}

// recordingSink collects notifications; err is returned from every Notify.
type recordingSink struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

func (s *recordingSink) notifications() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.sent...)
}

func newTestStore() ports.PersistentStore {
	return adapters.NewMemoryStore()
}

// fixedSettings is a SettingsProvider for scheduler tests.
type fixedSettings domain.NotificationSettings

func (s fixedSettings) NotificationSettings() domain.NotificationSettings {
	return domain.NotificationSettings(s)
}

// slotTime is the wall-clock start of slot on the test clock.
func slotTime(slot domain.Slot) time.Time {
	return testClock().SlotStart(slot)
}
