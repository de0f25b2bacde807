package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

func TestMigratorUpgradesLegacyList(t *testing.T) {
	beacon := newFakeBeacon()
	beacon.addValidator(55, testPubkey(5))
	store := newTestStore()

	legacy, err := json.Marshal([]string{"123", testPubkey(5), "not-a-validator", "123", testPubkey(9)})
	require.NoError(t, err)
	require.NoError(t, store.Put(ports.KeyValidators, legacy))

	require.NoError(t, NewMigrator(beacon, store).Run(context.Background()))

	registry := NewValidatorRegistry(beacon, store)
	require.NoError(t, registry.Load())
	validators := registry.Validators()
	require.Len(t, validators, 2)
	assert.Equal(t, domain.ValidatorIndex(123), validators[0].Index)
	assert.Equal(t, domain.ValidatorIndex(55), validators[1].Index)
	assert.Equal(t, testPubkey(5), validators[1].Pubkey)

	var version int
	raw, err := store.Get(ports.KeySchemaVersion)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &version))
	assert.Equal(t, SchemaVersion, version)
}

func TestMigratorRunsOnce(t *testing.T) {
	beacon := newFakeBeacon()
	beacon.addValidator(55, testPubkey(5))
	store := newTestStore()
	require.NoError(t, store.Put(ports.KeySchemaVersion, []byte("1")))

	legacy, err := json.Marshal([]string{testPubkey(5)})
	require.NoError(t, err)
	require.NoError(t, store.Put(ports.KeyValidators, legacy))

	require.NoError(t, NewMigrator(beacon, store).Run(context.Background()))
	assert.Zero(t, beacon.infoCalls)

	raw, err := store.Get(ports.KeyValidators)
	require.NoError(t, err)
	assert.JSONEq(t, string(legacy), string(raw))
}

func TestMigratorKeepsRecordForm(t *testing.T) {
	store := newTestStore()
	records := `[{"index":7,"pubkey":"` + testPubkey(7) + `"}]`
	require.NoError(t, store.Put(ports.KeyValidators, []byte(records)))

	require.NoError(t, NewMigrator(newFakeBeacon(), store).Run(context.Background()))

	raw, err := store.Get(ports.KeyValidators)
	require.NoError(t, err)
	assert.JSONEq(t, records, string(raw))
}

func TestMigratorEmptyStore(t *testing.T) {
	store := newTestStore()
	require.NoError(t, NewMigrator(newFakeBeacon(), store).Run(context.Background()))
	_, err := store.Get(ports.KeyValidators)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestMigratorRetriesWhenBeaconUnreachable(t *testing.T) {
	beacon := newFakeBeacon()
	beacon.addValidator(55, testPubkey(5))
	beacon.infoErr = errors.Wrap(domain.ErrBeaconUnreachable, "connection refused")
	store := newTestStore()

	legacy, err := json.Marshal([]string{testPubkey(5)})
	require.NoError(t, err)
	require.NoError(t, store.Put(ports.KeyValidators, legacy))

	err = NewMigrator(beacon, store).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBeaconUnreachable))

	raw, err := store.Get(ports.KeyValidators)
	require.NoError(t, err)
	assert.JSONEq(t, string(legacy), string(raw), "the legacy list is left untouched")
	_, err = store.Get(ports.KeySchemaVersion)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	beacon.infoErr = nil
	require.NoError(t, NewMigrator(beacon, store).Run(context.Background()))
	registry := NewValidatorRegistry(beacon, store)
	require.NoError(t, registry.Load())
	require.Len(t, registry.Validators(), 1)
	assert.Equal(t, domain.ValidatorIndex(55), registry.Validators()[0].Index)
}
