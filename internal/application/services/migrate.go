package services

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
)

// SchemaVersion is the store layout this build writes.
const SchemaVersion = 1

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, m *Migrator) error
}

// Migrator upgrades the persisted state once per schema version. Run it before
// any component loads from the store.
type Migrator struct {
	beacon ports.BeaconChainAdapter
	store  ports.PersistentStore

	migrations []migration
}

func NewMigrator(beacon ports.BeaconChainAdapter, store ports.PersistentStore) *Migrator {
	return &Migrator{
		beacon: beacon,
		store:  store,
		migrations: []migration{
			{version: 1, name: "validator records", apply: migrateValidatorList},
		},
	}
}

// Run applies every migration newer than the stored schema version.
func (m *Migrator) Run(ctx context.Context) error {
	version := 0
	if _, err := loadJSON(m.store, ports.KeySchemaVersion, &version); err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.version <= version {
			continue
		}
		logger.Info("Applying store migration %d (%s)", mig.version, mig.name)
		if err := mig.apply(ctx, m); err != nil {
			return errors.Wrapf(err, "migration %d", mig.version)
		}
		version = mig.version
		if err := saveJSON(m.store, ports.KeySchemaVersion, version); err != nil {
			return err
		}
	}
	return nil
}

// migrateValidatorList upgrades a plain list of ids to validator records.
// Pubkeys the beacon node does not know are dropped. A lookup error aborts the
// migration without touching the stored list.
func migrateValidatorList(ctx context.Context, m *Migrator) error {
	raw, err := m.store.Get(ports.KeyValidators)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read validators")
	}

	var legacy []string
	if err := json.Unmarshal(raw, &legacy); err != nil {
		// Already in record form.
		return nil
	}

	records := make([]domain.Validator, 0, len(legacy))
	seen := make(map[domain.ValidatorIndex]struct{})
	for _, entry := range legacy {
		kind, value := domain.ClassifyInput(entry)
		var v domain.Validator
		switch kind {
		case domain.InputIndex:
			index, _ := domain.ParseValidatorIndex(value)
			v = domain.Validator{Index: index}
		case domain.InputPubkey:
			info, err := m.beacon.GetValidatorInfo(ctx, value)
			if err != nil {
				// Leave the legacy list in place so the next start retries.
				return errors.Wrapf(err, "resolve legacy validator %s", domain.TruncateID(value))
			}
			if info == nil {
				logger.Warn("Dropping legacy validator %s: unknown to the beacon node", domain.TruncateID(value))
				continue
			}
			v = domain.Validator{Index: info.Index, Pubkey: value, Status: info.Status}
		default:
			logger.Warn("Dropping legacy validator entry %q: invalid format", entry)
			continue
		}
		if _, dup := seen[v.Index]; dup {
			continue
		}
		seen[v.Index] = struct{}{}
		records = append(records, v)
	}

	logger.Info("Migrated %d of %d legacy validator entries", len(records), len(legacy))
	return saveJSON(m.store, ports.KeyValidators, records)
}
