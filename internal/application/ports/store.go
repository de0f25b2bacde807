package ports

import "github.com/pkg/errors"

// ErrNotFound is returned by PersistentStore.Get for absent keys.
var ErrNotFound = errors.New("key not found")

// PersistentStore is a key/value store that survives restarts of the service.
type PersistentStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Store keys.
const (
	KeyValidators         = "validators"
	KeyValidatorLabels    = "validatorLabels"
	KeyNotifiedDuties     = "notifiedDuties"
	KeyDutiesCache        = "dutiesCache"
	KeyMissedAttestations = "missedAttestations"
	KeySettings           = "notificationSettings"
	KeyBeaconURL          = "beaconUrl"
	KeyBlockDetails       = "blockDetails"
	KeyPushSubscriptions  = "pushSubscriptions"
	KeySchemaVersion      = "schemaVersion"
)
