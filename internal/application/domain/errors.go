package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidFormat is returned for input that is neither a decimal index nor a 0x pubkey.
	ErrInvalidFormat = errors.New("invalid validator format")
	// ErrResolutionFailed is returned when the beacon node cannot resolve a validator.
	ErrResolutionFailed = errors.New("validator resolution failed")
	// ErrBeaconUnreachable marks connection-level failures to the beacon node.
	ErrBeaconUnreachable = errors.New("beacon node unreachable")
	// ErrMalformedResponse marks beacon responses with an unexpected shape.
	ErrMalformedResponse = errors.New("malformed beacon response")
	// ErrNotificationDeliveryFailed is logged by the scheduler and never resets the ledger.
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	// ErrBlockNotAvailable is returned when no block exists (yet) at a slot.
	ErrBlockNotAvailable = errors.New("block not available")
	// ErrValidatorNotTracked is returned by registry operations on unknown ids.
	ErrValidatorNotTracked = errors.New("validator not tracked")
)

// DuplicateValidatorError names the entry that already tracks the validator.
type DuplicateValidatorError struct {
	Existing string
}

func (e *DuplicateValidatorError) Error() string {
	return fmt.Sprintf("validator already tracked as %s", e.Existing)
}
