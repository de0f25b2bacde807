package services

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// NoticeDuration is how long an unreachable-beacon notice stays up.
const NoticeDuration = 10 * time.Second

// BeaconErrorNotice surfaces beacon connectivity problems at most once at a time.
type BeaconErrorNotice struct {
	mu      sync.Mutex
	message string
	shownAt time.Time

	now func() time.Time
}

func NewBeaconErrorNotice() *BeaconErrorNotice {
	return &BeaconErrorNotice{now: time.Now}
}

// Report shows err when it is an unreachable-beacon error and no notice is up.
// It reports whether a new notice was shown.
func (n *BeaconErrorNotice) Report(err error) bool {
	if err == nil || !errors.Is(err, domain.ErrBeaconUnreachable) {
		return false
	}
	metrics.BeaconUnreachable.Inc()

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if n.message != "" && now.Sub(n.shownAt) < NoticeDuration {
		return false
	}
	n.message = err.Error()
	n.shownAt = now
	logger.Error("Beacon node error: %v", err)
	return true
}

// Active returns the current notice, if any.
func (n *BeaconErrorNotice) Active() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.message == "" {
		return "", false
	}
	if n.now().Sub(n.shownAt) >= NoticeDuration {
		n.message = ""
		return "", false
	}
	return n.message, true
}
