package ports

import (
	"context"

	"github.com/Marketen/duties-notifier/internal/application/domain"
)

// NotificationSink delivers a notification to the user. Delivery is fire-and-forget
// from the scheduler's point of view: an error is logged, never retried.
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, n domain.Notification) error
}
