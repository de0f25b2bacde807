package adapters

import (
	"context"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
)

// logSink writes notifications to the service log. It is always installed so a
// deployment without any channel still shows what would have been sent.
type logSink struct{}

func NewLogSink() ports.NotificationSink { return logSink{} }

func (logSink) Name() string { return "log" }

func (logSink) Notify(_ context.Context, n domain.Notification) error {
	logger.Info("🔔 [%s] %s duty for %s at slot %d (%s)", n.Urgency, n.Kind, n.ValidatorDisplay, n.Slot, n.TimeUntil)
	return nil
}
