package adapters

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// multiSink fans a notification out to every sink concurrently. One failing
// channel never blocks the others.
type multiSink struct {
	sinks []ports.NotificationSink
}

func NewMultiSink(sinks ...ports.NotificationSink) ports.NotificationSink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Name() string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m *multiSink) Notify(ctx context.Context, n domain.Notification) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, sink := range m.sinks {
		wg.Add(1)
		go func(sink ports.NotificationSink) {
			defer wg.Done()
			if err := sink.Notify(ctx, n); err != nil {
				metrics.NotificationFailures.WithLabelValues(sink.Name()).Inc()
				mu.Lock()
				failed = append(failed, sink.Name()+": "+err.Error())
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()

	if len(failed) > 0 {
		return errors.Wrap(domain.ErrNotificationDeliveryFailed, strings.Join(failed, "; "))
	}
	return nil
}
