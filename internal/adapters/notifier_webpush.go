package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
)

const pushTTL = 300 // seconds

// VAPIDConfig holds the application server keys for Web Push.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

// WebPushSink delivers notifications to every registered browser subscription.
// Subscriptions are persisted and dropped once the push service reports them gone.
type WebPushSink struct {
	store  ports.PersistentStore
	vapid  VAPIDConfig
	client webpush.HTTPClient

	mu            sync.Mutex
	subscriptions map[string]domain.PushSubscription
}

// NewWebPushSink loads stored subscriptions. client may be nil.
func NewWebPushSink(store ports.PersistentStore, vapid VAPIDConfig, client webpush.HTTPClient) (*WebPushSink, error) {
	s := &WebPushSink{
		store:         store,
		vapid:         vapid,
		client:        client,
		subscriptions: make(map[string]domain.PushSubscription),
	}
	raw, err := store.Get(ports.KeyPushSubscriptions)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return nil, errors.Wrap(err, "read push subscriptions")
	}
	if err == nil {
		if err := json.Unmarshal(raw, &s.subscriptions); err != nil {
			return nil, errors.Wrap(err, "decode push subscriptions")
		}
	}
	return s, nil
}

func (s *WebPushSink) Name() string { return "webpush" }

// PublicKey is handed to browsers for PushManager.subscribe.
func (s *WebPushSink) PublicKey() string { return s.vapid.PublicKey }

// Subscribe registers (or refreshes) a browser subscription.
func (s *WebPushSink) Subscribe(sub domain.PushSubscription) error {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return errors.New("incomplete push subscription")
	}
	s.mu.Lock()
	s.subscriptions[sub.Endpoint] = sub
	s.mu.Unlock()
	return s.persist()
}

func (s *WebPushSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

type pushPayload struct {
	Title   string              `json:"title"`
	Body    string              `json:"body"`
	Urgency domain.Urgency      `json:"urgency"`
	Data    domain.Notification `json:"data"`
}

func pushUrgency(u domain.Urgency) webpush.Urgency {
	switch u {
	case domain.UrgencyCritical, domain.UrgencyUrgent:
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}

func (s *WebPushSink) Notify(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(pushPayload{
		Title:   FormatTitle(n),
		Body:    "Validator " + n.ValidatorDisplay,
		Urgency: n.Urgency,
		Data:    n,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	subs := make([]domain.PushSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var firstErr error
	var gone []string
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, &webpush.Options{
			HTTPClient:      s.client,
			Subscriber:      s.vapid.Subscriber,
			VAPIDPublicKey:  s.vapid.PublicKey,
			VAPIDPrivateKey: s.vapid.PrivateKey,
			TTL:             pushTTL,
			Urgency:         pushUrgency(n.Urgency),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			gone = append(gone, sub.Endpoint)
		case resp.StatusCode >= 300 && firstErr == nil:
			firstErr = errors.Errorf("push service returned %d", resp.StatusCode)
		}
	}

	if len(gone) > 0 {
		s.mu.Lock()
		for _, endpoint := range gone {
			delete(s.subscriptions, endpoint)
		}
		s.mu.Unlock()
		logger.Info("Removed %d expired push subscriptions", len(gone))
		if err := s.persist(); err != nil {
			logger.Error("Failed to persist push subscriptions: %v", err)
		}
	}
	return firstErr
}

func (s *WebPushSink) persist() error {
	s.mu.Lock()
	raw, err := json.Marshal(s.subscriptions)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.store.Put(ports.KeyPushSubscriptions, raw)
}
