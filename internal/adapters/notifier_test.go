package adapters

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

func proposerNotification() domain.Notification {
	return domain.Notification{
		Kind:             domain.NotifyProposer,
		ValidatorID:      "12345",
		ValidatorDisplay: "12345 (0xabcdef12)",
		Slot:             3360,
		TimeUntil:        "4m 12s",
		MinutesUntil:     4,
		Urgency:          domain.UrgencyNormal,
	}
}

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(proposerNotification())
	assert.Contains(t, msg, "📢 *Proposer Duty Alert*")
	assert.Contains(t, msg, "[12345 (0xabcdef12)](https://beaconcha.in/validator/12345)")
	assert.Contains(t, msg, "Time until duty: 4m 12s")
	assert.Contains(t, msg, "[3360](https://beaconcha.in/slot/3360)")

	critical := proposerNotification()
	critical.Kind = domain.NotifyAttester
	critical.Urgency = domain.UrgencyCritical
	assert.Contains(t, FormatMessage(critical), "🚨 *Attester Duty Alert*")

	block := domain.Notification{
		Kind:             domain.NotifyBlockConfirmed,
		ValidatorID:      "7",
		ValidatorDisplay: "7",
		Slot:             500,
		Urgency:          domain.UrgencySuccess,
		BlockDetails: &domain.BlockDetails{
			BurnedFeesGwei: 123_460_000,
			FeeRecipient:   "0x1234567890abcdef1234567890abcdef12345678",
			TxCount:        42,
			Graffiti:       "teku",
		},
	}
	msg = FormatMessage(block)
	assert.Contains(t, msg, "🎉💰 BLOCK CONFIRMED! 🎉💰")
	assert.Contains(t, msg, "🔥 Burned Fees: 0.1235 ETH")
	assert.Contains(t, msg, "💰 Fee Recipient: 0x12345678...12345678")
	assert.Contains(t, msg, "📦 Transactions: 42")
	assert.Contains(t, msg, "✍️ Graffiti: teku")

	member := domain.Notification{Kind: domain.NotifySyncCommittee, ValidatorID: "9", ValidatorDisplay: "9", Period: domain.SyncPeriodCurrent}
	assert.Contains(t, FormatMessage(member), "member of the current sync committee")
}

func TestFormatTitle(t *testing.T) {
	assert.Equal(t, "Proposer duty in 4m 12s", FormatTitle(proposerNotification()))
	assert.Equal(t, "Missed attestation", FormatTitle(domain.Notification{Kind: domain.NotifyMissed}))
	assert.Equal(t, "Block confirmed at slot 9", FormatTitle(domain.Notification{Kind: domain.NotifyBlockConfirmed, Slot: 9}))
}

func TestTelegramSink(t *testing.T) {
	var got telegramMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botSECRET/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink := NewTelegramSink(server.URL, "SECRET", "-100200", server.Client())
	assert.Equal(t, "telegram", sink.Name())
	require.NoError(t, sink.Notify(context.Background(), proposerNotification()))

	assert.Equal(t, "-100200", got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.True(t, got.DisableWebPagePreview)
	assert.Equal(t, FormatMessage(proposerNotification()), got.Text)
}

func TestTelegramSinkRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	err := NewTelegramSink(server.URL, "t", "1", server.Client()).Notify(context.Background(), proposerNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestWebhookSink(t *testing.T) {
	var payload map[string]interface{}
	status := http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(status)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, server.Client())
	require.NoError(t, sink.Notify(context.Background(), proposerNotification()))
	assert.Equal(t, "Proposer", payload["type"])
	assert.Equal(t, "12345", payload["validator"])
	assert.Equal(t, float64(3360), payload["slot"])
	assert.Contains(t, payload["message"], "Proposer Duty Alert")

	status = http.StatusInternalServerError
	assert.Error(t, sink.Notify(context.Background(), proposerNotification()))
}

type stubSink struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Notify(context.Context, domain.Notification) error {
	s.calls.Add(1)
	return s.err
}

func TestMultiSink(t *testing.T) {
	ok := &stubSink{name: "log"}
	broken := &stubSink{name: "telegram", err: errors.New("timeout")}
	sink := NewMultiSink(ok, broken, NewLogSink())

	assert.Equal(t, "log+telegram+log", sink.Name())
	err := sink.Notify(context.Background(), proposerNotification())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotificationDeliveryFailed))
	assert.Contains(t, err.Error(), "telegram: timeout")
	assert.Equal(t, int32(1), ok.calls.Load(), "healthy sinks are still served")
	assert.Equal(t, int32(1), broken.calls.Load())

	assert.NoError(t, NewMultiSink(ok).Notify(context.Background(), proposerNotification()))
}

func testSubscription(t *testing.T, endpoint string) domain.PushSubscription {
	t.Helper()
	_, p256dh, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return domain.PushSubscription{
		Endpoint: endpoint,
		Keys:     domain.PushKeys{P256dh: p256dh, Auth: base64.RawURLEncoding.EncodeToString(auth)},
	}
}

func testVAPID(t *testing.T) VAPIDConfig {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return VAPIDConfig{PublicKey: public, PrivateKey: private, Subscriber: "ops@example.com"}
}

func TestWebPushSubscribe(t *testing.T) {
	store := NewMemoryStore()
	sink, err := NewWebPushSink(store, testVAPID(t), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sink.PublicKey())

	assert.Error(t, sink.Subscribe(domain.PushSubscription{Endpoint: "https://push.example.com/1"}))

	sub := testSubscription(t, "https://push.example.com/1")
	require.NoError(t, sink.Subscribe(sub))
	require.NoError(t, sink.Subscribe(sub))
	assert.Equal(t, 1, sink.Len())

	reloaded, err := NewWebPushSink(store, testVAPID(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())

	require.NoError(t, store.Put(ports.KeyPushSubscriptions, []byte("nope")))
	_, err = NewWebPushSink(store, testVAPID(t), nil)
	assert.Error(t, err)
}

func TestWebPushDropsExpiredSubscriptions(t *testing.T) {
	var requests atomic.Int32
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "300", r.Header.Get("TTL"))
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer live.Close()

	store := NewMemoryStore()
	sink, err := NewWebPushSink(store, testVAPID(t), http.DefaultClient)
	require.NoError(t, err)
	require.NoError(t, sink.Subscribe(testSubscription(t, gone.URL+"/sub")))
	require.NoError(t, sink.Subscribe(testSubscription(t, live.URL+"/sub")))

	require.NoError(t, sink.Notify(context.Background(), proposerNotification()))
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, 1, sink.Len())

	reloaded, err := NewWebPushSink(store, testVAPID(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
}
