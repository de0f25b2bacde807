package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/services"
	"github.com/Marketen/duties-notifier/internal/logger"
)

// PushRegistrar accepts browser push subscriptions.
type PushRegistrar interface {
	PublicKey() string
	Subscribe(sub domain.PushSubscription) error
}

// Server exposes the read-only state of the app over HTTP.
type Server struct {
	app  *services.App
	push PushRegistrar
	now  func() time.Time

	router *mux.Router
}

// NewServer builds the router. push may be nil when Web Push is not configured.
func NewServer(app *services.App, push PushRegistrar) *Server {
	s := &Server{app: app, push: push, now: time.Now, router: mux.NewRouter()}

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/validators", s.handleValidators).Methods(http.MethodGet)
	r.HandleFunc("/duties", s.handleDuties).Methods(http.MethodGet)
	r.HandleFunc("/countdown", s.handleCountdown).Methods(http.MethodGet)
	r.HandleFunc("/missed", s.handleMissed).Methods(http.MethodGet)
	r.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/vapid-public-key", s.handleVAPIDKey).Methods(http.MethodGet)
	r.HandleFunc("/notifications/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusResponse struct {
	CurrentSlot     domain.Slot                 `json:"currentSlot"`
	CurrentEpoch    domain.Epoch                `json:"currentEpoch"`
	Validators      int                         `json:"validators"`
	NotifiedDuties  int                         `json:"notifiedDuties"`
	Settings        domain.NotificationSettings `json:"settings"`
	BeaconError     string                      `json:"beaconError,omitempty"`
	PushSubscribers bool                        `json:"pushEnabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	clock := s.app.Clock()
	slot := clock.CurrentSlot(s.now())
	resp := statusResponse{
		CurrentSlot:     slot,
		CurrentEpoch:    clock.EpochOf(slot),
		Validators:      s.app.Registry.Len(),
		NotifiedDuties:  s.app.Ledger.Len(),
		Settings:        s.app.Settings.NotificationSettings(),
		PushSubscribers: s.push != nil,
	}
	if msg, ok := s.app.Notice.Active(); ok {
		resp.BeaconError = msg
	}
	writeJSON(w, http.StatusOK, resp)
}

type validatorResponse struct {
	domain.Validator
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

func (s *Server) handleValidators(w http.ResponseWriter, _ *http.Request) {
	validators := s.app.Registry.Validators()
	out := make([]validatorResponse, 0, len(validators))
	for _, v := range validators {
		out = append(out, validatorResponse{Validator: v, ID: v.ID(), Label: v.Label, Color: v.Color})
	}
	writeJSON(w, http.StatusOK, out)
}

type dutiesResponse struct {
	CurrentSlot      domain.Slot           `json:"currentSlot"`
	PastProposals    []domain.ProposerDuty `json:"pastProposer"`
	UpcomingProposer []domain.ProposerDuty `json:"proposer"`
	Attester         []domain.AttesterDuty `json:"attester"`
	Sync             []domain.SyncDuty     `json:"sync"`
}

func (s *Server) handleDuties(w http.ResponseWriter, _ *http.Request) {
	slot := s.app.Clock().CurrentSlot(s.now())
	past, future := s.app.Duties.PartitionProposers(slot)
	_, attester := s.app.Duties.PartitionAttesters(slot)
	writeJSON(w, http.StatusOK, dutiesResponse{
		CurrentSlot:      slot,
		PastProposals:    past,
		UpcomingProposer: future,
		Attester:         attester,
		Sync:             s.app.Duties.Sync(),
	})
}

func (s *Server) handleCountdown(w http.ResponseWriter, _ *http.Request) {
	entries := s.app.Countdown.Entries()
	if entries == nil {
		entries = []services.CountdownEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMissed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Missed.Records())
}

func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Blocks.Details())
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	if s.push == nil || s.push.PublicKey() == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.push.PublicKey()})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	var body struct {
		Subscription domain.PushSubscription `json:"subscription"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.push.Subscribe(body.Subscription); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
