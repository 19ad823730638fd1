package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-agent/internal/chat"
	"github.com/example/driver-agent/internal/duty"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/offer"
)

// Server is the local control API: the surface the driver-facing UI talks
// to. It only ever requests transitions; the engine components decide.
type Server struct {
	driverID string
	duty     *duty.Controller
	inbox    *offer.Inbox
	chat     *chat.Sync
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router

	subMu sync.Mutex
	subs  map[string]*chat.Subscription
}

func NewServer(driverID string, d *duty.Controller, box *offer.Inbox, cs *chat.Sync, ready func(context.Context) error, logger *slog.Logger) *Server {
	s := &Server{
		driverID: driverID,
		duty:     d,
		inbox:    box,
		chat:     cs,
		ready:    ready,
		logger:   logger,
		mux:      mux.NewRouter(),
		subs:     make(map[string]*chat.Subscription),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/duty", s.handleDuty).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/conversations/{peer_id}/messages", s.handleSendMessage).Methods("POST")
	s.mux.HandleFunc("/api/v1/conversations/{peer_id}/messages", s.handleListMessages).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close detaches the lazily created conversation subscriptions.
func (s *Server) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		sub.Close()
		delete(s.subs, id)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "message store not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type offerStatus struct {
	OfferID          string  `json:"offer_id"`
	State            string  `json:"state"`
	SecondsRemaining int     `json:"seconds_remaining"`
	Outcome          string  `json:"outcome,omitempty"`
	EarningsEstimate float64 `json:"earnings_estimate"`
	PickupAddress    string  `json:"pickup_address"`
	DropoffAddress   string  `json:"dropoff_address"`
}

type statusResponse struct {
	DriverID   string       `json:"driver_id"`
	DutyState  string       `json:"duty_state"`
	LastFixAge *int64       `json:"last_fix_age_ms,omitempty"`
	Offer      *offerStatus `json:"offer,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		DriverID:  s.driverID,
		DutyState: s.duty.State().String(),
	}
	if fix, ok := s.duty.LastFix(); ok {
		age := fix.Age(time.Now()).Milliseconds()
		resp.LastFixAge = &age
	}
	if t, ok := s.inbox.Active(); ok {
		off := t.Offer()
		st := offerStatus{
			OfferID:          off.OfferID,
			State:            t.State().String(),
			SecondsRemaining: t.SecondsRemaining(),
			EarningsEstimate: off.EarningsEstimate,
			PickupAddress:    off.Pickup.Address,
			DropoffAddress:   off.Dropoff.Address,
		}
		if outcome, done := t.Outcome(); done {
			st.Outcome = string(outcome)
		}
		resp.Offer = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type dutyRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleDuty(w http.ResponseWriter, r *http.Request) {
	var req dutyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	err := s.duty.SetWantOnline(r.Context(), req.Online)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"duty_state": s.duty.State().String()})
	case errors.Is(err, duty.ErrNoLocation):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, duty.ErrTransitionInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var rej *duty.RejectedError
		if errors.As(err, &rej) {
			writeError(w, http.StatusUnprocessableEntity, rej.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) activeTimer(w http.ResponseWriter, r *http.Request) (*offer.Timer, bool) {
	t, ok := s.inbox.Active()
	if !ok || t.Offer().OfferID != mux.Vars(r)["offer_id"] {
		writeError(w, http.StatusNotFound, "no such offer")
		return nil, false
	}
	return t, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	t, ok := s.activeTimer(w, r)
	if !ok {
		return
	}
	if err := t.Accept(r.Context()); err != nil {
		// The ride is NOT the driver's until a retry succeeds.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"retry": t.State() == offer.Active,
		})
		return
	}
	outcome, _ := t.Outcome()
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	t, ok := s.activeTimer(w, r)
	if !ok {
		return
	}
	t.Reject()
	outcome, _ := t.Outcome()
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer_id"]
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	conversationID := chat.ConversationKey(s.driverID, peer)
	if err := s.ensureSubscribed(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	msg, err := s.chat.Send(r.Context(), conversationID, peer, req.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer_id"]
	conversationID := chat.ConversationKey(s.driverID, peer)
	if err := s.ensureSubscribed(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	messages, _ := s.chat.Snapshot(conversationID)
	if messages == nil {
		messages = []models.ConversationMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// ensureSubscribed lazily attaches a long-lived subscription so the ordered
// snapshot stays warm for subsequent reads. The control API holds one
// handle per conversation; UI screens hold their own.
func (s *Server) ensureSubscribed(ctx context.Context, conversationID string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[conversationID]; ok {
		return nil
	}
	// Deliberately not the request context: the subscription outlives the
	// request that created it and is detached in Close.
	sub, err := s.chat.Subscribe(context.WithoutCancel(ctx), conversationID, func([]models.ConversationMessage) {})
	if err != nil {
		return err
	}
	s.subs[conversationID] = sub
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
