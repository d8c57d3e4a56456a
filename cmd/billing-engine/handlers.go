package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mealweek/billing-engine/internal/cache"
	"github.com/mealweek/billing-engine/internal/database"
	"github.com/mealweek/billing-engine/internal/events"
	"github.com/mealweek/billing-engine/internal/logger"
	"github.com/mealweek/billing-engine/internal/reconcile"
	"github.com/mealweek/billing-engine/internal/scheduler"
	"github.com/mealweek/billing-engine/internal/signature"
	"github.com/mealweek/billing-engine/internal/websocket"
)

// maxWebhookBody caps inbound callback payload size
const maxWebhookBody = 1 << 20

// Server holds the HTTP surface dependencies
type Server struct {
	store      *database.Store
	cache      *cache.Client
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Handler
	verifier   *signature.Verifier
	events     *events.Publisher
	hub        *websocket.Hub
	logger     *logger.Logger
}

// NewServer creates the HTTP server surface
func NewServer(store *database.Store, cacheClient *cache.Client, sched *scheduler.Scheduler,
	reconciler *reconcile.Handler, verifier *signature.Verifier, publisher *events.Publisher,
	hub *websocket.Hub, log *logger.Logger) *Server {
	return &Server{
		store:      store,
		cache:      cacheClient,
		scheduler:  sched,
		reconciler: reconciler,
		verifier:   verifier,
		events:     publisher,
		hub:        hub,
		logger:     log,
	}
}

// Routes builds the router
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.HandleFunc("/webhooks/paymob/transaction", s.handleTransactionWebhook).Methods("POST")
	router.HandleFunc("/webhooks/paymob/card-token", s.handleCardTokenWebhook).Methods("POST")
	router.HandleFunc("/webhooks/paymob/subscription", s.handleSubscriptionWebhook).Methods("POST")

	router.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods("GET")
	router.HandleFunc("/scheduler/trigger", s.handleSchedulerTrigger).Methods("POST")
	router.HandleFunc("/scheduler/weeks/{id}/bill", s.handleBillWeek).Methods("POST")

	router.HandleFunc("/ws", s.hub.ServeWs).Methods("GET")

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "billing-engine",
		"timestamp": time.Now().UTC(),
		"database":  s.store.Health(),
		"scheduler": s.scheduler.Status(),
		"websocket": map[string]interface{}{"clients": s.hub.ClientCount()},
	}

	if s.cache != nil {
		cacheStatus := "healthy"
		if err := s.cache.HealthCheck(); err != nil {
			cacheStatus = "unhealthy: " + err.Error()
		}
		health["cache"] = cacheStatus
	} else {
		health["cache"] = "disabled"
	}

	respondJSON(w, http.StatusOK, health)
}

// handleTransactionWebhook processes transaction outcome callbacks
func (s *Server) handleTransactionWebhook(w http.ResponseWriter, r *http.Request) {
	_, obj, received, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	if !s.verifier.VerifyTransaction(obj, received) {
		s.rejectCallback(w, "transaction", signature.Lookup(obj, "id"))
		return
	}

	event := &reconcile.TransactionEvent{
		TransactionID: signature.Lookup(obj, "id"),
		OrderID:       signature.Lookup(obj, "order.merchant_order_id"),
		Success:       signature.Lookup(obj, "success") == "true",
		Pending:       signature.Lookup(obj, "pending") == "true",
		AmountCents:   parseCents(signature.Lookup(obj, "amount_cents")),
		Currency:      signature.Lookup(obj, "currency"),
		ErrorMessage:  signature.Lookup(obj, "data.message"),
	}

	if err := s.reconciler.HandleTransaction(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process transaction callback")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// handleCardTokenWebhook processes saved-card token callbacks
func (s *Server) handleCardTokenWebhook(w http.ResponseWriter, r *http.Request) {
	_, obj, received, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	if !s.verifier.VerifyCardToken(obj, received) {
		s.rejectCallback(w, "card_token", signature.Lookup(obj, "order_id"))
		return
	}

	event := &reconcile.CardTokenEvent{
		Email:     signature.Lookup(obj, "email"),
		Token:     signature.Lookup(obj, "token"),
		MaskedPan: signature.Lookup(obj, "masked_pan"),
		OrderID:   signature.Lookup(obj, "order_id"),
	}

	if err := s.reconciler.HandleCardToken(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process card token callback")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// handleSubscriptionWebhook processes subscription lifecycle callbacks
func (s *Server) handleSubscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	root, _, received, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	trigger := signature.Lookup(root, "trigger_type")
	subscriptionID := signature.Lookup(root, "subscription_data.id")
	if subscriptionID == "" {
		subscriptionID = signature.Lookup(root, "id")
	}

	if !s.verifier.VerifySubscription(trigger, subscriptionID, received) {
		s.rejectCallback(w, "subscription", subscriptionID)
		return
	}

	event := &reconcile.LifecycleEvent{
		TriggerType:    trigger,
		SubscriptionID: subscriptionID,
	}

	if err := s.reconciler.HandleSubscriptionLifecycle(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process subscription callback")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleSchedulerTrigger runs a full billing pass on demand
func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.ProcessWeeklyBilling(r.Context())
	if err != nil {
		if err == scheduler.ErrPassInProgress {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Manual billing pass failed", "error", err)
		respondError(w, http.StatusInternalServerError, "billing pass failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleBillWeek bills a single week regardless of the billing window
func (s *Server) handleBillWeek(w http.ResponseWriter, r *http.Request) {
	weekID := mux.Vars(r)["id"]

	result, err := s.scheduler.ManualBillWeek(r.Context(), weekID)
	if err != nil {
		if err == scheduler.ErrPassInProgress {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Manual week billing failed", "week_id", weekID, "error", err)
		respondError(w, http.StatusInternalServerError, "week billing failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// decodeCallback reads and decodes a webhook body, returning the root
// object, the canonicalization target (the nested "obj" when present) and
// the supplied signature. Responds 400 itself when decoding fails.
func (s *Server) decodeCallback(w http.ResponseWriter, r *http.Request) (root, obj map[string]interface{}, received string, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return nil, nil, "", false
	}

	root, err = signature.DecodeObject(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return nil, nil, "", false
	}

	obj = root
	if nested, isMap := root["obj"].(map[string]interface{}); isMap {
		obj = nested
	}

	// The signature rides in the query string or as a body field
	received = r.URL.Query().Get("hmac")
	if received == "" {
		received = signature.Lookup(root, "hmac")
	}

	return root, obj, received, true
}

// rejectCallback responds 401 for a failed signature check and records the
// rejection under an audit id for security review
func (s *Server) rejectCallback(w http.ResponseWriter, kind, reference string) {
	auditID := uuid.New().String()
	s.logger.Warn("Callback signature rejected",
		"kind", kind, "reference", reference, "audit_id", auditID)
	s.events.PublishCallbackRejected(events.CallbackEventData{
		Kind:      kind,
		Reference: reference,
		Detail:    "signature mismatch, audit " + auditID,
	})
	respondJSON(w, http.StatusUnauthorized, map[string]string{
		"error":    "invalid signature",
		"audit_id": auditID,
	})
}

func parseCents(raw string) int64 {
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return cents
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
