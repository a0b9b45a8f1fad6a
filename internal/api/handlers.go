package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopdm/dmflow/internal/ingress"
	"github.com/shopdm/dmflow/internal/models"
)

// maxWebhookBody bounds how much of an inbound payload is read.
const maxWebhookBody = 1 << 20

// webhookHandler accepts platform delivery events (POST /webhook). Every
// syntactically valid event is acknowledged with 200 so the platform does
// not retry; the cycle outcome travels in the response body.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if err := ingress.VerifySignature(s.opts.WebhookSecret, body, r.Header.Get(signatureHeader)); err != nil {
		slog.Warn("Server.webhookHandler: signature verification failed", "error", err)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	var raw ingress.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ev, err := ingress.Normalize(raw, time.Now().UTC())
	if err != nil {
		slog.Warn("Server.webhookHandler: invalid event", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.orch.HandleEvent(r.Context(), ev)
	if err != nil {
		slog.Error("Server.webhookHandler: cycle failed", "error", err, "sender_id", ev.SenderID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}
	if result.Duplicate {
		writeJSONResponse(w, http.StatusOK, models.Duplicate())
		return
	}
	slog.Info("Server.webhookHandler: event processed",
		"conversation_id", result.ConversationID, "decision", result.Decision, "reason", result.Reason)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// simulateRequest is the body of POST /simulate.
type simulateRequest struct {
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text"`
}

// simulateHandler previews a reply without sending or persisting it
// (POST /simulate).
func (s *Server) simulateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.simulateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ParticipantID == "" || req.Text == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("participant_id and text are required"))
		return
	}

	result, err := s.orch.Simulate(r.Context(), req.ParticipantID, req.Text)
	if err != nil {
		slog.Error("Server.simulateHandler: simulation failed", "error", err, "participant_id", req.ParticipantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to simulate reply"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// healthHandler provides a health check endpoint for monitoring (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if pending, err := s.queue.List(models.ActionPending, 1000); err != nil {
		slog.Warn("Server.healthHandler: failed to count pending actions", "error", err)
		healthData["status"] = "degraded"
	} else {
		healthData["pending_actions"] = len(pending)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
