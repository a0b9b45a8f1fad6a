package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
)

// defaultListLimit bounds list endpoints when no limit is given.
const defaultListLimit = 50

// actionsHandler routes /actions and /actions/{id}[/approve|/reject].
func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/actions")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /actions
		switch r.Method {
		case http.MethodGet:
			s.listActionsHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	actionID := segments[0]
	if len(segments) == 1 {
		// /actions/{id}
		switch r.Method {
		case http.MethodGet:
			s.getActionHandler(w, r, actionID)
		case http.MethodPatch:
			s.patchActionHandler(w, r, actionID)
		default:
			w.Header().Set("Allow", "GET, PATCH")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 && r.Method == http.MethodPost {
		// /actions/{id}/approve, /actions/{id}/reject
		switch segments[1] {
		case "approve":
			s.approveActionHandler(w, r, actionID)
			return
		case "reject":
			s.rejectActionHandler(w, r, actionID)
			return
		}
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown actions endpoint"))
}

func (s *Server) listActionsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.ActionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ActionPending
	}
	switch status {
	case models.ActionPending, models.ActionApproved, models.ActionRejected, models.ActionExecuted, models.ActionFailed:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid action status"))
		return
	}

	items, err := s.queue.List(status, queryLimit(r))
	if err != nil {
		slog.Error("Server.listActionsHandler: failed to list actions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list actions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

func (s *Server) getActionHandler(w http.ResponseWriter, r *http.Request, actionID string) {
	action, err := s.queue.Get(actionID)
	if err != nil {
		writeActionError(w, "Server.getActionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(action))
}

func (s *Server) approveActionHandler(w http.ResponseWriter, r *http.Request, actionID string) {
	action, err := s.queue.Approve(r.Context(), actionID)
	if err != nil {
		writeActionError(w, "Server.approveActionHandler", err)
		return
	}
	slog.Info("Server.approveActionHandler: action resolved", "action_id", actionID, "status", action.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Action approved", action))
}

func (s *Server) rejectActionHandler(w http.ResponseWriter, r *http.Request, actionID string) {
	action, err := s.queue.Reject(actionID)
	if err != nil {
		writeActionError(w, "Server.rejectActionHandler", err)
		return
	}
	slog.Info("Server.rejectActionHandler: action rejected", "action_id", actionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Action rejected", action))
}

// patchActionRequest is the body of PATCH /actions/{id}.
type patchActionRequest struct {
	Summary string          `json:"summary"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) patchActionHandler(w http.ResponseWriter, r *http.Request, actionID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req patchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	action, err := s.queue.Patch(actionID, req.Summary, req.Payload)
	if err != nil {
		writeActionError(w, "Server.patchActionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Action updated", action))
}

// writeActionError maps queue errors onto HTTP statuses.
func writeActionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrActionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Action not found"))
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, models.ErrUnknownActionType):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error(op+": action operation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	}
}

// policyRequest is the body of POST /policies.
type policyRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// policiesHandler manages policy memory (GET, POST, DELETE /policies).
func (s *Server) policiesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.policies.Active(queryLimit(r))
		if err != nil {
			slog.Error("Server.policiesHandler: failed to list policies", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list policies"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(items))

	case http.MethodPost:
		if r.Body != nil {
			defer r.Body.Close()
		}
		var req policyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("text is required"))
			return
		}
		// Admin-entered directives need no chat marker.
		text := req.Text
		if _, ok := policy.Detect(text); !ok {
			text = "policy: " + text
		}
		source := req.Source
		if source == "" {
			source = "api"
		}
		item, stored, err := s.policies.Capture(text, source, time.Now().UTC())
		if err != nil {
			slog.Error("Server.policiesHandler: failed to store policy", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store policy"))
			return
		}
		if !stored {
			writeJSONResponse(w, http.StatusOK, models.Duplicate())
			return
		}
		slog.Info("Server.policiesHandler: policy stored", "policy_id", item.ID, "priority", item.Priority)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Policy stored", item))

	case http.MethodDelete:
		if err := s.store.ResetPolicyItems(); err != nil {
			slog.Error("Server.policiesHandler: failed to reset policies", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset policies"))
			return
		}
		slog.Info("Server.policiesHandler: policy memory reset")
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Policies cleared", nil))

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// followupsHandler lists follow-up tasks for a conversation
// (GET /followups?conversation_id=...).
func (s *Server) followupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_id is required"))
		return
	}
	tasks, err := s.store.ListFollowups(conversationID, queryLimit(r))
	if err != nil {
		slog.Error("Server.followupsHandler: failed to list followups", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list followups"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// conversationModeRequest is the body of POST /conversations/{id}/mode.
type conversationModeRequest struct {
	Mode models.ConversationMode `json:"mode"`
}

// conversationsHandler routes /conversations/{id}[/mode].
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/conversations")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversations endpoint"))
		return
	}
	conversationID := segments[0]

	if len(segments) == 1 {
		// /conversations/{id}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getConversationHandler(w, r, conversationID)
		return
	}

	if len(segments) == 2 && segments[1] == "mode" {
		// /conversations/{id}/mode
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.setConversationModeHandler(w, r, conversationID)
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversations endpoint"))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.getConversationHandler: failed to load conversation", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	messages, err := s.store.RecentMessages(conversationID, queryLimit(r))
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to load messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	}))
}

func (s *Server) setConversationModeHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req conversationModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidMode(req.Mode) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid conversation mode"))
		return
	}
	if err := s.store.SetConversationMode(conversationID, req.Mode); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.setConversationModeHandler: failed to set mode", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to set mode"))
		return
	}
	slog.Info("Server.setConversationModeHandler: mode updated", "conversation_id", conversationID, "mode", req.Mode)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Mode updated", nil))
}

// queryLimit parses the limit query parameter with a sane default.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}
