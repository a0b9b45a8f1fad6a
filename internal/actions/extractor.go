// Package actions extracts structured side-effect proposals from replies and
// manages the human-approval queue.
package actions

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

// actionBlockRe matches the delimited proposal block a provider embeds in a
// reply. The block never reaches the end user.
var actionBlockRe = regexp.MustCompile(`(?si)\[\[action\]\](.*?)\[\[/action\]\]`)

// proposal is the wire shape inside an action block.
type proposal struct {
	ActionType string          `json:"action_type"`
	Summary    string          `json:"summary,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Extract scans a reply for an embedded action proposal. It returns the
// reply with the block removed and, when the proposal is well-formed, a
// PendingAction ready to persist. Malformed proposals are logged and
// dropped; the cleaned reply is still usable either way.
func Extract(reply, conversationID string, now time.Time) (string, *models.PendingAction) {
	matches := actionBlockRe.FindAllStringSubmatch(reply, -1)
	cleaned := strings.TrimSpace(actionBlockRe.ReplaceAllString(reply, ""))
	if len(matches) == 0 {
		return cleaned, nil
	}
	// Only the first block is honored; extra blocks are stripped and ignored.
	raw := strings.TrimSpace(matches[0][1])

	var p proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("Extract: discarding malformed action block", "conversation_id", conversationID, "error", err)
		return cleaned, nil
	}
	actionType := models.ActionType(strings.TrimSpace(p.ActionType))
	if !models.IsValidActionType(actionType) {
		slog.Warn("Extract: discarding action with unknown type", "conversation_id", conversationID, "action_type", p.ActionType)
		return cleaned, nil
	}
	if err := models.ValidateActionPayload(actionType, p.Payload); err != nil {
		slog.Warn("Extract: discarding action with invalid payload", "conversation_id", conversationID, "action_type", actionType, "error", err)
		return cleaned, nil
	}

	action := &models.PendingAction{
		ConversationID: conversationID,
		ActionType:     actionType,
		Summary:        strings.TrimSpace(p.Summary),
		Payload:        p.Payload,
		Status:         models.ActionPending,
		CreatedAt:      now,
	}
	slog.Info("Extract: action proposal queued", "conversation_id", conversationID, "action_type", actionType)
	return cleaned, action
}
