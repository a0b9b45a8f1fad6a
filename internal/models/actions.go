// Package models: pending side-effect actions and their approval state
// machine. Payload shapes are a tagged variant keyed by ActionType; unknown
// types are rejected at extraction time and never persisted.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType names a reviewable side-effect kind proposed by the assistant.
type ActionType string

const (
	ActionSettingsUpdate ActionType = "settings.update"
	ActionFAQCreate      ActionType = "faq.create"
	ActionFAQUpdate      ActionType = "faq.update"
	ActionFAQDelete      ActionType = "faq.delete"
	ActionCampaignCreate ActionType = "campaign.create"
	ActionCampaignUpdate ActionType = "campaign.update"
	ActionCampaignDelete ActionType = "campaign.delete"
	ActionProductCreate  ActionType = "product.create"
	ActionProductUpdate  ActionType = "product.update"
	ActionProductDelete  ActionType = "product.delete"
)

// IsValidActionType checks if the given action type is in the closed set.
func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionSettingsUpdate,
		ActionFAQCreate, ActionFAQUpdate, ActionFAQDelete,
		ActionCampaignCreate, ActionCampaignUpdate, ActionCampaignDelete,
		ActionProductCreate, ActionProductUpdate, ActionProductDelete:
		return true
	default:
		return false
	}
}

// ActionStatus tracks a pending action through the approval state machine.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

// CanTransition reports whether the approval state machine permits moving
// from one status to another. pending -> {approved,rejected};
// approved -> {executed,failed}; everything else is terminal.
func CanTransition(from, to ActionStatus) bool {
	switch from {
	case ActionPending:
		return to == ActionApproved || to == ActionRejected
	case ActionApproved:
		return to == ActionExecuted || to == ActionFailed
	default:
		return false
	}
}

// PendingAction is a structured side-effect proposal awaiting administrator
// review. It never auto-transitions out of pending.
type PendingAction struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ActionType     ActionType      `json:"action_type"`
	Summary        string          `json:"summary,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         ActionStatus    `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

// FAQPayload is the payload schema for faq.* actions.
type FAQPayload struct {
	ID       string `json:"id,omitempty"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// CampaignPayload is the payload schema for campaign.* actions.
type CampaignPayload struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title,omitempty"`
	Body         string `json:"body,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
	Link         string `json:"link,omitempty"`
}

// ProductPayload is the payload schema for product.* actions.
type ProductPayload struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Price   int64  `json:"price,omitempty"`
	PageURL string `json:"page_url,omitempty"`
}

// SettingsPayload is the payload schema for settings.update actions.
type SettingsPayload struct {
	SystemPrompt   string `json:"system_prompt,omitempty"`
	MaxOutputChars int    `json:"max_output_chars,omitempty"`
	AIMode         string `json:"ai_mode,omitempty"`
}

// ValidateActionPayload decodes and validates a raw payload against the
// schema for its action type. Returns ErrUnknownActionType for types outside
// the closed set; other failures describe the missing field.
func ValidateActionPayload(actionType ActionType, raw json.RawMessage) error {
	if !IsValidActionType(actionType) {
		return ErrUnknownActionType
	}
	dec := func(v interface{}) error {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		return json.Unmarshal(raw, v)
	}
	switch actionType {
	case ActionFAQCreate:
		var p FAQPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid faq payload: %w", err)
		}
		if p.Question == "" || p.Answer == "" {
			return fmt.Errorf("faq.create requires question and answer")
		}
	case ActionFAQUpdate, ActionFAQDelete:
		var p FAQPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid faq payload: %w", err)
		}
		if p.ID == "" {
			return fmt.Errorf("%s requires id", actionType)
		}
	case ActionCampaignCreate:
		var p CampaignPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid campaign payload: %w", err)
		}
		if p.Title == "" {
			return fmt.Errorf("campaign.create requires title")
		}
	case ActionCampaignUpdate, ActionCampaignDelete:
		var p CampaignPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid campaign payload: %w", err)
		}
		if p.ID == "" {
			return fmt.Errorf("%s requires id", actionType)
		}
	case ActionProductCreate:
		var p ProductPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid product payload: %w", err)
		}
		if p.PageURL == "" {
			return fmt.Errorf("product.create requires page_url")
		}
	case ActionProductUpdate, ActionProductDelete:
		var p ProductPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid product payload: %w", err)
		}
		if p.ID == "" {
			return fmt.Errorf("%s requires id", actionType)
		}
	case ActionSettingsUpdate:
		var p SettingsPayload
		if err := dec(&p); err != nil {
			return fmt.Errorf("invalid settings payload: %w", err)
		}
	}
	return nil
}
