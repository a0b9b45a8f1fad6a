// Package models: outbound delivery payload shapes consumed by the external
// sender collaborator, plus the standard API response envelope.
package models

import "errors"

// PlanType identifies the outbound payload shape.
type PlanType string

const (
	PlanText            PlanType = "text"
	PlanPhoto           PlanType = "photo"
	PlanVideo           PlanType = "video"
	PlanAudio           PlanType = "audio"
	PlanButtonText      PlanType = "button-text"
	PlanQuickReply      PlanType = "quick-reply"
	PlanGenericTemplate PlanType = "generic-template"
)

// ButtonType distinguishes link buttons from postback buttons.
type ButtonType string

const (
	ButtonWebURL   ButtonType = "web_url"
	ButtonPostback ButtonType = "postback"
)

// Button is a pressable element attached to button-text and template plans.
type Button struct {
	Type    ButtonType `json:"type"`
	Title   string     `json:"title"`
	URL     string     `json:"url,omitempty"`
	Payload string     `json:"payload,omitempty"`
}

// QuickReplyOption is a tappable short answer shown under a message.
type QuickReplyOption struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// TemplateElement is one card in a generic-template carousel.
type TemplateElement struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// Validation errors for outbound plans.
var (
	ErrEmptyRecipient   = errors.New("receiver_id cannot be empty")
	ErrInvalidPlanType  = errors.New("invalid outbound plan type")
	ErrEmptyPlanText    = errors.New("text is required for this plan type")
	ErrMissingMediaURL  = errors.New("media url is required for media plans")
	ErrMissingButtons   = errors.New("buttons are required for button-text plans")
	ErrMissingQuick     = errors.New("quick_replies are required for quick-reply plans")
	ErrMissingElements  = errors.New("elements are required for generic-template plans")
	ErrTooManyQuick     = errors.New("too many quick-reply options")
	ErrEmptyButtonTitle = errors.New("button title cannot be empty")
)

// OutboundPlan is the delivery handoff: one reply shaped for the external
// sender. Exactly the fields for its Type are populated.
type OutboundPlan struct {
	ReceiverID   string             `json:"receiver_id"`
	Type         PlanType           `json:"type"`
	Text         string             `json:"text,omitempty"`
	ImageURL     string             `json:"image_url,omitempty"`
	VideoURL     string             `json:"video_url,omitempty"`
	AudioURL     string             `json:"audio_url,omitempty"`
	Buttons      []Button           `json:"buttons,omitempty"`
	QuickReplies []QuickReplyOption `json:"quick_replies,omitempty"`
	Elements     []TemplateElement  `json:"elements,omitempty"`
}

// Validate performs shape validation on an outbound plan.
func (p *OutboundPlan) Validate() error {
	if p.ReceiverID == "" {
		return ErrEmptyRecipient
	}
	switch p.Type {
	case PlanText:
		if p.Text == "" {
			return ErrEmptyPlanText
		}
	case PlanPhoto:
		if p.ImageURL == "" {
			return ErrMissingMediaURL
		}
	case PlanVideo:
		if p.VideoURL == "" {
			return ErrMissingMediaURL
		}
	case PlanAudio:
		if p.AudioURL == "" {
			return ErrMissingMediaURL
		}
	case PlanButtonText:
		if p.Text == "" {
			return ErrEmptyPlanText
		}
		if len(p.Buttons) == 0 {
			return ErrMissingButtons
		}
		for _, b := range p.Buttons {
			if b.Title == "" {
				return ErrEmptyButtonTitle
			}
		}
	case PlanQuickReply:
		if p.Text == "" {
			return ErrEmptyPlanText
		}
		if len(p.QuickReplies) == 0 {
			return ErrMissingQuick
		}
		if len(p.QuickReplies) > MaxQuickReplies {
			return ErrTooManyQuick
		}
	case PlanGenericTemplate:
		if len(p.Elements) == 0 {
			return ErrMissingElements
		}
	default:
		return ErrInvalidPlanType
	}
	return nil
}

// PlainText flattens a plan back into readable text, used when persisting the
// assistant Message for history and loop detection.
func (p *OutboundPlan) PlainText() string {
	switch p.Type {
	case PlanGenericTemplate:
		var parts []string
		for _, el := range p.Elements {
			if el.Title != "" {
				parts = append(parts, el.Title)
			}
		}
		if len(parts) == 0 {
			return string(p.Type)
		}
		return joinNonEmpty(parts, " | ")
	case PlanPhoto:
		return p.ImageURL
	case PlanVideo:
		return p.VideoURL
	case PlanAudio:
		return p.AudioURL
	default:
		return p.Text
	}
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += part
	}
	return out
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an event was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates an event was absorbed as a redelivery.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and
// optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response.
func Accepted() APIResponse {
	return APIResponse{Status: string(APIStatusAccepted)}
}

// Duplicate creates a duplicate API response.
func Duplicate() APIResponse {
	return APIResponse{Status: string(APIStatusDuplicate)}
}
