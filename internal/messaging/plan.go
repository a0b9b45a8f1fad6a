package messaging

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopdm/dmflow/internal/models"
)

// viewButtonTitle labels the link button derived from a URL in reply text.
const viewButtonTitle = "مشاهده"

var (
	urlRe = regexp.MustCompile(`https?://[^\s)\]}>"']+`)
	// numberedRe matches "1. option", "2) option" and the Persian-digit forms.
	numberedRe = regexp.MustCompile(`(?m)^\s*([0-9۰-۹]{1,2})[\.\)\-]\s+(.+)$`)
)

// structuredPlan is the JSON shape a provider may emit instead of prose when
// the system prompt asks for a rich reply.
type structuredPlan struct {
	Type         string                    `json:"type"`
	Text         string                    `json:"text,omitempty"`
	ImageURL     string                    `json:"image_url,omitempty"`
	VideoURL     string                    `json:"video_url,omitempty"`
	AudioURL     string                    `json:"audio_url,omitempty"`
	Buttons      []models.Button           `json:"buttons,omitempty"`
	QuickReplies []models.QuickReplyOption `json:"quick_replies,omitempty"`
	Elements     []models.TemplateElement  `json:"elements,omitempty"`
}

// PlanOutbound shapes a guardrail-approved reply into an outbound plan:
//   - a valid structured JSON reply passes through as-is
//   - a reply containing a URL becomes button-text with a link button
//   - a reply ending in numbered options becomes quick replies
//   - anything else ships as plain text
//
// The result always validates; shaping failures degrade to plain text.
func PlanOutbound(receiverID, text string) models.OutboundPlan {
	if plan, ok := structuredPassthrough(receiverID, text); ok {
		return plan
	}
	if plan, ok := quickReplyPlan(receiverID, text); ok {
		return plan
	}
	if plan, ok := linkButtonPlan(receiverID, text); ok {
		return plan
	}
	return models.OutboundPlan{ReceiverID: receiverID, Type: models.PlanText, Text: text}
}

func structuredPassthrough(receiverID, text string) (models.OutboundPlan, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return models.OutboundPlan{}, false
	}
	var sp structuredPlan
	if err := json.Unmarshal([]byte(trimmed), &sp); err != nil || sp.Type == "" {
		return models.OutboundPlan{}, false
	}
	plan := models.OutboundPlan{
		ReceiverID:   receiverID,
		Type:         models.PlanType(sp.Type),
		Text:         sp.Text,
		ImageURL:     sp.ImageURL,
		VideoURL:     sp.VideoURL,
		AudioURL:     sp.AudioURL,
		Buttons:      sp.Buttons,
		QuickReplies: truncateQuickReplies(sp.QuickReplies),
		Elements:     sp.Elements,
	}
	if err := plan.Validate(); err != nil {
		slog.Warn("PlanOutbound: structured reply rejected", "type", sp.Type, "error", err)
		return models.OutboundPlan{}, false
	}
	return plan, true
}

func quickReplyPlan(receiverID, text string) (models.OutboundPlan, bool) {
	matches := numberedRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) < 2 {
		return models.OutboundPlan{}, false
	}

	var options []models.QuickReplyOption
	for _, m := range matches {
		option := strings.TrimSpace(text[m[4]:m[5]])
		if option == "" {
			continue
		}
		options = append(options, models.QuickReplyOption{Title: option, Payload: option})
	}
	if len(options) < 2 {
		return models.OutboundPlan{}, false
	}
	if len(options) > models.MaxQuickReplies {
		options = options[:models.MaxQuickReplies]
	}

	// Body is everything before the first option line.
	body := strings.TrimSpace(text[:matches[0][0]])
	if body == "" {
		return models.OutboundPlan{}, false
	}

	plan := models.OutboundPlan{
		ReceiverID:   receiverID,
		Type:         models.PlanQuickReply,
		Text:         body,
		QuickReplies: truncateQuickReplies(options),
	}
	if err := plan.Validate(); err != nil {
		return models.OutboundPlan{}, false
	}
	return plan, true
}

func linkButtonPlan(receiverID, text string) (models.OutboundPlan, bool) {
	url := urlRe.FindString(text)
	if url == "" {
		return models.OutboundPlan{}, false
	}
	body := strings.TrimSpace(strings.Replace(text, url, "", 1))
	if body == "" {
		body = viewButtonTitle
	}
	plan := models.OutboundPlan{
		ReceiverID: receiverID,
		Type:       models.PlanButtonText,
		Text:       body,
		Buttons: []models.Button{
			{Type: models.ButtonWebURL, Title: viewButtonTitle, URL: url},
		},
	}
	if err := plan.Validate(); err != nil {
		return models.OutboundPlan{}, false
	}
	return plan, true
}

func truncateQuickReplies(options []models.QuickReplyOption) []models.QuickReplyOption {
	out := make([]models.QuickReplyOption, 0, len(options))
	for _, o := range options {
		o.Title = truncateRunes(o.Title, models.QuickReplyTitleMaxChars)
		o.Payload = truncateRunes(o.Payload, models.QuickReplyPayloadMaxChars)
		out = append(out, o)
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
