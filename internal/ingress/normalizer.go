package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

// RawEvent is the wire shape of an inbound webhook payload as platforms
// deliver it.
type RawEvent struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	MessageType string `json:"message_type"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// knownTypes maps wire message types to canonical ones. Anything else
// normalizes to MessageOther.
var knownTypes = map[string]models.MessageType{
	"text":  models.MessageTypeText,
	"image": models.MessageTypeImage,
	"video": models.MessageTypeVideo,
	"audio": models.MessageTypeAudio,
	"read":  models.MessageTypeRead,
}

// Normalize validates a raw webhook payload and produces a canonical event.
// Timestamps of zero are stamped with the receive time; unknown message
// types pass through as "other" so they are still recorded.
func Normalize(raw RawEvent, receivedAt time.Time) (models.WebhookEvent, error) {
	senderID := strings.TrimSpace(raw.SenderID)
	if senderID == "" {
		return models.WebhookEvent{}, models.ErrMissingSenderID
	}
	recipientID := strings.TrimSpace(raw.RecipientID)
	if recipientID == "" {
		return models.WebhookEvent{}, models.ErrMissingReceiverID
	}
	if strings.TrimSpace(raw.MessageType) == "" {
		return models.WebhookEvent{}, models.ErrMissingMessageType
	}

	msgType, ok := knownTypes[strings.ToLower(strings.TrimSpace(raw.MessageType))]
	if !ok {
		msgType = models.MessageTypeOther
	}

	ts := receivedAt.UTC()
	if raw.Timestamp > 0 {
		ts = time.Unix(raw.Timestamp, 0).UTC()
	}

	return models.WebhookEvent{
		SenderID:    senderID,
		ReceiverID:  recipientID,
		MessageType: msgType,
		Text:        strings.TrimSpace(raw.Text),
		MediaURL:    strings.TrimSpace(raw.MediaURL),
		IsAdmin:     raw.IsAdmin,
		Timestamp:   ts,
	}, nil
}

// DedupKey derives a stable key for an event so platform redeliveries inside
// the dedup window collapse to one processing cycle.
func DedupKey(ev models.WebhookEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		ev.SenderID, ev.ReceiverID, ev.MessageType, ev.Text, ev.MediaURL, ev.Timestamp.Unix())
	return hex.EncodeToString(h.Sum(nil))
}
