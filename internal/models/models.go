// Package models defines the core data structures for dmflow.
//
// It includes conversation and message records, provider call accounting,
// guardrail verdicts, follow-up tasks, policy memory entries, and the
// outbound payload shapes shared across modules.
package models

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	// ConversationActive indicates the conversation has recent activity.
	ConversationActive ConversationStatus = "active"
	// ConversationIdle indicates the conversation has gone quiet.
	ConversationIdle ConversationStatus = "idle"
	// ConversationClosed indicates the conversation was closed by an operator.
	ConversationClosed ConversationStatus = "closed"
)

// ConversationMode selects how generation requests are routed.
type ConversationMode string

const (
	// ModeHybrid lets the router pick the healthier provider per cycle.
	ModeHybrid ConversationMode = "hybrid"
	// ModeProviderA pins generation to the primary provider.
	ModeProviderA ConversationMode = "provider_a"
	// ModeProviderB pins generation to the secondary provider.
	ModeProviderB ConversationMode = "provider_b"
)

// IsValidMode checks if the given conversation mode is supported.
func IsValidMode(m ConversationMode) bool {
	switch m {
	case ModeHybrid, ModeProviderA, ModeProviderB:
		return true
	default:
		return false
	}
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleAdmin     MessageRole = "admin"
)

// MessageType identifies the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeRead  MessageType = "read"
	MessageTypeOther MessageType = "other"
)

// IsGenerationInput reports whether a message of this type can contribute to
// generation context. Read receipts never do.
func (t MessageType) IsGenerationInput() bool {
	return t != MessageTypeRead
}

// Validation constants shared across modules.
const (
	// MaxReplyChars caps assistant reply length before truncation.
	MaxReplyChars = 900
	// MaxPolicyTextLen caps a single policy memory entry.
	MaxPolicyTextLen = 1200
	// MaxQuickReplies limits quick-reply options per outbound plan.
	MaxQuickReplies = 8
	// QuickReplyTitleMaxChars limits quick-reply titles.
	QuickReplyTitleMaxChars = 20
	// QuickReplyPayloadMaxChars limits quick-reply payloads.
	QuickReplyPayloadMaxChars = 120
)

// Error variables for better error handling and testability.
var (
	ErrMissingSenderID       = errors.New("sender_id is required")
	ErrMissingReceiverID     = errors.New("receiver_id is required")
	ErrMissingMessageType    = errors.New("message_type is required")
	ErrInvalidSignature      = errors.New("webhook signature mismatch")
	ErrStaleToken            = errors.New("conversation token is stale")
	ErrCycleInFlight         = errors.New("generation cycle already in flight")
	ErrGenerationUnavailable = errors.New("all generation providers failed")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrUnknownActionType     = errors.New("unknown action type")
	ErrActionNotFound        = errors.New("pending action not found")
	ErrConversationNotFound  = errors.New("conversation not found")
)

// Conversation is the per-participant aggregate. Version is a monotonic
// counter: any writer must present the version it read, and the store accepts
// the mutation only if the stored version is unchanged.
type Conversation struct {
	ID                string             `json:"id"`
	ParticipantID     string             `json:"participant_id"`
	Status            ConversationStatus `json:"status"`
	Mode              ConversationMode   `json:"mode"`
	PinnedProductID   string             `json:"pinned_product_id,omitempty"`
	LastUserMessageAt *time.Time         `json:"last_user_message_at,omitempty"`
	LastBotMessageAt  *time.Time         `json:"last_bot_message_at,omitempty"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Message is an immutable conversation entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	Provider       string      `json:"provider,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// CallOutcome classifies a single provider attempt.
type CallOutcome string

const (
	CallOK      CallOutcome = "ok"
	CallTimeout CallOutcome = "timeout"
	CallError   CallOutcome = "error"
)

// ProviderCallRecord is an append-only record of one generation attempt,
// used for health scoring and analytics.
type ProviderCallRecord struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Provider       string      `json:"provider"`
	LatencyMS      int64       `json:"latency_ms"`
	Outcome        CallOutcome `json:"outcome"`
	Attempt        int         `json:"attempt"`
	TokensIn       int64       `json:"tokens_in,omitempty"`
	TokensOut      int64       `json:"tokens_out,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Classification is the guardrail label for a candidate reply.
type Classification string

const (
	ClassAccepted Classification = "accepted"
	ClassGeneric  Classification = "generic"
	ClassLoop     Classification = "loop"
	ClassUnsafe   Classification = "unsafe"
)

// FinalAction records how a generation cycle resolved.
type FinalAction string

const (
	FinalAccepted  FinalAction = "accepted"
	FinalRewritten FinalAction = "rewritten"
	FinalFallback  FinalAction = "fallback"
)

// GuardrailVerdict is the outcome of evaluating a candidate reply. It is
// ephemeral per cycle; the final verdict is persisted alongside the Message
// it approved.
type GuardrailVerdict struct {
	Candidate       string         `json:"candidate"`
	Classification  Classification `json:"classification"`
	RewriteAttempts int            `json:"rewrite_attempts"`
	FinalAction     FinalAction    `json:"final_action"`
	MatchedTemplate string         `json:"matched_template,omitempty"`
}

// FollowupStatus tracks a follow-up task through its one-way lifecycle.
type FollowupStatus string

const (
	FollowupScheduled FollowupStatus = "scheduled"
	FollowupSent      FollowupStatus = "sent"
	FollowupCancelled FollowupStatus = "cancelled"
	FollowupSkipped   FollowupStatus = "skipped"
	FollowupFailed    FollowupStatus = "failed"
)

// FollowupTask is a single delayed reminder for a purchase-intent
// conversation. Transitions only forward: scheduled -> {sent|cancelled|
// skipped|failed}, plus sent -> failed when delivery errors after the
// sweep has claimed the task.
type FollowupTask struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	Status         FollowupStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	Payload        string         `json:"payload,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PolicyPriority orders policy memory entries in generation context.
type PolicyPriority string

const (
	PriorityCritical PolicyPriority = "critical"
	PriorityHigh     PolicyPriority = "high"
	PriorityNormal   PolicyPriority = "normal"
)

// PriorityScore maps a priority to its ordering weight (higher first).
func PriorityScore(p PolicyPriority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// PolicyKind categorizes a policy memory entry.
type PolicyKind string

const (
	PolicyRule     PolicyKind = "rule"
	PolicyEvent    PolicyKind = "event"
	PolicyCampaign PolicyKind = "campaign"
	PolicyNote     PolicyKind = "note"
)

// PolicyMemoryItem is an administrator-curated standing instruction injected
// into generation context. Append/reset only.
type PolicyMemoryItem struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Priority  PolicyPriority `json:"priority"`
	Kind      PolicyKind     `json:"kind"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decision is the admission outcome for an inbound message.
type Decision string

const (
	// DecisionGenerate admits the message into a generation cycle.
	DecisionGenerate Decision = "generate"
	// DecisionSuppress records the message without generating a reply.
	DecisionSuppress Decision = "suppress"
)

// BotConfig is the immutable per-cycle configuration value threaded into each
// component call. Loaded once per request/tick, never read from globals.
type BotConfig struct {
	SystemPrompt        string
	FallbackReply       string
	FollowupMessage     string
	GenericTemplates    []string
	Mode                ConversationMode
	MaxOutputChars      int
	MaxHistoryMessages  int
	ContextCharBudget   int
	MaxRewrites         int
	SimilarityThreshold float64
	LoopLookback        int
	ReplyWindow         time.Duration
	DedupWindow         time.Duration
	FollowupDelay       time.Duration
	ProviderTimeout     time.Duration
}

// DefaultBotConfig returns the baseline configuration. Callers override
// fields from environment/flags before threading the value through.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		SystemPrompt:        "You are a helpful shop assistant for a direct-message channel.",
		FallbackReply:       "خوشحال می‌شم راهنمایی کنم؛ لطفاً اسم/مدل محصول یا یه عکس بفرستید تا دقیق‌تر کمک کنم.",
		FollowupMessage:     "سلام! هنوز دنبال محصولی که صحبت کردیم هستید؟ اگر سوالی دارید در خدمتم.",
		GenericTemplates:    DefaultGenericTemplates(),
		Mode:                ModeHybrid,
		MaxOutputChars:      MaxReplyChars,
		MaxHistoryMessages:  12,
		ContextCharBudget:   6000,
		MaxRewrites:         2,
		SimilarityThreshold: 0.9,
		LoopLookback:        3,
		ReplyWindow:         24 * time.Hour,
		DedupWindow:         10 * time.Minute,
		FollowupDelay:       20 * time.Hour,
		ProviderTimeout:     30 * time.Second,
	}
}

// DefaultGenericTemplates returns the boilerplate replies the guardrail
// treats as generic. The set is a tunable policy, not a structural contract.
func DefaultGenericTemplates() []string {
	return []string{
		"سلام! چطور می‌توانم به شما کمک کنم",
		"سلام! چطور می‌تونم کمکتون کنم؟",
		"لطفاً کمی دقیق‌تر بگید تا بهتر راهنمایی کنم",
		"لطفاً کمی دقیق‌تر بفرمایید.",
		"How can I help you today?",
	}
}

// WebhookEvent is the canonical inbound event after normalization.
type WebhookEvent struct {
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	MessageType MessageType `json:"message_type"`
	Text        string      `json:"text,omitempty"`
	MediaURL    string      `json:"media_url,omitempty"`
	IsAdmin     bool        `json:"is_admin"`
	Timestamp   time.Time   `json:"timestamp"`
}
