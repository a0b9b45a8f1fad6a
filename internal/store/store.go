// Package store provides storage backends for dmflow.
//
// It defines repository interfaces for conversations, messages, provider
// call records, pending actions, follow-up tasks, policy memory, and inbound
// deduplication, with in-memory, SQLite, and PostgreSQL implementations.
package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithDSN sets the database DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its
// shape. File paths are assumed to be SQLite databases.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// ConversationRepo owns the per-conversation aggregate and its version
// counter. BeginCycle is the only way to obtain a write token.
type ConversationRepo interface {
	// GetOrCreateConversation loads the conversation for a participant,
	// creating it on first contact. The second return reports creation.
	GetOrCreateConversation(participantID string, now time.Time) (*models.Conversation, bool, error)

	// GetConversation loads a conversation by id. Returns
	// models.ErrConversationNotFound when absent.
	GetConversation(id string) (*models.Conversation, error)

	// TouchUser advances last_user_message_at. The timestamp is
	// non-decreasing: an earlier value is ignored.
	TouchUser(id string, at time.Time) error

	// TouchBot advances last_bot_message_at.
	TouchBot(id string, at time.Time) error

	// BeginCycle atomically increments the conversation version if it still
	// equals expected, returning the new version as the cycle token.
	// Returns models.ErrStaleToken if another writer won the race.
	BeginCycle(id string, expected int64) (int64, error)

	// CurrentVersion returns the stored version for staleness checks.
	CurrentVersion(id string) (int64, error)

	// SetConversationMode overrides the routing mode (admin control).
	SetConversationMode(id string, mode models.ConversationMode) error

	// SetPinnedProduct pins a catalog item to the conversation.
	SetPinnedProduct(id string, productID string) error
}

// MessageRepo stores immutable conversation messages.
type MessageRepo interface {
	// AddMessage appends a message. Messages are never mutated.
	AddMessage(m models.Message) error

	// RecentMessages returns up to limit most recent messages for a
	// conversation in chronological order.
	RecentMessages(conversationID string, limit int) ([]models.Message, error)

	// RecentAssistantTexts returns the texts of the most recent assistant
	// messages, newest first, for loop detection.
	RecentAssistantTexts(conversationID string, limit int) ([]string, error)
}

// CallRecordRepo stores append-only provider call accounting.
type CallRecordRepo interface {
	// AddCallRecord appends one provider attempt record.
	AddCallRecord(r models.ProviderCallRecord) error

	// RecentCallRecords returns up to limit most recent records for a
	// provider, newest first.
	RecentCallRecords(provider string, limit int) ([]models.ProviderCallRecord, error)
}

// ActionRepo stores pending side-effect actions and enforces the approval
// state machine on every mutation.
type ActionRepo interface {
	// AddAction persists a freshly extracted action in pending status.
	AddAction(a models.PendingAction) error

	// GetAction loads an action by id. Returns models.ErrActionNotFound
	// when absent.
	GetAction(id string) (*models.PendingAction, error)

	// ListActions returns actions filtered by status (empty status means
	// all), newest first.
	ListActions(status models.ActionStatus, limit int) ([]models.PendingAction, error)

	// TransitionAction moves an action from one status to another,
	// recording approval/execution timestamps and any error or result
	// detail. Returns models.ErrInvalidTransition when the state machine
	// forbids the move, including when the stored status differs from from.
	TransitionAction(id string, from, to models.ActionStatus, errDetail string, result json.RawMessage) error

	// UpdateActionPayload replaces summary/payload while the action is
	// still pending. Returns models.ErrInvalidTransition otherwise.
	UpdateActionPayload(id string, summary string, payload json.RawMessage) error
}

// FollowupRepo stores delayed reminder tasks. Status moves are guarded by
// compare-and-set so concurrent sweep workers cannot double-send.
type FollowupRepo interface {
	// AddFollowup persists a scheduled task.
	AddFollowup(t models.FollowupTask) error

	// HasOutstandingFollowup reports whether a scheduled or sent task
	// already exists for the conversation.
	HasOutstandingFollowup(conversationID string) (bool, error)

	// CancelScheduledFollowups marks all scheduled tasks for the
	// conversation cancelled, returning the number affected.
	CancelScheduledFollowups(conversationID string, reason string) (int, error)

	// DueFollowups returns scheduled tasks with scheduled_for <= now,
	// oldest first.
	DueFollowups(now time.Time, limit int) ([]models.FollowupTask, error)

	// MarkFollowup compare-and-sets a task's status. Returns false when
	// the stored status no longer matches from.
	MarkFollowup(id string, from, to models.FollowupStatus, reason string, sentAt *time.Time) (bool, error)

	// ListFollowups returns tasks for a conversation (empty id means all),
	// newest first.
	ListFollowups(conversationID string, limit int) ([]models.FollowupTask, error)
}

// PolicyRepo stores policy memory entries. Append/reset only.
type PolicyRepo interface {
	// AddPolicyItem appends an entry. Returns false if an entry with the
	// same dedupe key already exists since the last reset.
	AddPolicyItem(item models.PolicyMemoryItem, dedupeKey string) (bool, error)

	// ListPolicyItems returns entries added since the last reset, newest
	// first.
	ListPolicyItems(limit int) ([]models.PolicyMemoryItem, error)

	// ResetPolicyItems clears the active set.
	ResetPolicyItems() error
}

// DedupRepo absorbs webhook at-least-once redeliveries.
type DedupRepo interface {
	// RecordEvent inserts a dedup record for the key. Returns true when
	// the key was already recorded inside the window (duplicate).
	RecordEvent(key string, at time.Time, window time.Duration) (bool, error)

	// ForgetEvent removes a dedup record so a platform redelivery is not
	// absorbed. Called when a cycle fails before persisting the message.
	ForgetEvent(key string) error
}

// Store combines every repository the orchestration core persists through.
type Store interface {
	ConversationRepo
	MessageRepo
	CallRecordRepo
	ActionRepo
	FollowupRepo
	PolicyRepo
	DedupRepo

	// Close releases backend resources.
	Close() error
}
