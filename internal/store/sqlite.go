// Package store: SQLite-backed Store implementation.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/shopdm/dmflow/internal/models"
)

// Constants for SQLite store configuration.
const (
	// DefaultDirPermissions defines the default permissions for database directories.
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// GetOrCreateConversation implements ConversationRepo.
func (s *SQLiteStore) GetOrCreateConversation(participantID string, now time.Time) (*models.Conversation, bool, error) {
	conv, err := s.conversationBy("participant_id", participantID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, models.ErrConversationNotFound) {
		return nil, false, err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, participant_id, status, mode, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, participantID, models.ConversationActive, models.ModeHybrid, now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		// Lost a creation race; the other writer's row wins.
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			conv, err := s.conversationBy("participant_id", participantID)
			return conv, false, err
		}
		slog.Error("SQLiteStore.GetOrCreateConversation insert failed", "error", err, "participant_id", participantID)
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv, err = s.conversationBy("id", id)
	if err != nil {
		return nil, false, err
	}
	slog.Debug("SQLiteStore.GetOrCreateConversation: created", "conversation_id", id, "participant_id", participantID)
	return conv, true, nil
}

// GetConversation implements ConversationRepo.
func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	return s.conversationBy("id", id)
}

func (s *SQLiteStore) conversationBy(column, value string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, participant_id, status, mode, pinned_product_id,
		        last_user_message_at, last_bot_message_at, version, created_at, updated_at
		 FROM conversations WHERE `+column+` = ?`, value)
	var c models.Conversation
	var pinned sql.NullString
	var lastUser, lastBot sql.NullTime
	err := row.Scan(&c.ID, &c.ParticipantID, &c.Status, &c.Mode, &pinned,
		&lastUser, &lastBot, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.PinnedProductID = pinned.String
	if lastUser.Valid {
		c.LastUserMessageAt = &lastUser.Time
	}
	if lastBot.Valid {
		c.LastBotMessageAt = &lastBot.Time
	}
	return &c, nil
}

// TouchUser implements ConversationRepo.
func (s *SQLiteStore) TouchUser(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations
		 SET last_user_message_at = CASE
		         WHEN last_user_message_at IS NULL OR last_user_message_at < ? THEN ?
		         ELSE last_user_message_at END,
		     status = ?, updated_at = ?
		 WHERE id = ?`,
		at, at, models.ConversationActive, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return requireRow(res)
}

// TouchBot implements ConversationRepo.
func (s *SQLiteStore) TouchBot(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET last_bot_message_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return requireRow(res)
}

// BeginCycle implements ConversationRepo. The UPDATE only matches when the
// stored version equals expected, giving compare-and-swap semantics.
func (s *SQLiteStore) BeginCycle(id string, expected int64) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE conversations SET version = version + 1 WHERE id = ? AND version = ?`,
		id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cycle for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.conversationBy("id", id); err != nil {
			return 0, err
		}
		return 0, models.ErrStaleToken
	}
	return expected + 1, nil
}

// CurrentVersion implements ConversationRepo.
func (s *SQLiteStore) CurrentVersion(id string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM conversations WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version for %s: %w", id, err)
	}
	return v, nil
}

// SetConversationMode implements ConversationRepo.
func (s *SQLiteStore) SetConversationMode(id string, mode models.ConversationMode) error {
	res, err := s.db.Exec(`UPDATE conversations SET mode = ? WHERE id = ?`, mode, id)
	if err != nil {
		return fmt.Errorf("failed to set mode for %s: %w", id, err)
	}
	return requireRow(res)
}

// SetPinnedProduct implements ConversationRepo.
func (s *SQLiteStore) SetPinnedProduct(id string, productID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET pinned_product_id = ? WHERE id = ?`, nilIfEmpty(productID), id)
	if err != nil {
		return fmt.Errorf("failed to pin product for %s: %w", id, err)
	}
	return requireRow(res)
}

// AddMessage implements MessageRepo.
func (s *SQLiteStore) AddMessage(m models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, type, text, media_url, provider, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Type, nilIfEmpty(m.Text), nilIfEmpty(m.MediaURL), nilIfEmpty(m.Provider), m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddMessage failed", "error", err, "conversation_id", m.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// RecentMessages implements MessageRepo.
func (s *SQLiteStore) RecentMessages(conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, type, text, media_url, provider, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RecentAssistantTexts implements MessageRepo.
func (s *SQLiteStore) RecentAssistantTexts(conversationID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT text FROM messages
		 WHERE conversation_id = ? AND role = ? AND text IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, models.RoleAssistant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query assistant texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan assistant text: %w", err)
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

// AddCallRecord implements CallRecordRepo.
func (s *SQLiteStore) AddCallRecord(r models.ProviderCallRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO provider_call_records (id, conversation_id, provider, latency_ms, outcome, attempt, tokens_in, tokens_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.Provider, r.LatencyMS, r.Outcome, r.Attempt, r.TokensIn, r.TokensOut, r.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddCallRecord failed", "error", err, "provider", r.Provider)
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	return nil
}

// RecentCallRecords implements CallRecordRepo.
func (s *SQLiteStore) RecentCallRecords(provider string, limit int) ([]models.ProviderCallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, provider, latency_ms, outcome, attempt, tokens_in, tokens_out, created_at
		 FROM provider_call_records WHERE provider = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var records []models.ProviderCallRecord
	for rows.Next() {
		var r models.ProviderCallRecord
		var tokensIn, tokensOut sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Provider, &r.LatencyMS, &r.Outcome,
			&r.Attempt, &tokensIn, &tokensOut, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		r.TokensIn = tokensIn.Int64
		r.TokensOut = tokensOut.Int64
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddAction implements ActionRepo.
func (s *SQLiteStore) AddAction(a models.PendingAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_actions (id, conversation_id, action_type, summary, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nilIfEmpty(a.ConversationID), a.ActionType, nilIfEmpty(a.Summary),
		nilIfEmpty(string(a.Payload)), a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddAction failed", "error", err, "action_type", a.ActionType)
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	return nil
}

// GetAction implements ActionRepo.
func (s *SQLiteStore) GetAction(id string) (*models.PendingAction, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, action_type, summary, payload, status, result, error, created_at, approved_at, executed_at
		 FROM pending_actions WHERE id = ?`, id)
	a, err := scanActionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListActions implements ActionRepo.
func (s *SQLiteStore) ListActions(status models.ActionStatus, limit int) ([]models.PendingAction, error) {
	query := `SELECT id, conversation_id, action_type, summary, payload, status, result, error, created_at, approved_at, executed_at
		 FROM pending_actions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// TransitionAction implements ActionRepo. The UPDATE matches only when the
// stored status equals from, so concurrent reviewers cannot double-apply.
func (s *SQLiteStore) TransitionAction(id string, from, to models.ActionStatus, errDetail string, result json.RawMessage) error {
	if !models.CanTransition(from, to) {
		return models.ErrInvalidTransition
	}
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch to {
	case models.ActionApproved:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = ?, approved_at = ? WHERE id = ? AND status = ?`,
			to, now, id, from)
	case models.ActionExecuted, models.ActionFailed:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = ?, executed_at = ?, error = ?, result = ? WHERE id = ? AND status = ?`,
			to, now, nilIfEmpty(errDetail), nilIfEmpty(string(result)), id, from)
	default:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = ? WHERE id = ? AND status = ?`,
			to, id, from)
	}
	if err != nil {
		return fmt.Errorf("failed to transition action %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetAction(id); err != nil {
			return err
		}
		return models.ErrInvalidTransition
	}
	return nil
}

// UpdateActionPayload implements ActionRepo.
func (s *SQLiteStore) UpdateActionPayload(id string, summary string, payload json.RawMessage) error {
	res, err := s.db.Exec(
		`UPDATE pending_actions SET
		     summary = COALESCE(NULLIF(?, ''), summary),
		     payload = COALESCE(NULLIF(?, ''), payload)
		 WHERE id = ? AND status = ?`,
		summary, string(payload), id, models.ActionPending)
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetAction(id); err != nil {
			return err
		}
		return models.ErrInvalidTransition
	}
	return nil
}

// AddFollowup implements FollowupRepo.
func (s *SQLiteStore) AddFollowup(t models.FollowupTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO followup_tasks (id, conversation_id, scheduled_for, status, reason, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.ScheduledFor, t.Status, nilIfEmpty(t.Reason), nilIfEmpty(t.Payload), t.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddFollowup failed", "error", err, "conversation_id", t.ConversationID)
		return fmt.Errorf("failed to insert followup task: %w", err)
	}
	return nil
}

// HasOutstandingFollowup implements FollowupRepo.
func (s *SQLiteStore) HasOutstandingFollowup(conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM followup_tasks WHERE conversation_id = ? AND status IN (?, ?) LIMIT 1`,
		conversationID, models.FollowupScheduled, models.FollowupSent).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query followups: %w", err)
	}
	return true, nil
}

// CancelScheduledFollowups implements FollowupRepo.
func (s *SQLiteStore) CancelScheduledFollowups(conversationID string, reason string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE followup_tasks SET status = ?, reason = ? WHERE conversation_id = ? AND status = ?`,
		models.FollowupCancelled, reason, conversationID, models.FollowupScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel followups for %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DueFollowups implements FollowupRepo.
func (s *SQLiteStore) DueFollowups(now time.Time, limit int) ([]models.FollowupTask, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, scheduled_for, status, reason, payload, sent_at, created_at
		 FROM followup_tasks WHERE status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT ?`,
		models.FollowupScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due followups: %w", err)
	}
	defer rows.Close()
	return collectFollowups(rows)
}

// MarkFollowup implements FollowupRepo.
func (s *SQLiteStore) MarkFollowup(id string, from, to models.FollowupStatus, reason string, sentAt *time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE followup_tasks SET status = ?,
		     reason = COALESCE(NULLIF(?, ''), reason),
		     sent_at = COALESCE(?, sent_at)
		 WHERE id = ? AND status = ?`,
		to, reason, sentAt, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to mark followup %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFollowups implements FollowupRepo.
func (s *SQLiteStore) ListFollowups(conversationID string, limit int) ([]models.FollowupTask, error) {
	query := `SELECT id, conversation_id, scheduled_for, status, reason, payload, sent_at, created_at
		 FROM followup_tasks`
	args := []interface{}{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query followups: %w", err)
	}
	defer rows.Close()
	return collectFollowups(rows)
}

// AddPolicyItem implements PolicyRepo. Dedupe rides the unique index on
// dedupe_key: a key already captured since the last reset is absorbed, a
// key last captured before the reset is re-captured by rewriting its row.
func (s *SQLiteStore) AddPolicyItem(item models.PolicyMemoryItem, dedupeKey string) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if dedupeKey == "" {
		_, err := s.db.Exec(
			`INSERT INTO policy_memory (id, text, priority, kind, source, dedupe_key, created_at)
			 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
			item.ID, item.Text, item.Priority, item.Kind, nilIfEmpty(item.Source), item.CreatedAt)
		if err != nil {
			slog.Error("SQLiteStore.AddPolicyItem failed", "error", err)
			return false, fmt.Errorf("failed to insert policy item: %w", err)
		}
		return true, nil
	}
	res, err := s.db.Exec(
		`INSERT INTO policy_memory (id, text, priority, kind, source, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedupe_key) DO UPDATE SET
			text = excluded.text, priority = excluded.priority, kind = excluded.kind,
			source = excluded.source, created_at = excluded.created_at
		 WHERE policy_memory.created_at < COALESCE((SELECT reset_at FROM policy_resets WHERE id = 1), ?)`,
		item.ID, item.Text, item.Priority, item.Kind, nilIfEmpty(item.Source), dedupeKey, item.CreatedAt, time.Time{})
	if err != nil {
		slog.Error("SQLiteStore.AddPolicyItem failed", "error", err)
		return false, fmt.Errorf("failed to insert policy item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// Zero rows means an active entry with this key already exists.
	return n > 0, nil
}

// ListPolicyItems implements PolicyRepo.
func (s *SQLiteStore) ListPolicyItems(limit int) ([]models.PolicyMemoryItem, error) {
	rows, err := s.db.Query(
		`SELECT id, text, priority, kind, source, created_at FROM policy_memory
		 WHERE created_at >= COALESCE((SELECT reset_at FROM policy_resets WHERE id = 1), ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy items: %w", err)
	}
	defer rows.Close()

	var items []models.PolicyMemoryItem
	for rows.Next() {
		var item models.PolicyMemoryItem
		var source sql.NullString
		if err := rows.Scan(&item.ID, &item.Text, &item.Priority, &item.Kind, &source, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy item: %w", err)
		}
		item.Source = source.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetPolicyItems implements PolicyRepo. Entries stay on disk for audit;
// listing only returns rows newer than the reset marker.
func (s *SQLiteStore) ResetPolicyItems() error {
	_, err := s.db.Exec(
		`INSERT INTO policy_resets (id, reset_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET reset_at = excluded.reset_at`,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset policy memory: %w", err)
	}
	return nil
}

// RecordEvent implements DedupRepo.
func (s *SQLiteStore) RecordEvent(key string, at time.Time, window time.Duration) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (event_key, seen_at) VALUES (?, ?)
		 ON CONFLICT(event_key) DO UPDATE SET seen_at = excluded.seen_at
		 WHERE inbound_dedup.seen_at < ?`,
		key, at, at.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to record dedup event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// Zero rows means the key exists with a recent seen_at: a duplicate.
	return n == 0, nil
}

// ForgetEvent implements DedupRepo.
func (s *SQLiteStore) ForgetEvent(key string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE event_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to forget dedup event: %w", err)
	}
	return nil
}

func collectFollowups(rows *sql.Rows) ([]models.FollowupTask, error) {
	var tasks []models.FollowupTask
	for rows.Next() {
		var t models.FollowupTask
		var reason, payload sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.ScheduledFor, &t.Status,
			&reason, &payload, &sentAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan followup task: %w", err)
		}
		t.Reason = reason.String
		t.Payload = payload.String
		if sentAt.Valid {
			t.SentAt = &sentAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
