package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shopdm/dmflow/internal/models"
)

// Connection pool settings for the Postgres store.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied")
	return &PostgresStore{db: db}, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }

// GetOrCreateConversation implements ConversationRepo.
func (s *PostgresStore) GetOrCreateConversation(participantID string, now time.Time) (*models.Conversation, bool, error) {
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
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		id, participantID, models.ConversationActive, models.ModeHybrid, now, now,
	)
	if err != nil {
		var pqErr *pq.Error
		// 23505 unique_violation: lost a creation race to another writer.
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			conv, err := s.conversationBy("participant_id", participantID)
			return conv, false, err
		}
		slog.Error("PostgresStore.GetOrCreateConversation insert failed", "error", err, "participant_id", participantID)
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv, err = s.conversationBy("id", id)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversation implements ConversationRepo.
func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	return s.conversationBy("id", id)
}

func (s *PostgresStore) conversationBy(column, value string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, participant_id, status, mode, pinned_product_id,
		        last_user_message_at, last_bot_message_at, version, created_at, updated_at
		 FROM conversations WHERE `+column+` = $1`, value)
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
func (s *PostgresStore) TouchUser(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations
		 SET last_user_message_at = GREATEST(COALESCE(last_user_message_at, $1), $1),
		     status = $2, updated_at = $3
		 WHERE id = $4`,
		at, models.ConversationActive, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return requireRow(res)
}

// TouchBot implements ConversationRepo.
func (s *PostgresStore) TouchBot(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET last_bot_message_at = $1, updated_at = $2 WHERE id = $3`,
		at, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return requireRow(res)
}

// BeginCycle implements ConversationRepo.
func (s *PostgresStore) BeginCycle(id string, expected int64) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE conversations SET version = version + 1 WHERE id = $1 AND version = $2`,
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
func (s *PostgresStore) CurrentVersion(id string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM conversations WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version for %s: %w", id, err)
	}
	return v, nil
}

// SetConversationMode implements ConversationRepo.
func (s *PostgresStore) SetConversationMode(id string, mode models.ConversationMode) error {
	res, err := s.db.Exec(`UPDATE conversations SET mode = $1 WHERE id = $2`, mode, id)
	if err != nil {
		return fmt.Errorf("failed to set mode for %s: %w", id, err)
	}
	return requireRow(res)
}

// SetPinnedProduct implements ConversationRepo.
func (s *PostgresStore) SetPinnedProduct(id string, productID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET pinned_product_id = $1 WHERE id = $2`, nilIfEmpty(productID), id)
	if err != nil {
		return fmt.Errorf("failed to pin product for %s: %w", id, err)
	}
	return requireRow(res)
}

// AddMessage implements MessageRepo.
func (s *PostgresStore) AddMessage(m models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, type, text, media_url, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.Role, m.Type, nilIfEmpty(m.Text), nilIfEmpty(m.MediaURL), nilIfEmpty(m.Provider), m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddMessage failed", "error", err, "conversation_id", m.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// RecentMessages implements MessageRepo.
func (s *PostgresStore) RecentMessages(conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, type, text, media_url, provider, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, conversationID, limit)
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
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RecentAssistantTexts implements MessageRepo.
func (s *PostgresStore) RecentAssistantTexts(conversationID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT text FROM messages
		 WHERE conversation_id = $1 AND role = $2 AND text IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
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
func (s *PostgresStore) AddCallRecord(r models.ProviderCallRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO provider_call_records (id, conversation_id, provider, latency_ms, outcome, attempt, tokens_in, tokens_out, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, nilIfEmpty(r.ConversationID), r.Provider, r.LatencyMS, r.Outcome, r.Attempt, r.TokensIn, r.TokensOut, r.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddCallRecord failed", "error", err, "provider", r.Provider)
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	return nil
}

// RecentCallRecords implements CallRecordRepo.
func (s *PostgresStore) RecentCallRecords(provider string, limit int) ([]models.ProviderCallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, provider, latency_ms, outcome, attempt, tokens_in, tokens_out, created_at
		 FROM provider_call_records WHERE provider = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var records []models.ProviderCallRecord
	for rows.Next() {
		var r models.ProviderCallRecord
		var conversationID sql.NullString
		var tokensIn, tokensOut sql.NullInt64
		if err := rows.Scan(&r.ID, &conversationID, &r.Provider, &r.LatencyMS, &r.Outcome,
			&r.Attempt, &tokensIn, &tokensOut, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		r.ConversationID = conversationID.String
		r.TokensIn = tokensIn.Int64
		r.TokensOut = tokensOut.Int64
		records = append(records, r)
	}
	return records, rows.Err()
}

// AddAction implements ActionRepo.
func (s *PostgresStore) AddAction(a models.PendingAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_actions (id, conversation_id, action_type, summary, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, nilIfEmpty(a.ConversationID), a.ActionType, nilIfEmpty(a.Summary),
		nilIfEmpty(string(a.Payload)), a.Status, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddAction failed", "error", err, "action_type", a.ActionType)
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	return nil
}

// GetAction implements ActionRepo.
func (s *PostgresStore) GetAction(id string) (*models.PendingAction, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, action_type, summary, payload, status, result, error, created_at, approved_at, executed_at
		 FROM pending_actions WHERE id = $1`, id)
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
func (s *PostgresStore) ListActions(status models.ActionStatus, limit int) ([]models.PendingAction, error) {
	query := `SELECT id, conversation_id, action_type, summary, payload, status, result, error, created_at, approved_at, executed_at
		 FROM pending_actions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

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

// TransitionAction implements ActionRepo.
func (s *PostgresStore) TransitionAction(id string, from, to models.ActionStatus, errDetail string, result json.RawMessage) error {
	if !models.CanTransition(from, to) {
		return models.ErrInvalidTransition
	}
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch to {
	case models.ActionApproved:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = $1, approved_at = $2 WHERE id = $3 AND status = $4`,
			to, now, id, from)
	case models.ActionExecuted, models.ActionFailed:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = $1, executed_at = $2, error = $3, result = $4 WHERE id = $5 AND status = $6`,
			to, now, nilIfEmpty(errDetail), nilIfEmpty(string(result)), id, from)
	default:
		res, err = s.db.Exec(
			`UPDATE pending_actions SET status = $1 WHERE id = $2 AND status = $3`,
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
func (s *PostgresStore) UpdateActionPayload(id string, summary string, payload json.RawMessage) error {
	res, err := s.db.Exec(
		`UPDATE pending_actions SET
		     summary = COALESCE(NULLIF($1, ''), summary),
		     payload = COALESCE(NULLIF($2, ''), payload)
		 WHERE id = $3 AND status = $4`,
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
func (s *PostgresStore) AddFollowup(t models.FollowupTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO followup_tasks (id, conversation_id, scheduled_for, status, reason, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ConversationID, t.ScheduledFor, t.Status, nilIfEmpty(t.Reason), nilIfEmpty(t.Payload), t.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddFollowup failed", "error", err, "conversation_id", t.ConversationID)
		return fmt.Errorf("failed to insert followup task: %w", err)
	}
	return nil
}

// HasOutstandingFollowup implements FollowupRepo.
func (s *PostgresStore) HasOutstandingFollowup(conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM followup_tasks WHERE conversation_id = $1 AND status IN ($2, $3) LIMIT 1`,
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
func (s *PostgresStore) CancelScheduledFollowups(conversationID string, reason string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE followup_tasks SET status = $1, reason = $2 WHERE conversation_id = $3 AND status = $4`,
		models.FollowupCancelled, reason, conversationID, models.FollowupScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel followups for %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DueFollowups implements FollowupRepo.
func (s *PostgresStore) DueFollowups(now time.Time, limit int) ([]models.FollowupTask, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, scheduled_for, status, reason, payload, sent_at, created_at
		 FROM followup_tasks WHERE status = $1 AND scheduled_for <= $2
		 ORDER BY scheduled_for ASC LIMIT $3`,
		models.FollowupScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due followups: %w", err)
	}
	defer rows.Close()
	return collectFollowups(rows)
}

// MarkFollowup implements FollowupRepo.
func (s *PostgresStore) MarkFollowup(id string, from, to models.FollowupStatus, reason string, sentAt *time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE followup_tasks SET status = $1,
		     reason = COALESCE(NULLIF($2, ''), reason),
		     sent_at = COALESCE($3, sent_at)
		 WHERE id = $4 AND status = $5`,
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
func (s *PostgresStore) ListFollowups(conversationID string, limit int) ([]models.FollowupTask, error) {
	query := `SELECT id, conversation_id, scheduled_for, status, reason, payload, sent_at, created_at
		 FROM followup_tasks`
	args := []interface{}{}
	if conversationID != "" {
		query += ` WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, conversationID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

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
func (s *PostgresStore) AddPolicyItem(item models.PolicyMemoryItem, dedupeKey string) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if dedupeKey == "" {
		_, err := s.db.Exec(
			`INSERT INTO policy_memory (id, text, priority, kind, source, dedupe_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
			item.ID, item.Text, item.Priority, item.Kind, nilIfEmpty(item.Source), item.CreatedAt)
		if err != nil {
			slog.Error("PostgresStore.AddPolicyItem failed", "error", err)
			return false, fmt.Errorf("failed to insert policy item: %w", err)
		}
		return true, nil
	}
	res, err := s.db.Exec(
		`INSERT INTO policy_memory (id, text, priority, kind, source, dedupe_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
			text = EXCLUDED.text, priority = EXCLUDED.priority, kind = EXCLUDED.kind,
			source = EXCLUDED.source, created_at = EXCLUDED.created_at
		 WHERE policy_memory.created_at < COALESCE((SELECT reset_at FROM policy_resets WHERE id = 1), $8)`,
		item.ID, item.Text, item.Priority, item.Kind, nilIfEmpty(item.Source), dedupeKey, item.CreatedAt, time.Time{})
	if err != nil {
		slog.Error("PostgresStore.AddPolicyItem failed", "error", err)
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
func (s *PostgresStore) ListPolicyItems(limit int) ([]models.PolicyMemoryItem, error) {
	rows, err := s.db.Query(
		`SELECT id, text, priority, kind, source, created_at FROM policy_memory
		 WHERE created_at >= COALESCE((SELECT reset_at FROM policy_resets WHERE id = 1), $1)
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
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

// ResetPolicyItems implements PolicyRepo.
func (s *PostgresStore) ResetPolicyItems() error {
	_, err := s.db.Exec(
		`INSERT INTO policy_resets (id, reset_at) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET reset_at = EXCLUDED.reset_at`,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset policy memory: %w", err)
	}
	return nil
}

// RecordEvent implements DedupRepo.
func (s *PostgresStore) RecordEvent(key string, at time.Time, window time.Duration) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (event_key, seen_at) VALUES ($1, $2)
		 ON CONFLICT (event_key) DO UPDATE SET seen_at = EXCLUDED.seen_at
		 WHERE inbound_dedup.seen_at < $3`,
		key, at, at.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to record dedup event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// ForgetEvent implements DedupRepo.
func (s *PostgresStore) ForgetEvent(key string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE event_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to forget dedup event: %w", err)
	}
	return nil
}
