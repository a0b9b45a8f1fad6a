// Package store: in-memory Store implementation.
//
// Used by tests and single-process deployments without a database. All
// methods are safe for concurrent use; the conversation version counter and
// follow-up status updates are guarded by the same mutex that protects the
// maps, which gives them compare-and-swap semantics.
package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopdm/dmflow/internal/models"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation // by id
	byParticipant map[string]string               // participant -> conversation id
	messages      map[string][]models.Message     // by conversation id, chronological
	callRecords   []models.ProviderCallRecord
	actions       map[string]*models.PendingAction
	actionOrder   []string
	followups     map[string]*models.FollowupTask
	followupOrder []string
	policyItems   []models.PolicyMemoryItem
	policyKeys    map[string]bool
	dedup         map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		byParticipant: make(map[string]string),
		messages:      make(map[string][]models.Message),
		actions:       make(map[string]*models.PendingAction),
		followups:     make(map[string]*models.FollowupTask),
		policyKeys:    make(map[string]bool),
		dedup:         make(map[string]time.Time),
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// GetOrCreateConversation implements ConversationRepo.
func (s *MemoryStore) GetOrCreateConversation(participantID string, now time.Time) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byParticipant[participantID]; ok {
		c := *s.conversations[id]
		return &c, false, nil
	}
	conv := &models.Conversation{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Status:        models.ConversationActive,
		Mode:          models.ModeHybrid,
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	s.byParticipant[participantID] = conv.ID
	slog.Debug("MemoryStore.GetOrCreateConversation: created", "conversation_id", conv.ID, "participant_id", participantID)
	c := *conv
	return &c, true, nil
}

// GetConversation implements ConversationRepo.
func (s *MemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

// TouchUser implements ConversationRepo. The timestamp is non-decreasing.
func (s *MemoryStore) TouchUser(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	if conv.LastUserMessageAt == nil || at.After(*conv.LastUserMessageAt) {
		t := at
		conv.LastUserMessageAt = &t
	}
	conv.Status = models.ConversationActive
	conv.UpdatedAt = at
	return nil
}

// TouchBot implements ConversationRepo.
func (s *MemoryStore) TouchBot(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	t := at
	conv.LastBotMessageAt = &t
	conv.UpdatedAt = at
	return nil
}

// BeginCycle implements ConversationRepo.
func (s *MemoryStore) BeginCycle(id string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return 0, models.ErrConversationNotFound
	}
	if conv.Version != expected {
		return 0, models.ErrStaleToken
	}
	conv.Version++
	return conv.Version, nil
}

// CurrentVersion implements ConversationRepo.
func (s *MemoryStore) CurrentVersion(id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return 0, models.ErrConversationNotFound
	}
	return conv.Version, nil
}

// SetConversationMode implements ConversationRepo.
func (s *MemoryStore) SetConversationMode(id string, mode models.ConversationMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	conv.Mode = mode
	return nil
}

// SetPinnedProduct implements ConversationRepo.
func (s *MemoryStore) SetPinnedProduct(id string, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	conv.PinnedProductID = productID
	return nil
}

// AddMessage implements MessageRepo.
func (s *MemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

// RecentMessages implements MessageRepo.
func (s *MemoryStore) RecentMessages(conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// RecentAssistantTexts implements MessageRepo.
func (s *MemoryStore) RecentAssistantTexts(conversationID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	var out []string
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Text != "" {
			out = append(out, msgs[i].Text)
		}
	}
	return out, nil
}

// AddCallRecord implements CallRecordRepo.
func (s *MemoryStore) AddCallRecord(r models.ProviderCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.callRecords = append(s.callRecords, r)
	return nil
}

// RecentCallRecords implements CallRecordRepo.
func (s *MemoryStore) RecentCallRecords(provider string, limit int) ([]models.ProviderCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProviderCallRecord
	for i := len(s.callRecords) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.callRecords[i].Provider == provider {
			out = append(out, s.callRecords[i])
		}
	}
	return out, nil
}

// AddAction implements ActionRepo.
func (s *MemoryStore) AddAction(a models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	copied := a
	s.actions[a.ID] = &copied
	s.actionOrder = append(s.actionOrder, a.ID)
	return nil
}

// GetAction implements ActionRepo.
func (s *MemoryStore) GetAction(id string) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, models.ErrActionNotFound
	}
	copied := *a
	return &copied, nil
}

// ListActions implements ActionRepo.
func (s *MemoryStore) ListActions(status models.ActionStatus, limit int) ([]models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingAction
	for i := len(s.actionOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		a := s.actions[s.actionOrder[i]]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// TransitionAction implements ActionRepo.
func (s *MemoryStore) TransitionAction(id string, from, to models.ActionStatus, errDetail string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return models.ErrActionNotFound
	}
	if a.Status != from || !models.CanTransition(from, to) {
		return models.ErrInvalidTransition
	}
	now := time.Now().UTC()
	a.Status = to
	switch to {
	case models.ActionApproved:
		a.ApprovedAt = &now
	case models.ActionExecuted, models.ActionFailed:
		a.ExecutedAt = &now
	}
	if errDetail != "" {
		a.Error = errDetail
	}
	if result != nil {
		a.Result = result
	}
	return nil
}

// UpdateActionPayload implements ActionRepo.
func (s *MemoryStore) UpdateActionPayload(id string, summary string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return models.ErrActionNotFound
	}
	if a.Status != models.ActionPending {
		return models.ErrInvalidTransition
	}
	if summary != "" {
		a.Summary = summary
	}
	if payload != nil {
		a.Payload = payload
	}
	return nil
}

// AddFollowup implements FollowupRepo.
func (s *MemoryStore) AddFollowup(t models.FollowupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	copied := t
	s.followups[t.ID] = &copied
	s.followupOrder = append(s.followupOrder, t.ID)
	return nil
}

// HasOutstandingFollowup implements FollowupRepo.
func (s *MemoryStore) HasOutstandingFollowup(conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.followups {
		if t.ConversationID == conversationID &&
			(t.Status == models.FollowupScheduled || t.Status == models.FollowupSent) {
			return true, nil
		}
	}
	return false, nil
}

// CancelScheduledFollowups implements FollowupRepo.
func (s *MemoryStore) CancelScheduledFollowups(conversationID string, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.followups {
		if t.ConversationID == conversationID && t.Status == models.FollowupScheduled {
			t.Status = models.FollowupCancelled
			t.Reason = reason
			n++
		}
	}
	return n, nil
}

// DueFollowups implements FollowupRepo.
func (s *MemoryStore) DueFollowups(now time.Time, limit int) ([]models.FollowupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FollowupTask
	for _, id := range s.followupOrder {
		t := s.followups[id]
		if t.Status == models.FollowupScheduled && !t.ScheduledFor.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkFollowup implements FollowupRepo.
func (s *MemoryStore) MarkFollowup(id string, from, to models.FollowupStatus, reason string, sentAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.followups[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if reason != "" {
		t.Reason = reason
	}
	if sentAt != nil {
		t.SentAt = sentAt
	}
	return true, nil
}

// ListFollowups implements FollowupRepo.
func (s *MemoryStore) ListFollowups(conversationID string, limit int) ([]models.FollowupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FollowupTask
	for i := len(s.followupOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.followups[s.followupOrder[i]]
		if conversationID != "" && t.ConversationID != conversationID {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// AddPolicyItem implements PolicyRepo.
func (s *MemoryStore) AddPolicyItem(item models.PolicyMemoryItem, dedupeKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimSpace(dedupeKey)
	if key != "" && s.policyKeys[key] {
		return false, nil
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.policyItems = append(s.policyItems, item)
	if key != "" {
		s.policyKeys[key] = true
	}
	return true, nil
}

// ListPolicyItems implements PolicyRepo.
func (s *MemoryStore) ListPolicyItems(limit int) ([]models.PolicyMemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PolicyMemoryItem
	for i := len(s.policyItems) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.policyItems[i])
	}
	return out, nil
}

// ResetPolicyItems implements PolicyRepo.
func (s *MemoryStore) ResetPolicyItems() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policyItems = nil
	s.policyKeys = make(map[string]bool)
	return nil
}

// RecordEvent implements DedupRepo.
func (s *MemoryStore) RecordEvent(key string, at time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen, ok := s.dedup[key]; ok && at.Sub(seen) <= window {
		return true, nil
	}
	s.dedup[key] = at
	// Drop expired keys opportunistically to bound memory.
	for k, seen := range s.dedup {
		if at.Sub(seen) > window {
			delete(s.dedup, k)
		}
	}
	return false, nil
}

// ForgetEvent implements DedupRepo.
func (s *MemoryStore) ForgetEvent(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, key)
	return nil
}
