package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

func TestBeginCycleVersioning(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, created, err := s.GetOrCreateConversation("user-1", now)
	if err != nil {
		t.Fatalf("GetOrCreateConversation() error = %v", err)
	}
	if !created {
		t.Fatalf("expected a new conversation")
	}
	if conv.Version != 0 {
		t.Fatalf("new conversation version = %d, want 0", conv.Version)
	}

	token, err := s.BeginCycle(conv.ID, 0)
	if err != nil {
		t.Fatalf("BeginCycle() error = %v", err)
	}
	if token != 1 {
		t.Errorf("token = %d, want 1", token)
	}

	// A second admit with the same expected version must fail: the first
	// cycle already bumped the version.
	if _, err := s.BeginCycle(conv.ID, 0); !errors.Is(err, models.ErrStaleToken) {
		t.Errorf("BeginCycle() with stale expected version error = %v, want ErrStaleToken", err)
	}

	v, err := s.CurrentVersion(conv.ID)
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

func TestBeginCycleInvalidatesOlderCycle(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, _, err := s.GetOrCreateConversation("user-2", now)
	if err != nil {
		t.Fatalf("GetOrCreateConversation() error = %v", err)
	}

	first, err := s.BeginCycle(conv.ID, 0)
	if err != nil {
		t.Fatalf("first BeginCycle() error = %v", err)
	}
	second, err := s.BeginCycle(conv.ID, first)
	if err != nil {
		t.Fatalf("second BeginCycle() error = %v", err)
	}

	v, _ := s.CurrentVersion(conv.ID)
	if v != second {
		t.Errorf("CurrentVersion() = %d, want %d", v, second)
	}
	// The first cycle's token no longer matches the current version, so
	// its side effects would be rejected.
	if first == v {
		t.Errorf("older token %d should no longer match current version", first)
	}
}

func TestTouchUserNonDecreasing(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, _, _ := s.GetOrCreateConversation("user-3", now)

	later := now.Add(time.Minute)
	if err := s.TouchUser(conv.ID, later); err != nil {
		t.Fatalf("TouchUser() error = %v", err)
	}
	// An out-of-order event with an earlier timestamp must not move the
	// window anchor backwards.
	if err := s.TouchUser(conv.ID, now); err != nil {
		t.Fatalf("TouchUser() error = %v", err)
	}

	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.LastUserMessageAt == nil || !got.LastUserMessageAt.Equal(later) {
		t.Errorf("LastUserMessageAt = %v, want %v", got.LastUserMessageAt, later)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, _, _ := s.GetOrCreateConversation("user-4", now)

	for i := 0; i < 5; i++ {
		err := s.AddMessage(models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Type:           models.MessageTypeText,
			Text:           string(rune('a' + i)),
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	msgs, err := s.RecentMessages(conv.ID, 3)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	want := []string{"c", "d", "e"}
	for i, m := range msgs {
		if m.Text != want[i] {
			t.Errorf("msgs[%d].Text = %q, want %q", i, m.Text, want[i])
		}
	}
}

func TestActionTransitions(t *testing.T) {
	s := NewMemoryStore()
	a := models.PendingAction{
		ID:         "act-1",
		ActionType: models.ActionFAQCreate,
		Payload:    json.RawMessage(`{"question":"q","answer":"a"}`),
		Status:     models.ActionPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.AddAction(a); err != nil {
		t.Fatalf("AddAction() error = %v", err)
	}

	// pending -> executed is not a legal transition.
	err := s.TransitionAction("act-1", models.ActionPending, models.ActionExecuted, "", nil)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("pending->executed error = %v, want ErrInvalidTransition", err)
	}

	if err := s.TransitionAction("act-1", models.ActionPending, models.ActionApproved, "", nil); err != nil {
		t.Fatalf("pending->approved error = %v", err)
	}

	// A second approval must fail: the stored status no longer matches.
	err = s.TransitionAction("act-1", models.ActionPending, models.ActionApproved, "", nil)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("double approve error = %v, want ErrInvalidTransition", err)
	}

	result := json.RawMessage(`{"id":"faq-9"}`)
	if err := s.TransitionAction("act-1", models.ActionApproved, models.ActionExecuted, "", result); err != nil {
		t.Fatalf("approved->executed error = %v", err)
	}

	got, err := s.GetAction("act-1")
	if err != nil {
		t.Fatalf("GetAction() error = %v", err)
	}
	if got.Status != models.ActionExecuted {
		t.Errorf("Status = %q, want executed", got.Status)
	}
	if got.ApprovedAt == nil || got.ExecutedAt == nil {
		t.Errorf("ApprovedAt/ExecutedAt not recorded: %v %v", got.ApprovedAt, got.ExecutedAt)
	}
}

func TestUpdateActionPayloadPendingOnly(t *testing.T) {
	s := NewMemoryStore()
	a := models.PendingAction{
		ID:         "act-2",
		ActionType: models.ActionSettingsUpdate,
		Payload:    json.RawMessage(`{"fields":{"tone":"formal"}}`),
		Status:     models.ActionPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.AddAction(a); err != nil {
		t.Fatalf("AddAction() error = %v", err)
	}
	if err := s.UpdateActionPayload("act-2", "new summary", json.RawMessage(`{"fields":{"tone":"casual"}}`)); err != nil {
		t.Fatalf("UpdateActionPayload() error = %v", err)
	}
	if err := s.TransitionAction("act-2", models.ActionPending, models.ActionRejected, "", nil); err != nil {
		t.Fatalf("pending->rejected error = %v", err)
	}
	err := s.UpdateActionPayload("act-2", "", json.RawMessage(`{}`))
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("UpdateActionPayload() after reject error = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkFollowupClaimsOnce(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, _, _ := s.GetOrCreateConversation("user-5", now)

	task := models.FollowupTask{
		ID:             "fu-1",
		ConversationID: conv.ID,
		ScheduledFor:   now.Add(-time.Minute),
		Status:         models.FollowupScheduled,
		CreatedAt:      now,
	}
	if err := s.AddFollowup(task); err != nil {
		t.Fatalf("AddFollowup() error = %v", err)
	}

	due, err := s.DueFollowups(now, 10)
	if err != nil {
		t.Fatalf("DueFollowups() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1", len(due))
	}

	sentAt := now
	ok, err := s.MarkFollowup("fu-1", models.FollowupScheduled, models.FollowupSent, "", &sentAt)
	if err != nil || !ok {
		t.Fatalf("MarkFollowup() = %v, %v; want claim", ok, err)
	}
	// A concurrent sweeper claiming the same task must lose.
	ok, err = s.MarkFollowup("fu-1", models.FollowupScheduled, models.FollowupSent, "", &sentAt)
	if err != nil {
		t.Fatalf("MarkFollowup() error = %v", err)
	}
	if ok {
		t.Errorf("second claim should fail")
	}
}

func TestCancelScheduledFollowups(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conv, _, _ := s.GetOrCreateConversation("user-6", now)

	for i, id := range []string{"fu-a", "fu-b"} {
		task := models.FollowupTask{
			ID:             id,
			ConversationID: conv.ID,
			ScheduledFor:   now.Add(time.Duration(i+1) * time.Hour),
			Status:         models.FollowupScheduled,
			CreatedAt:      now,
		}
		if err := s.AddFollowup(task); err != nil {
			t.Fatalf("AddFollowup() error = %v", err)
		}
	}

	n, err := s.CancelScheduledFollowups(conv.ID, "user replied")
	if err != nil {
		t.Fatalf("CancelScheduledFollowups() error = %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}

	has, err := s.HasOutstandingFollowup(conv.ID)
	if err != nil {
		t.Fatalf("HasOutstandingFollowup() error = %v", err)
	}
	if has {
		t.Errorf("no outstanding followup expected after cancel")
	}
}

func TestPolicyDedupeAndReset(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	item := models.PolicyMemoryItem{
		Text:      "no discounts on new arrivals",
		Priority:  models.PriorityHigh,
		Kind:      models.PolicyRule,
		CreatedAt: now,
	}

	added, err := s.AddPolicyItem(item, "key-1")
	if err != nil || !added {
		t.Fatalf("AddPolicyItem() = %v, %v; want added", added, err)
	}
	added, err = s.AddPolicyItem(item, "key-1")
	if err != nil {
		t.Fatalf("AddPolicyItem() error = %v", err)
	}
	if added {
		t.Errorf("duplicate key should not be added")
	}

	if err := s.ResetPolicyItems(); err != nil {
		t.Fatalf("ResetPolicyItems() error = %v", err)
	}
	items, err := s.ListPolicyItems(10)
	if err != nil {
		t.Fatalf("ListPolicyItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d after reset, want 0", len(items))
	}

	// Same key is insertable again after a reset.
	item.CreatedAt = now.Add(time.Second)
	added, err = s.AddPolicyItem(item, "key-1")
	if err != nil || !added {
		t.Errorf("AddPolicyItem() after reset = %v, %v; want added", added, err)
	}
}

func TestRecordEventDedup(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	window := 10 * time.Minute

	dup, err := s.RecordEvent("evt-1", now, window)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if dup {
		t.Errorf("first event should not be a duplicate")
	}

	dup, err = s.RecordEvent("evt-1", now.Add(time.Minute), window)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if !dup {
		t.Errorf("repeat inside window should be a duplicate")
	}

	dup, err = s.RecordEvent("evt-1", now.Add(window+time.Minute), window)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if dup {
		t.Errorf("repeat outside window should not be a duplicate")
	}
}

func TestForgetEventReopensKey(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	window := 10 * time.Minute

	if _, err := s.RecordEvent("evt-1", now, window); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := s.ForgetEvent("evt-1"); err != nil {
		t.Fatalf("ForgetEvent() error = %v", err)
	}

	dup, err := s.RecordEvent("evt-1", now.Add(time.Minute), window)
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if dup {
		t.Errorf("a forgotten key should accept the redelivery")
	}
}
