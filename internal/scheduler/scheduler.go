// Package scheduler owns delayed follow-up reminders: creation on purchase
// intent, cancellation on renewed activity, and the periodic delivery sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shopdm/dmflow/internal/messaging"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/store"
)

const (
	// sweepSchedule is the cron expression for the delivery sweep.
	sweepSchedule = "@every 1m"
	// sweepBatchSize bounds how many due tasks one sweep picks up.
	sweepBatchSize = 50
)

// Service manages FollowupTasks end to end.
type Service struct {
	store  store.Store
	sender messaging.Service
	cfg    models.BotConfig
	cron   *cron.Cron
	now    func() time.Time
}

// NewService creates a follow-up service. Start must be called to run the
// background sweep; OnIntent/OnUserMessage work without it.
func NewService(st store.Store, sender messaging.Service, cfg models.BotConfig) *Service {
	return &Service{
		store:  st,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Start launches the periodic sweep.
func (s *Service) Start() error {
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := s.cron.AddFunc(sweepSchedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			slog.Error("Service.Sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule followup sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("Service.Start: followup sweep scheduled", "schedule", sweepSchedule)
	return nil
}

// Stop halts the sweep and waits for a running tick to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// OnIntent schedules a reminder for a purchase-intent conversation. At most
// one outstanding (scheduled or sent) task exists per conversation; the
// second intent signal is a no-op.
func (s *Service) OnIntent(conversationID string, now time.Time) (bool, error) {
	outstanding, err := s.store.HasOutstandingFollowup(conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to check outstanding followups: %w", err)
	}
	if outstanding {
		return false, nil
	}
	task := models.FollowupTask{
		ConversationID: conversationID,
		ScheduledFor:   now.Add(s.cfg.FollowupDelay),
		Status:         models.FollowupScheduled,
		Reason:         "purchase intent",
		Payload:        s.cfg.FollowupMessage,
		CreatedAt:      now,
	}
	if err := s.store.AddFollowup(task); err != nil {
		return false, err
	}
	slog.Info("Service.OnIntent: followup scheduled",
		"conversation_id", conversationID, "scheduled_for", task.ScheduledFor)
	return true, nil
}

// OnUserMessage cancels any scheduled reminder for the conversation: the
// user re-engaged, the nudge is unnecessary.
func (s *Service) OnUserMessage(conversationID string) error {
	n, err := s.store.CancelScheduledFollowups(conversationID, "user replied")
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Debug("Service.OnUserMessage: followups cancelled", "conversation_id", conversationID, "count", n)
	}
	return nil
}

// Sweep delivers due tasks. Each task is claimed with a compare-and-set on
// its status so concurrent sweep workers never double-send. Tasks whose
// conversation has left the reply window are skipped; delivery failures are
// terminalized as failed and not retried.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.DueFollowups(now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to load due followups: %w", err)
	}
	for _, task := range due {
		s.deliver(ctx, task, now)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task models.FollowupTask, now time.Time) {
	conv, err := s.store.GetConversation(task.ConversationID)
	if err != nil {
		slog.Error("Service.deliver: conversation lookup failed", "followup_id", task.ID, "error", err)
		return
	}

	// Proactive sends are only permitted inside the reply window.
	if conv.LastUserMessageAt == nil || now.Sub(*conv.LastUserMessageAt) > s.cfg.ReplyWindow {
		if ok, err := s.store.MarkFollowup(task.ID, models.FollowupScheduled, models.FollowupSkipped, "outside reply window", nil); err != nil {
			slog.Error("Service.deliver: failed to mark skipped", "followup_id", task.ID, "error", err)
		} else if ok {
			slog.Info("Service.deliver: followup skipped", "followup_id", task.ID, "conversation_id", conv.ID)
		}
		return
	}

	// Claim before sending; a false claim means another worker owns it.
	sentAt := now
	claimed, err := s.store.MarkFollowup(task.ID, models.FollowupScheduled, models.FollowupSent, "", &sentAt)
	if err != nil {
		slog.Error("Service.deliver: claim failed", "followup_id", task.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	text := task.Payload
	if text == "" {
		text = s.cfg.FollowupMessage
	}
	plan := messaging.PlanOutbound(conv.ParticipantID, text)
	if err := s.sender.Send(ctx, plan); err != nil {
		slog.Error("Service.deliver: delivery failed", "followup_id", task.ID, "conversation_id", conv.ID, "error", err)
		if _, markErr := s.store.MarkFollowup(task.ID, models.FollowupSent, models.FollowupFailed, err.Error(), nil); markErr != nil {
			slog.Error("Service.deliver: failed to mark failed", "followup_id", task.ID, "error", markErr)
		}
		return
	}

	msg := models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Type:           models.MessageTypeText,
		Text:           plan.PlainText(),
		CreatedAt:      now,
	}
	if err := s.store.AddMessage(msg); err != nil {
		slog.Error("Service.deliver: failed to persist followup message", "followup_id", task.ID, "error", err)
	}
	if err := s.store.TouchBot(conv.ID, now); err != nil {
		slog.Error("Service.deliver: failed to touch conversation", "followup_id", task.ID, "error", err)
	}
	slog.Info("Service.deliver: followup sent", "followup_id", task.ID, "conversation_id", conv.ID)
}
