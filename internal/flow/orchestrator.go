package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopdm/dmflow/internal/actions"
	"github.com/shopdm/dmflow/internal/catalog"
	"github.com/shopdm/dmflow/internal/genai"
	"github.com/shopdm/dmflow/internal/guardrail"
	"github.com/shopdm/dmflow/internal/ingress"
	"github.com/shopdm/dmflow/internal/messaging"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
	"github.com/shopdm/dmflow/internal/store"
)

// mediaAckReply answers media-only messages without burning a provider call.
const mediaAckReply = "ممنون از پیامتون! لطفاً کمی درباره چیزی که دنبالش هستید توضیح بدید تا دقیق‌تر راهنمایی کنم."

// greetingMenuReply answers a bare first-contact greeting with a menu. The
// numbered lines become quick-reply options in the outbound plan.
const greetingMenuReply = "سلام! خوش اومدید 🌟 چطور می‌تونم کمکتون کنم؟\n1. قیمت و موجودی محصول\n2. پیگیری سفارش\n3. راهنمای سایز\n4. سوال دیگه دارم"

// greetingTokens are the normalized tokens a bare greeting may consist of.
var greetingTokens = map[string]bool{
	"سلام": true, "درود": true, "سلااام": true,
	"hi": true, "hello": true, "hey": true, "salam": true,
	"صبح": true, "بخیر": true, "وقت": true, "شب": true, "ظهر": true,
}

// isPureGreeting reports whether the text contains greeting tokens only.
func isPureGreeting(text string) bool {
	tokens := guardrail.Tokens(text)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !greetingTokens[tok] {
			return false
		}
	}
	return true
}

// Generator is the provider-routing boundary the orchestrator generates
// through. *genai.Router satisfies it.
type Generator interface {
	Generate(ctx context.Context, conversationID string, mode models.ConversationMode, system string, turns []genai.Turn) (*genai.Result, string, error)
}

// Followups is the scheduling boundary for purchase-intent reminders.
type Followups interface {
	OnIntent(conversationID string, now time.Time) (bool, error)
	OnUserMessage(conversationID string) error
}

// CycleResult summarizes how one inbound event was handled.
type CycleResult struct {
	ConversationID    string                  `json:"conversation_id,omitempty"`
	Decision          models.Decision         `json:"decision"`
	Reason            string                  `json:"reason,omitempty"`
	Duplicate         bool                    `json:"duplicate,omitempty"`
	Stale             bool                    `json:"stale,omitempty"`
	Reply             string                  `json:"reply,omitempty"`
	Provider          string                  `json:"provider,omitempty"`
	Verdict           models.GuardrailVerdict `json:"verdict"`
	PolicyStored      bool                    `json:"policy_stored,omitempty"`
	ActionQueued      bool                    `json:"action_queued,omitempty"`
	FollowupScheduled bool                    `json:"followup_scheduled,omitempty"`
}

// Orchestrator runs the full cycle for each admitted inbound event.
type Orchestrator struct {
	store     store.Store
	assembler *Assembler
	generator Generator
	guard     *guardrail.Engine
	sender    messaging.Service
	queue     *actions.Queue
	followups Followups
	policies  *policy.Service
	cfg       models.BotConfig
	now       func() time.Time
}

// NewOrchestrator wires the cycle components together.
func NewOrchestrator(st store.Store, assembler *Assembler, generator Generator, guard *guardrail.Engine,
	sender messaging.Service, queue *actions.Queue, followups Followups, policies *policy.Service,
	cfg models.BotConfig) *Orchestrator {
	return &Orchestrator{
		store:     st,
		assembler: assembler,
		generator: generator,
		guard:     guard,
		sender:    sender,
		queue:     queue,
		followups: followups,
		policies:  policies,
		cfg:       cfg,
		now:       time.Now,
	}
}

// HandleEvent processes one normalized webhook event end to end: dedup,
// persistence, admission, context assembly, generation, guardrail review,
// delivery, action extraction, and follow-up signaling. Errors that the
// design terminalizes into state (provider outages, stale cycles) surface
// in the CycleResult, not as returned errors.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev models.WebhookEvent) (_ *CycleResult, err error) {
	now := o.now().UTC()

	// Read receipts carry no content and trigger nothing.
	if ev.MessageType == models.MessageTypeRead {
		return &CycleResult{Decision: models.DecisionSuppress, Reason: "read receipt"}, nil
	}

	key := ingress.DedupKey(ev)
	dup, err := o.store.RecordEvent(key, ev.Timestamp, o.cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to record dedup event: %w", err)
	}
	if dup {
		slog.Debug("Orchestrator.HandleEvent: duplicate delivery absorbed", "sender_id", ev.SenderID)
		return &CycleResult{Decision: models.DecisionSuppress, Reason: "duplicate delivery", Duplicate: true}, nil
	}

	// A failed cycle answers 500 and the platform redelivers. If the
	// inbound message never made it into the store, the dedup record must
	// not outlive the cycle, or the redelivery gets absorbed and the
	// message is lost. Once the message is persisted the record stays, so
	// the redelivery cannot insert it twice.
	inboundPersisted := false
	defer func() {
		if err == nil || inboundPersisted {
			return
		}
		if ferr := o.store.ForgetEvent(key); ferr != nil {
			slog.Error("Orchestrator.HandleEvent: dedup rollback failed", "event_key", key, "error", ferr)
		}
	}()

	conv, created, err := o.store.GetOrCreateConversation(ev.SenderID, ev.Timestamp)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Orchestrator.HandleEvent: conversation created", "conversation_id", conv.ID, "participant_id", ev.SenderID)
	}
	result := &CycleResult{ConversationID: conv.ID, Decision: models.DecisionSuppress}

	role := models.RoleUser
	if ev.IsAdmin {
		role = models.RoleAdmin
	}
	if err := o.store.AddMessage(models.Message{
		ConversationID: conv.ID,
		Role:           role,
		Type:           ev.MessageType,
		Text:           ev.Text,
		MediaURL:       ev.MediaURL,
		CreatedAt:      ev.Timestamp,
	}); err != nil {
		return nil, err
	}
	inboundPersisted = true

	// Admin messages are recorded and mined for policy, never replied to.
	if ev.IsAdmin {
		item, stored, err := o.policies.Capture(ev.Text, ev.SenderID, now)
		if err != nil {
			slog.Error("Orchestrator.HandleEvent: policy capture failed", "conversation_id", conv.ID, "error", err)
		}
		result.Reason = "admin message"
		result.PolicyStored = stored && item != nil
		return result, nil
	}

	if err := o.store.TouchUser(conv.ID, ev.Timestamp); err != nil {
		return nil, err
	}
	if err := o.followups.OnUserMessage(conv.ID); err != nil {
		slog.Error("Orchestrator.HandleEvent: followup cancel failed", "conversation_id", conv.ID, "error", err)
	}

	// Reply eligibility is anchored to the newest user message.
	lastUser := ev.Timestamp
	if conv.LastUserMessageAt != nil && conv.LastUserMessageAt.After(lastUser) {
		lastUser = *conv.LastUserMessageAt
	}
	if now.Sub(lastUser) > o.cfg.ReplyWindow {
		result.Reason = "outside reply window"
		return result, nil
	}

	token, err := o.store.BeginCycle(conv.ID, conv.Version)
	if errors.Is(err, models.ErrStaleToken) {
		slog.Info("Orchestrator.HandleEvent: admission lost to a concurrent cycle", "conversation_id", conv.ID)
		result.Reason = "concurrent cycle"
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Decision = models.DecisionGenerate

	mode := conv.Mode
	if !models.IsValidMode(mode) {
		mode = o.cfg.Mode
	}

	// Media-only messages get a canned prompt for detail instead of a
	// provider round trip.
	if !ev.MessageType.IsGenerationInput() || (ev.Text == "" && ev.MediaURL != "") {
		result.Verdict = models.GuardrailVerdict{Candidate: mediaAckReply, Classification: models.ClassAccepted, FinalAction: models.FinalAccepted}
		return o.deliver(ctx, conv, ev, token, mediaAckReply, "", nil, result, now)
	}

	// A bare greeting opening a conversation gets the static menu.
	if created && isPureGreeting(ev.Text) {
		result.Verdict = models.GuardrailVerdict{Candidate: greetingMenuReply, Classification: models.ClassAccepted, FinalAction: models.FinalAccepted}
		return o.deliver(ctx, conv, ev, token, greetingMenuReply, "", nil, result, now)
	}

	bundle, err := o.assembler.Assemble(conv, o.cfg, ev.Text)
	if err != nil {
		return nil, err
	}

	res, provider, err := o.generator.Generate(ctx, conv.ID, mode, bundle.System, bundle.Turns)
	if err != nil {
		// Both providers down: no message, state stays clean for the
		// next inbound event.
		slog.Error("Orchestrator.HandleEvent: generation unavailable", "conversation_id", conv.ID, "error", err)
		result.Decision = models.DecisionSuppress
		result.Reason = "generation unavailable"
		return result, nil
	}

	recent, err := o.store.RecentAssistantTexts(conv.ID, o.cfg.LoopLookback)
	if err != nil {
		return nil, err
	}
	regen := func(ctx context.Context, directive string) (string, error) {
		amended := bundle.System + "\n\n" + directive
		r, p, err := o.generator.Generate(ctx, conv.ID, mode, amended, bundle.Turns)
		if err != nil {
			return "", err
		}
		provider = p
		return r.Text, nil
	}
	verdict, final := o.guard.Review(ctx, res.Text, recent, regen)
	result.Verdict = verdict
	if verdict.FinalAction == models.FinalFallback {
		provider = ""
	}

	return o.deliver(ctx, conv, ev, token, final, provider, bundle.Products, result, now)
}

// deliver performs the externally visible side effects of an admitted
// cycle. The version token is re-checked immediately before the first side
// effect; a stale cycle is discarded silently.
func (o *Orchestrator) deliver(ctx context.Context, conv *models.Conversation, ev models.WebhookEvent,
	token int64, reply, provider string, matched []catalog.Product, result *CycleResult, now time.Time) (*CycleResult, error) {
	current, err := o.store.CurrentVersion(conv.ID)
	if err != nil {
		return nil, err
	}
	if current != token {
		slog.Info("Orchestrator.deliver: discarding stale cycle",
			"conversation_id", conv.ID, "token", token, "current", current)
		result.Stale = true
		result.Reason = "stale cycle"
		return result, nil
	}

	cleaned, action := actions.Extract(reply, conv.ID, now)
	text := guardrail.PostProcess(cleaned, o.cfg.MaxOutputChars)
	if text == "" {
		text = o.cfg.FallbackReply
	}

	if err := o.sender.MarkRead(ctx, ev.SenderID); err != nil {
		slog.Debug("Orchestrator.deliver: read ack failed", "conversation_id", conv.ID, "error", err)
	}

	plan := messaging.PlanOutbound(ev.SenderID, text)
	if err := o.sender.Send(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to deliver reply: %w", err)
	}

	if err := o.store.AddMessage(models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Type:           models.MessageTypeText,
		Text:           plan.PlainText(),
		Provider:       provider,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}
	if err := o.store.TouchBot(conv.ID, now); err != nil {
		return nil, err
	}

	if action != nil {
		if err := o.queue.Enqueue(*action); err != nil {
			slog.Error("Orchestrator.deliver: failed to enqueue action", "conversation_id", conv.ID, "error", err)
		} else {
			result.ActionQueued = true
		}
	}

	// A reminder is only worth sending when the question was about
	// products we could actually resolve; bare price chatter with no
	// catalog hit stays reminder-free.
	if len(matched) > 0 && catalog.HasProductIntent(ev.Text) {
		scheduled, err := o.followups.OnIntent(conv.ID, now)
		if err != nil {
			slog.Error("Orchestrator.deliver: followup scheduling failed", "conversation_id", conv.ID, "error", err)
		}
		result.FollowupScheduled = scheduled
	}

	result.Reply = text
	result.Provider = provider
	return result, nil
}

// Simulate runs assembly, generation, and guardrail review for a
// participant without sending, persisting, or consuming a cycle token.
// Used by the admin surface to preview what the assistant would say.
func (o *Orchestrator) Simulate(ctx context.Context, participantID, text string) (*CycleResult, error) {
	conv, _, err := o.store.GetOrCreateConversation(participantID, o.now().UTC())
	if err != nil {
		return nil, err
	}
	bundle, err := o.assembler.Assemble(conv, o.cfg, text)
	if err != nil {
		return nil, err
	}
	turns := append(bundle.Turns, genai.Turn{Role: models.RoleUser, Text: text})

	mode := conv.Mode
	if !models.IsValidMode(mode) {
		mode = o.cfg.Mode
	}
	res, provider, err := o.generator.Generate(ctx, conv.ID, mode, bundle.System, turns)
	if err != nil {
		return nil, err
	}
	recent, err := o.store.RecentAssistantTexts(conv.ID, o.cfg.LoopLookback)
	if err != nil {
		return nil, err
	}
	// The preview takes the same bounded-rewrite path as a live cycle so
	// a generic or looping candidate shows the repaired reply, not the
	// fallback.
	regen := func(ctx context.Context, directive string) (string, error) {
		amended := bundle.System + "\n\n" + directive
		r, p, err := o.generator.Generate(ctx, conv.ID, mode, amended, turns)
		if err != nil {
			return "", err
		}
		provider = p
		return r.Text, nil
	}
	verdict, final := o.guard.Review(ctx, res.Text, recent, regen)
	if verdict.FinalAction == models.FinalFallback {
		provider = ""
	}
	return &CycleResult{
		ConversationID: conv.ID,
		Decision:       models.DecisionGenerate,
		Reply:          guardrail.PostProcess(final, o.cfg.MaxOutputChars),
		Provider:       provider,
		Verdict:        verdict,
	}, nil
}
