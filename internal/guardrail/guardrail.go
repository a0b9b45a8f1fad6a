package guardrail

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopdm/dmflow/internal/models"
)

// Corrective directives fed back to the generator on a rewrite attempt.
const (
	genericDirective = "Your previous draft was a generic filler response. Answer the user's actual question with specific, helpful detail."
	loopDirective    = "Your previous draft repeated an earlier reply. Say something new that moves the conversation forward."
	unsafeDirective  = "Your previous draft was not appropriate to send. Provide a polite, on-topic reply."
)

// Engine classifies candidate replies and drives bounded regeneration.
type Engine struct {
	templates    []string
	blockedTerms []string
	threshold    float64
	lookback     int
	maxRewrites  int
	fallback     string
}

// Regenerator produces a fresh candidate in response to a corrective
// directive. The engine calls it at most MaxRewrites times per cycle.
type Regenerator func(ctx context.Context, directive string) (string, error)

// NewEngine builds an engine from the bot configuration.
func NewEngine(cfg models.BotConfig) *Engine {
	templates := cfg.GenericTemplates
	if len(templates) == 0 {
		templates = models.DefaultGenericTemplates()
	}
	return &Engine{
		templates:   templates,
		threshold:   cfg.SimilarityThreshold,
		lookback:    cfg.LoopLookback,
		maxRewrites: cfg.MaxRewrites,
		fallback:    cfg.FallbackReply,
	}
}

// SetBlockedTerms installs admin-configured terms that mark a reply unsafe.
func (e *Engine) SetBlockedTerms(terms []string) {
	e.blockedTerms = nil
	for _, t := range terms {
		if n := NormalizeText(t); n != "" {
			e.blockedTerms = append(e.blockedTerms, n)
		}
	}
}

// Classify labels a candidate against the generic template set and the
// recent assistant replies. recent is ordered newest-first; only the first
// lookback entries are considered.
func (e *Engine) Classify(candidate string, recent []string) (models.Classification, string) {
	normalized := NormalizeText(candidate)
	if normalized == "" {
		return models.ClassGeneric, ""
	}
	for _, term := range e.blockedTerms {
		if strings.Contains(normalized, term) {
			return models.ClassUnsafe, ""
		}
	}
	for _, tmpl := range e.templates {
		if Similarity(candidate, tmpl) >= e.threshold {
			return models.ClassGeneric, tmpl
		}
	}
	lookback := e.lookback
	if lookback > len(recent) {
		lookback = len(recent)
	}
	for _, prior := range recent[:lookback] {
		if IsRepetitive(candidate, prior, e.threshold) {
			return models.ClassLoop, ""
		}
	}
	return models.ClassAccepted, ""
}

// Review evaluates a candidate and, when it is rejected, asks the
// regenerator for up to maxRewrites fresh drafts. When every draft is
// rejected (or regeneration errors) the configured fallback reply wins.
// The returned verdict records the first candidate's classification and
// how the cycle resolved.
func (e *Engine) Review(ctx context.Context, candidate string, recent []string, regen Regenerator) (models.GuardrailVerdict, string) {
	class, matched := e.Classify(candidate, recent)
	verdict := models.GuardrailVerdict{
		Candidate:       candidate,
		Classification:  class,
		FinalAction:     models.FinalAccepted,
		MatchedTemplate: matched,
	}
	if class == models.ClassAccepted {
		return verdict, candidate
	}

	directive := directiveFor(class)
	for attempt := 1; attempt <= e.maxRewrites && regen != nil; attempt++ {
		verdict.RewriteAttempts = attempt
		next, err := regen(ctx, directive)
		if err != nil {
			slog.Warn("Engine.Review: regeneration failed", "attempt", attempt, "error", err)
			break
		}
		nextClass, _ := e.Classify(next, recent)
		slog.Debug("Engine.Review: rewrite evaluated", "attempt", attempt, "classification", nextClass)
		if nextClass == models.ClassAccepted {
			verdict.FinalAction = models.FinalRewritten
			return verdict, next
		}
		directive = directiveFor(nextClass)
	}

	verdict.FinalAction = models.FinalFallback
	slog.Info("Engine.Review: falling back", "classification", class, "rewrites", verdict.RewriteAttempts)
	return verdict, e.fallback
}

func directiveFor(class models.Classification) string {
	switch class {
	case models.ClassLoop:
		return loopDirective
	case models.ClassUnsafe:
		return unsafeDirective
	default:
		return genericDirective
	}
}
