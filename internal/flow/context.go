// Package flow coordinates the full generation cycle: admission, context
// assembly, provider routing, guardrail review, and delivery.
package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shopdm/dmflow/internal/catalog"
	"github.com/shopdm/dmflow/internal/genai"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
	"github.com/shopdm/dmflow/internal/store"
)

// maxCatalogMatches bounds how many products enter the context.
const maxCatalogMatches = 3

// maxPolicyItems bounds how many policy entries are loaded per cycle.
const maxPolicyItems = 30

// PatternSource exposes precomputed user-behavior patterns. They are
// computed externally; the assembler only reads them.
type PatternSource interface {
	TopPatterns(participantID string, limit int) ([]string, error)
}

// NoPatterns is a PatternSource with nothing to say.
type NoPatterns struct{}

// TopPatterns implements PatternSource.
func (NoPatterns) TopPatterns(participantID string, limit int) ([]string, error) { return nil, nil }

// Bundle is the assembled generation context: a system prompt carrying the
// policy/catalog/pattern blocks, plus the conversation turns. Products
// holds the catalog matches for the inbound text even when the catalog
// block was trimmed out of the system prompt.
type Bundle struct {
	System   string
	Turns    []genai.Turn
	Products []catalog.Product
}

// Assembler builds bounded generation context bundles.
type Assembler struct {
	store    store.Store
	policies *policy.Service
	catalog  catalog.Catalog
	patterns PatternSource
}

// NewAssembler creates an assembler. catalog and patterns may be nil when
// those collaborators are not wired.
func NewAssembler(st store.Store, policies *policy.Service, cat catalog.Catalog, patterns PatternSource) *Assembler {
	if patterns == nil {
		patterns = NoPatterns{}
	}
	return &Assembler{store: st, policies: policies, catalog: cat, patterns: patterns}
}

// Assemble produces the context bundle for one generation cycle. The bundle
// is bounded by cfg.ContextCharBudget; when over budget, blocks drop in
// reverse priority order (patterns, then catalog, then policy from normal
// priority up, then history beyond the last two user turns). Identical
// inputs produce identical bundles.
func (a *Assembler) Assemble(conv *models.Conversation, cfg models.BotConfig, inboundText string) (*Bundle, error) {
	history, err := a.store.RecentMessages(conv.ID, cfg.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	turns := historyTurns(history)

	policyItems, err := a.policies.Active(maxPolicyItems)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy memory: %w", err)
	}

	var products []catalog.Product
	if a.catalog != nil && catalog.HasProductIntent(inboundText) {
		products, err = a.catalog.Match(inboundText, maxCatalogMatches)
		if err != nil {
			slog.Warn("Assembler.Assemble: catalog match failed", "conversation_id", conv.ID, "error", err)
			products = nil
		}
		products = a.ensurePinned(conv, products)
	}

	patterns, err := a.patterns.TopPatterns(conv.ParticipantID, 5)
	if err != nil {
		slog.Warn("Assembler.Assemble: pattern lookup failed", "conversation_id", conv.ID, "error", err)
		patterns = nil
	}

	bundle := a.fit(cfg, turns, policyItems, products, patterns, conv.PinnedProductID)
	bundle.Products = products
	return bundle, nil
}

// ensurePinned folds the conversation's pinned product into the match set
// so recommendations stay consistent across turns.
func (a *Assembler) ensurePinned(conv *models.Conversation, products []catalog.Product) []catalog.Product {
	if conv.PinnedProductID == "" {
		return products
	}
	for _, p := range products {
		if p.ID == conv.PinnedProductID {
			return products
		}
	}
	pinned, err := a.catalog.Get(conv.PinnedProductID)
	if err != nil {
		slog.Warn("Assembler.ensurePinned: pinned product missing", "conversation_id", conv.ID, "product_id", conv.PinnedProductID)
		return products
	}
	return append([]catalog.Product{*pinned}, products...)
}

// fit drops blocks until the bundle is inside the character budget.
func (a *Assembler) fit(cfg models.BotConfig, turns []genai.Turn, policyItems []models.PolicyMemoryItem, products []catalog.Product, patterns []string, pinnedID string) *Bundle {
	build := func() *Bundle {
		var sections []string
		if cfg.SystemPrompt != "" {
			sections = append(sections, cfg.SystemPrompt)
		}
		if block := policy.FormatForContext(policyItems); block != "" {
			sections = append(sections, block)
		}
		if block := catalog.FormatForContext(products, pinnedID); block != "" {
			sections = append(sections, block)
		}
		if block := formatPatterns(patterns); block != "" {
			sections = append(sections, block)
		}
		return &Bundle{System: strings.Join(sections, "\n\n"), Turns: turns}
	}

	bundle := build()
	budget := cfg.ContextCharBudget
	if budget <= 0 || bundleSize(bundle) <= budget {
		return bundle
	}

	// Drop order: patterns, catalog, policy (lowest priority last in the
	// sorted slice, so trim from the tail), then old history.
	patterns = nil
	if bundle = build(); bundleSize(bundle) <= budget {
		return bundle
	}
	products = nil
	if bundle = build(); bundleSize(bundle) <= budget {
		return bundle
	}
	for len(policyItems) > 0 {
		policyItems = policyItems[:len(policyItems)-1]
		if bundle = build(); bundleSize(bundle) <= budget {
			return bundle
		}
	}
	for len(turns) > 0 && bundleSize(bundle) > budget {
		trimmed, ok := dropOldestTurn(turns)
		if !ok {
			break
		}
		turns = trimmed
		bundle = build()
	}
	return bundle
}

// historyTurns converts persisted messages into generation turns. Admin
// messages and non-conversational types never become generation input.
func historyTurns(history []models.Message) []genai.Turn {
	turns := make([]genai.Turn, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleAdmin || !m.Type.IsGenerationInput() {
			continue
		}
		text := m.Text
		if text == "" && m.MediaURL != "" {
			text = fmt.Sprintf("[%s: %s]", m.Type, m.MediaURL)
		}
		if text == "" {
			continue
		}
		turns = append(turns, genai.Turn{Role: m.Role, Text: text})
	}
	return turns
}

// dropOldestTurn removes the oldest turn that is not one of the two most
// recent user turns.
func dropOldestTurn(turns []genai.Turn) ([]genai.Turn, bool) {
	protected := make(map[int]bool, 2)
	count := 0
	for i := len(turns) - 1; i >= 0 && count < 2; i-- {
		if turns[i].Role == models.RoleUser {
			protected[i] = true
			count++
		}
	}
	for i := 0; i < len(turns); i++ {
		if !protected[i] {
			return append(append([]genai.Turn{}, turns[:i]...), turns[i+1:]...), true
		}
	}
	return turns, false
}

func formatPatterns(patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known behavior of this user:\n")
	for _, p := range patterns {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bundleSize(b *Bundle) int {
	size := utf8.RuneCountInString(b.System)
	for _, t := range b.Turns {
		size += utf8.RuneCountInString(t.Text)
	}
	return size
}
