// Package policy extracts standing instructions from admin messages and
// formats the active set for generation context.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/store"
)

// Markers an admin prefixes a message with to store it as policy memory.
var markers = []string{
	"#policy",
	"policy:",
	"#سیاست",
	"سیاست:",
	"قانون:",
}

// Keyword sets for priority and kind detection, checked against the
// lowercased policy text.
var (
	criticalTerms = []string{"critical", "never", "هرگز", "ممنوع", "فوری"}
	highTerms     = []string{"important", "must", "always", "مهم", "حتما", "همیشه"}

	eventTerms    = []string{"today", "tomorrow", "this week", "امروز", "فردا", "این هفته"}
	campaignTerms = []string{"campaign", "sale", "discount", "off", "کمپین", "تخفیف", "حراج", "فروش ویژه"}
	ruleTerms     = []string{"never", "always", "must", "do not", "don't", "هرگز", "همیشه", "نباید", "باید"}
)

// Service turns admin policy messages into persisted memory items.
type Service struct {
	repo store.PolicyRepo
}

// NewService creates a policy service backed by the given repository.
func NewService(repo store.PolicyRepo) *Service {
	return &Service{repo: repo}
}

// Detect reports whether an admin message carries a policy marker, and
// returns the instruction text with the marker removed.
func Detect(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, marker := range markers {
		if strings.HasPrefix(lower, marker) {
			body := strings.TrimSpace(trimmed[len(marker):])
			if body == "" {
				return "", false
			}
			return body, true
		}
	}
	return "", false
}

// DetectPriority infers an entry's priority from its wording.
func DetectPriority(text string) models.PolicyPriority {
	lower := strings.ToLower(text)
	if containsAny(lower, criticalTerms) {
		return models.PriorityCritical
	}
	if containsAny(lower, highTerms) {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

// DetectKind infers an entry's kind from its wording. Campaign wording wins
// over event wording since campaigns are usually dated too.
func DetectKind(text string) models.PolicyKind {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, campaignTerms):
		return models.PolicyCampaign
	case containsAny(lower, eventTerms):
		return models.PolicyEvent
	case containsAny(lower, ruleTerms):
		return models.PolicyRule
	default:
		return models.PolicyNote
	}
}

// DedupeKey derives a stable key from the normalized instruction so the
// same policy pasted twice stores once.
func DedupeKey(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Capture stores an admin instruction as a policy memory item. It returns
// the stored item and false when an equivalent entry already exists.
func (s *Service) Capture(text, source string, now time.Time) (*models.PolicyMemoryItem, bool, error) {
	body, ok := Detect(text)
	if !ok {
		return nil, false, nil
	}
	if utf8.RuneCountInString(body) > models.MaxPolicyTextLen {
		body = string([]rune(body)[:models.MaxPolicyTextLen])
	}
	item := models.PolicyMemoryItem{
		Text:      body,
		Priority:  DetectPriority(body),
		Kind:      DetectKind(body),
		Source:    source,
		CreatedAt: now,
	}
	added, err := s.repo.AddPolicyItem(item, DedupeKey(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to capture policy: %w", err)
	}
	if !added {
		slog.Debug("Service.Capture: duplicate policy ignored", "source", source)
		return &item, false, nil
	}
	slog.Info("Service.Capture: policy stored", "priority", item.Priority, "kind", item.Kind, "source", source)
	return &item, true, nil
}

// Active returns the current policy set ordered for context assembly:
// priority descending, then recency, then id as the final tiebreak so the
// ordering is total.
func (s *Service) Active(limit int) ([]models.PolicyMemoryItem, error) {
	items, err := s.repo.ListPolicyItems(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy items: %w", err)
	}
	Sort(items)
	return items, nil
}

// Sort orders items by priority descending, then newest first, then id.
func Sort(items []models.PolicyMemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := models.PriorityScore(items[i].Priority), models.PriorityScore(items[j].Priority)
		if pi != pj {
			return pi > pj
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// FormatForContext renders the policy set as a block for the system prompt.
func FormatForContext(items []models.PolicyMemoryItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Store policies (follow strictly):\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", item.Priority, item.Kind, item.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
