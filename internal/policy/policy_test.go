package policy

import (
	"testing"
	"time"

	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/store"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantBody string
		wantOK   bool
	}{
		{name: "hash marker", in: "#policy no discounts on new arrivals", wantBody: "no discounts on new arrivals", wantOK: true},
		{name: "colon marker", in: "policy: ship within 2 days", wantBody: "ship within 2 days", wantOK: true},
		{name: "persian marker", in: "سیاست: ارسال رایگان بالای ۵۰۰ هزار تومان", wantBody: "ارسال رایگان بالای ۵۰۰ هزار تومان", wantOK: true},
		{name: "case insensitive", in: "Policy: be polite", wantBody: "be polite", wantOK: true},
		{name: "marker only", in: "#policy   ", wantOK: false},
		{name: "plain message", in: "how are sales today?", wantOK: false},
		{name: "marker mid-text", in: "the #policy keyword mid-message", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ok := Detect(tt.in)
			if ok != tt.wantOK || body != tt.wantBody {
				t.Errorf("Detect(%q) = %q, %v; want %q, %v", tt.in, body, ok, tt.wantBody, tt.wantOK)
			}
		})
	}
}

func TestDetectPriority(t *testing.T) {
	tests := []struct {
		in   string
		want models.PolicyPriority
	}{
		{"never promise same-day delivery", models.PriorityCritical},
		{"هرگز قیمت را چانه نزنید", models.PriorityCritical},
		{"important: mention the loyalty program", models.PriorityHigh},
		{"همیشه مودب باشید", models.PriorityHigh},
		{"we restock on mondays", models.PriorityNormal},
	}
	for _, tt := range tests {
		if got := DetectPriority(tt.in); got != tt.want {
			t.Errorf("DetectPriority(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		in   string
		want models.PolicyKind
	}{
		{"summer sale 20% off until friday", models.PolicyCampaign},
		{"کمپین تخفیف تا آخر هفته", models.PolicyCampaign},
		{"store closed tomorrow", models.PolicyEvent},
		{"never share supplier names", models.PolicyRule},
		{"we also have a second branch", models.PolicyNote},
	}
	for _, tt := range tests {
		if got := DetectKind(tt.in); got != tt.want {
			t.Errorf("DetectKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupeKeyNormalizes(t *testing.T) {
	a := DedupeKey("No  Discounts on new arrivals")
	b := DedupeKey("no discounts on new    arrivals")
	if a != b {
		t.Errorf("whitespace and case should not change the dedupe key")
	}
	if a == DedupeKey("no discounts on old arrivals") {
		t.Errorf("different text should change the dedupe key")
	}
}

func TestCaptureStoresOnce(t *testing.T) {
	s := NewService(store.NewMemoryStore())
	now := time.Now().UTC()

	item, added, err := s.Capture("#policy never promise same-day delivery", "admin-1", now)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !added || item == nil {
		t.Fatalf("Capture() = %v, %v; want stored item", item, added)
	}
	if item.Priority != models.PriorityCritical || item.Kind != models.PolicyRule {
		t.Errorf("item = %+v, want critical rule", item)
	}

	_, added, err = s.Capture("#policy never promise same-day delivery", "admin-2", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if added {
		t.Errorf("duplicate policy should not be stored twice")
	}
}

func TestCaptureIgnoresPlainMessages(t *testing.T) {
	s := NewService(store.NewMemoryStore())
	item, added, err := s.Capture("what were yesterday's numbers?", "admin-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if item != nil || added {
		t.Errorf("plain admin chatter should not create a policy item")
	}
}

func TestActiveOrdering(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewService(mem)
	now := time.Now().UTC()

	entries := []models.PolicyMemoryItem{
		{ID: "a", Text: "normal old", Priority: models.PriorityNormal, Kind: models.PolicyNote, CreatedAt: now},
		{ID: "b", Text: "critical entry", Priority: models.PriorityCritical, Kind: models.PolicyRule, CreatedAt: now.Add(time.Second)},
		{ID: "c", Text: "high entry", Priority: models.PriorityHigh, Kind: models.PolicyNote, CreatedAt: now.Add(2 * time.Second)},
		{ID: "d", Text: "normal new", Priority: models.PriorityNormal, Kind: models.PolicyNote, CreatedAt: now.Add(3 * time.Second)},
	}
	for _, e := range entries {
		if _, err := mem.AddPolicyItem(e, ""); err != nil {
			t.Fatalf("AddPolicyItem() error = %v", err)
		}
	}

	items, err := s.Active(10)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	var got []string
	for _, item := range items {
		got = append(got, item.ID)
	}
	want := []string{"b", "c", "d", "a"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order = %v, want %v", got, want)
			break
		}
	}
}

func TestFormatForContext(t *testing.T) {
	if FormatForContext(nil) != "" {
		t.Errorf("empty set should render empty")
	}
	items := []models.PolicyMemoryItem{
		{Text: "no discounts", Priority: models.PriorityCritical, Kind: models.PolicyRule},
	}
	got := FormatForContext(items)
	want := "Store policies (follow strictly):\n- [critical/rule] no discounts"
	if got != want {
		t.Errorf("FormatForContext() = %q, want %q", got, want)
	}
}
