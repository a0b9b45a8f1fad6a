package guardrail

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopdm/dmflow/internal/models"
)

func testConfig() models.BotConfig {
	cfg := models.DefaultBotConfig()
	cfg.FallbackReply = "همکاران ما به‌زودی پاسخ می‌دهند."
	return cfg
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Hello,   World!  ", "hello world"},
		{"سلام! چطور می‌توانم کمک کنم؟", "سلام چطور می توانم کمک کنم"},
		{"Price: $25.99", "price 25 99"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "the red shoes are in stock", b: "the red shoes are in stock", want: 1},
		{name: "case and punctuation ignored", a: "The red shoes!", b: "the RED shoes", want: 1},
		{name: "disjoint", a: "red shoes", b: "blue hats", want: 0},
		{name: "both empty", a: "", b: "", want: 1},
		{name: "one empty", a: "hello", b: "", want: 0},
		{name: "half overlap", a: "a b c d", b: "c d e f", want: 1.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestIsRepetitiveShortReplyExempt(t *testing.T) {
	if IsRepetitive("باشه", "باشه", 0.9) {
		t.Errorf("short acknowledgement should not count as repetitive")
	}
	long := "کفش قرمز سایز چهل و دو موجود است"
	if !IsRepetitive(long, long, 0.9) {
		t.Errorf("identical long replies should count as repetitive")
	}
}

func TestClassifyGenericTemplate(t *testing.T) {
	e := NewEngine(testConfig())
	class, matched := e.Classify("سلام! چطور می‌توانم به شما کمک کنم", nil)
	if class != models.ClassGeneric {
		t.Fatalf("Classify() = %q, want generic", class)
	}
	if matched == "" {
		t.Errorf("matched template should be reported")
	}
}

func TestClassifyLoop(t *testing.T) {
	e := NewEngine(testConfig())
	prior := "کفش قرمز سایز چهل و دو در انبار موجود است"
	class, _ := e.Classify(prior, []string{prior})
	if class != models.ClassLoop {
		t.Errorf("Classify() = %q, want loop", class)
	}
}

func TestClassifyLookbackBound(t *testing.T) {
	cfg := testConfig()
	cfg.LoopLookback = 2
	e := NewEngine(cfg)
	old := "این پاسخ قدیمی و طولانی درباره موجودی انبار است"
	recent := []string{"پاسخ تازه اول درباره رنگ", "پاسخ تازه دوم درباره سایز", old}
	class, _ := e.Classify(old, recent)
	if class != models.ClassAccepted {
		t.Errorf("Classify() = %q; replies beyond the lookback should not trip the loop check", class)
	}
}

func TestClassifyBlockedTerm(t *testing.T) {
	e := NewEngine(testConfig())
	e.SetBlockedTerms([]string{"Refund Guarantee"})
	class, _ := e.Classify("We offer a refund guarantee on every order placed today", nil)
	if class != models.ClassUnsafe {
		t.Errorf("Classify() = %q, want unsafe", class)
	}
}

func TestReviewAcceptsCleanReply(t *testing.T) {
	e := NewEngine(testConfig())
	reply := "کفش قرمز در سایزهای ۳۸ تا ۴۲ موجود است و قیمت آن ۴۵۰ هزار تومان است"
	verdict, final := e.Review(context.Background(), reply, nil, nil)
	if verdict.FinalAction != models.FinalAccepted || final != reply {
		t.Errorf("Review() = %q (%s), want accepted original", final, verdict.FinalAction)
	}
	if verdict.RewriteAttempts != 0 {
		t.Errorf("RewriteAttempts = %d, want 0", verdict.RewriteAttempts)
	}
}

func TestReviewRewriteSucceeds(t *testing.T) {
	e := NewEngine(testConfig())
	generic := "سلام! چطور می‌توانم به شما کمک کنم"
	good := "بله، این مدل در سایز ۴۰ موجود است و فردا ارسال می‌شود"

	calls := 0
	regen := func(ctx context.Context, directive string) (string, error) {
		calls++
		if directive == "" {
			t.Errorf("regenerator should receive a corrective directive")
		}
		return good, nil
	}

	verdict, final := e.Review(context.Background(), generic, nil, regen)
	if final != good {
		t.Errorf("Review() final = %q, want the rewrite", final)
	}
	if verdict.FinalAction != models.FinalRewritten || verdict.RewriteAttempts != 1 {
		t.Errorf("verdict = %+v, want rewritten after 1 attempt", verdict)
	}
	if verdict.Classification != models.ClassGeneric {
		t.Errorf("Classification = %q, want generic (the first candidate's label)", verdict.Classification)
	}
	if calls != 1 {
		t.Errorf("regenerator called %d times, want 1", calls)
	}
}

func TestReviewFallsBackAfterMaxRewrites(t *testing.T) {
	cfg := testConfig()
	e := NewEngine(cfg)
	generic := "سلام! چطور می‌توانم به شما کمک کنم"

	calls := 0
	regen := func(ctx context.Context, directive string) (string, error) {
		calls++
		return generic, nil
	}

	verdict, final := e.Review(context.Background(), generic, nil, regen)
	if final != cfg.FallbackReply {
		t.Errorf("Review() final = %q, want fallback %q", final, cfg.FallbackReply)
	}
	if verdict.FinalAction != models.FinalFallback {
		t.Errorf("FinalAction = %q, want fallback", verdict.FinalAction)
	}
	if calls != cfg.MaxRewrites {
		t.Errorf("regenerator called %d times, want %d", calls, cfg.MaxRewrites)
	}
}

func TestReviewFallsBackOnRegenError(t *testing.T) {
	cfg := testConfig()
	e := NewEngine(cfg)
	generic := "سلام! چطور می‌توانم به شما کمک کنم"
	regen := func(ctx context.Context, directive string) (string, error) {
		return "", fmt.Errorf("provider down")
	}
	verdict, final := e.Review(context.Background(), generic, nil, regen)
	if final != cfg.FallbackReply || verdict.FinalAction != models.FinalFallback {
		t.Errorf("Review() = %q (%s), want fallback on regeneration error", final, verdict.FinalAction)
	}
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"**bold** and *italic*", "bold and italic"},
		{"# Heading\ntext", "Heading\ntext"},
		{"see [our shop](https://shop.example) now", "see our shop https://shop.example now"},
		{"`code` stays", "code stays"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := StripMarkdown(tt.in); got != tt.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapLength(t *testing.T) {
	if got := CapLength("short", 10); got != "short" {
		t.Errorf("CapLength() = %q, want unchanged", got)
	}
	long := "this is a reply that goes on for quite a while and must be cut"
	got := CapLength(long, 20)
	if len([]rune(got)) > 20 {
		t.Errorf("CapLength() produced %d runes, want <= 20", len([]rune(got)))
	}
	if got[len(got)-len("…"):] != "…" {
		t.Errorf("CapLength() = %q, want ellipsis suffix", got)
	}
}
