// Package catalog matches shop products against conversation text for
// context assembly.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopdm/dmflow/internal/guardrail"
)

// Product is one catalog entry surfaced into generation context.
type Product struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Price   string   `json:"price,omitempty"`
	PageURL string   `json:"page_url,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	InStock bool     `json:"in_stock"`
}

// Catalog resolves products by id and by free-text relevance.
type Catalog interface {
	Get(id string) (*Product, error)
	Match(query string, limit int) ([]Product, error)
}

// Terms that signal the user is asking about products or prices.
var intentTerms = []string{
	"price", "cost", "buy", "order", "link", "stock", "available",
	"قیمت", "خرید", "سفارش", "لینک", "موجود", "موجودی", "چنده", "بخرم",
}

// HasProductIntent reports whether the message is asking about products,
// prices, or availability.
func HasProductIntent(text string) bool {
	normalized := guardrail.NormalizeText(text)
	if normalized == "" {
		return false
	}
	for _, term := range intentTerms {
		if strings.Contains(normalized, term) {
			return true
		}
	}
	return false
}

// StaticCatalog is an in-memory catalog matched by token overlap between
// the query and each product's title and tags.
type StaticCatalog struct {
	products []Product
}

// NewStaticCatalog creates a catalog over a fixed product list.
func NewStaticCatalog(products []Product) *StaticCatalog {
	return &StaticCatalog{products: products}
}

// Get implements Catalog.
func (c *StaticCatalog) Get(id string) (*Product, error) {
	for i := range c.products {
		if c.products[i].ID == id {
			p := c.products[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("product %s not found", id)
}

// Match implements Catalog. Products are ranked by how many query tokens
// hit their title or tags; zero-hit products are excluded.
func (c *StaticCatalog) Match(query string, limit int) ([]Product, error) {
	queryTokens := guardrail.Tokens(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	type scored struct {
		product Product
		hits    int
	}
	var candidates []scored
	for _, p := range c.products {
		searchable := make(map[string]bool)
		for _, t := range guardrail.Tokens(p.Title) {
			searchable[t] = true
		}
		for _, tag := range p.Tags {
			for _, t := range guardrail.Tokens(tag) {
				searchable[t] = true
			}
		}
		hits := 0
		for _, t := range queryTokens {
			if searchable[t] {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{product: p, hits: hits})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].hits > candidates[j].hits })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Product, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.product)
	}
	return out, nil
}

// FormatForContext renders matched products as a context block, pinned
// product first when present.
func FormatForContext(products []Product, pinnedID string) string {
	if len(products) == 0 {
		return ""
	}
	if pinnedID != "" {
		for i, p := range products {
			if p.ID == pinnedID && i > 0 {
				pinned := products[i]
				products = append([]Product{pinned}, append(append([]Product{}, products[:i]...), products[i+1:]...)...)
				break
			}
		}
	}
	var b strings.Builder
	b.WriteString("Relevant products:\n")
	for _, p := range products {
		fmt.Fprintf(&b, "- %s", p.Title)
		if p.Price != "" {
			fmt.Fprintf(&b, " | price: %s", p.Price)
		}
		if !p.InStock {
			b.WriteString(" | out of stock")
		}
		if p.PageURL != "" {
			fmt.Fprintf(&b, " | %s", p.PageURL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
