package crawler

import (
	"strings"

	"github.com/formscout/controlplane/internal/domain"
)

// CrawlState is one frontier entry. Its identity for deduplication
// purposes is PathKey, not URL, so SPA navigation that doesn't change
// the URL still produces distinct states. Implemented as an explicit
// value type per spec.md §9 ("implement the frontier as an explicit
// stack of value-type CrawlState records; do not rely on closure
// capture").
type CrawlState struct {
	URLAtEntry string
	Path       []domain.Step
	Depth      int
}

// PathKey concatenates the clicked text tokens of Path, separated by
// " > ", per spec.md §4.4.
func (cs CrawlState) PathKey() string {
	texts := make([]string, 0, len(cs.Path))
	for _, step := range cs.Path {
		if step.Text != "" {
			texts = append(texts, step.Text)
		}
	}
	return strings.Join(texts, " > ")
}

// WithStep returns a new CrawlState extending Path by one step, never
// mutating the receiver's slice (value-type semantics).
func (cs CrawlState) WithStep(step domain.Step, text string) CrawlState {
	step.Text = text
	next := make([]domain.Step, len(cs.Path), len(cs.Path)+1)
	copy(next, cs.Path)
	next = append(next, step)
	return CrawlState{URLAtEntry: cs.URLAtEntry, Path: next, Depth: cs.Depth + 1}
}

// ContainsClickText reports whether any step already in the path has
// this exact clicked text, used to skip circular re-enqueueing per
// spec.md §9.
func (cs CrawlState) ContainsClickText(text string) bool {
	for _, step := range cs.Path {
		if step.Text == text {
			return true
		}
	}
	return false
}
