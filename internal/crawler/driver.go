// Package crawler implements the Crawl Engine (C4): a DFS exploration
// of a target site via a browser driver, producing deduplicated
// form-page routes with reproducible navigation steps.
package crawler

import (
	"context"

	"github.com/formscout/controlplane/internal/domain"
)

// Clickable is one candidate element surfaced by the driver's DOM scan.
type Clickable struct {
	Text          string
	Selector      string
	FullXPath     string
	YPosition     int
	InsideTable   bool
	OpensDropdown bool
}

// FieldSnapshot is one form-control element's shape, used by the
// field-change detector of spec.md §4.4.
type FieldSnapshot struct {
	FieldID string
	Tag     string
	Type    string
	Hidden  bool
}

// PageSnapshot is what the driver reports about the current page after
// a navigation or click.
type PageSnapshot struct {
	URL              string
	Title            string
	HasFormFields    bool
	SubmissionButton string // selector of the classified submission button, empty if none
	Fields           []FieldSnapshot
	Clickables       []Clickable
	ModalOpen        bool
	DropdownOpen     bool
	NewTabURLs       []string
	SameOrigin       func(url string) bool
}

// Driver is the narrow seam to the real browser, matching the action
// vocabulary of spec.md §6.3. The real implementation wraps
// playwright-go (internal/crawler/playwrightdriver); tests use an
// in-memory fake graph-walking driver.
type Driver interface {
	// Execute runs one Step and reports the outcome, including any
	// alert raised.
	Execute(ctx context.Context, step domain.Step) (domain.StepResult, error)
	// Navigate loads url directly (used to replay a path from scratch).
	Navigate(ctx context.Context, url string) error
	// Snapshot inspects the current page.
	Snapshot(ctx context.Context) (PageSnapshot, error)
	// Screenshot returns a PNG capture of the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// Content returns the current page's DOM as HTML text.
	Content(ctx context.Context) (string, error)
	// CurrentURL returns the active page/tab's URL.
	CurrentURL(ctx context.Context) (string, error)
	// SwitchToNewTab focuses the most recently opened tab.
	SwitchToNewTab(ctx context.Context) error
	// CloseCurrentTab closes the focused tab and restores the main one.
	CloseCurrentTab(ctx context.Context) error
	// Back navigates one step back in history.
	Back(ctx context.Context) error
	// Close releases all browser resources.
	Close(ctx context.Context) error
}
