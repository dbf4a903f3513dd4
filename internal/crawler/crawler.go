package crawler

import (
	"context"
	"fmt"
	"strings"

	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
)

const safetyCeiling = 500

// AIGateway is the subset of the AI Broker's behavior the crawler
// needs, called out here so the crawler package depends on an
// interface rather than internal/aibroker directly (the agent process
// reaches these operations over C3-authenticated HTTP callbacks, per
// spec.md §4.4's "references to C3 endpoints").
type AIGateway interface {
	ExtractFormName(ctx context.Context, pageContext string, existingNames []string) (string, error)
	IsSubmissionButton(ctx context.Context, buttonText string, screenshot []byte) (bool, error)
	GetNavigationClickables(ctx context.Context, screenshot []byte) ([]string, error)
	VerifyJunction(ctx context.Context, before, after []byte, step domain.Step) (domain.JunctionVerdict, error)
}

// DiscoveredForm is one form the crawl found, ready for persistence.
type DiscoveredForm struct {
	FormName        string
	URL             string
	NavigationSteps []domain.Step
	Depth           int
	Method          domain.DiscoveryMethod
}

// Config bounds a single crawl run, per spec.md §4.4's inputs.
type Config struct {
	StartURL    string
	BaseURL     string
	MaxDepth    int
	TargetName  string
	SlowMode    bool
	Credentials map[string]string
}

// Crawler runs the DFS exploration against one Driver.
type Crawler struct {
	driver Driver
	ai     AIGateway
	cfg    Config
	log    logging.Logger

	visited       map[string]bool // path-key -> seen
	globalClicks  map[string]bool // "text|selector" seen anywhere, depth-0 nav set excluded separately
	rootNavText   map[string]bool // global navigation set captured at depth 0
	explored      int
	forms         []DiscoveredForm
	existingNames []string

	cancelCheck func() bool
}

func New(driver Driver, ai AIGateway, cfg Config, cancelCheck func() bool) *Crawler {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 20
	}
	return &Crawler{
		driver:       driver,
		ai:           ai,
		cfg:          cfg,
		log:          logging.Component("crawler"),
		visited:      make(map[string]bool),
		globalClicks: make(map[string]bool),
		rootNavText:  make(map[string]bool),
		cancelCheck:  cancelCheck,
	}
}

// Run performs the DFS exploration and returns every discovered form.
func (c *Crawler) Run(ctx context.Context) ([]DiscoveredForm, error) {
	root := CrawlState{URLAtEntry: c.cfg.StartURL, Depth: 0}
	frontier := []CrawlState{root}

	for len(frontier) > 0 {
		if c.cancelCheck != nil && c.cancelCheck() {
			break
		}
		if c.explored >= safetyCeiling {
			c.log.Warn().Int("ceiling", safetyCeiling).Msg("crawl safety ceiling reached")
			break
		}
		// Pop from the tail: depth-first.
		state := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		key := state.PathKey()
		if c.visited[key] {
			continue
		}
		c.visited[key] = true
		c.explored++

		children, err := c.exploreState(ctx, state)
		if err != nil {
			c.log.Warn().Err(err).Str("path_key", key).Msg("state replay failed, skipping")
			continue
		}
		if state.Depth >= c.cfg.MaxDepth {
			continue // do not enqueue at max_depth+1
		}
		frontier = append(frontier, children...)
	}
	return c.forms, nil
}

// exploreState implements the per-state routine of spec.md §4.4 steps
// 1-6, returning the child states to enqueue.
func (c *Crawler) exploreState(ctx context.Context, state CrawlState) ([]CrawlState, error) {
	if err := c.replay(ctx, state); err != nil {
		return nil, err
	}

	c.manageNewTabs(ctx)

	snap, err := c.driver.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("crawler: snapshot: %w", err)
	}

	if len(state.Path) > 0 && state.Path[len(state.Path)-1].OpensDropdown {
		return c.exploreDropdown(ctx, state, snap)
	}

	if c.pageHasFormFields(snap) {
		c.recordForm(ctx, state, snap, domain.DiscoveryDirectFormPage)
		return nil
	}

	return c.exploreClickables(ctx, state, snap)
}

// replay navigates from start_url and re-executes every step in the
// state's path, per spec.md §4.4 step 1.
func (c *Crawler) replay(ctx context.Context, state CrawlState) error {
	if err := c.driver.Navigate(ctx, c.cfg.StartURL); err != nil {
		return err
	}
	for _, step := range state.Path {
		res, err := c.driver.Execute(ctx, step)
		if err != nil || !res.Success {
			return fmt.Errorf("crawler: replay step %q failed: %v", step.Text, err)
		}
	}
	return nil
}

// manageNewTabs implements spec.md §4.4 step 2.
func (c *Crawler) manageNewTabs(ctx context.Context) {
	snap, err := c.driver.Snapshot(ctx)
	if err != nil {
		return
	}
	for _, tabURL := range snap.NewTabURLs {
		if snap.SameOrigin == nil || !snap.SameOrigin(tabURL) {
			continue
		}
		if err := c.driver.SwitchToNewTab(ctx); err != nil {
			continue
		}
		tabSnap, err := c.driver.Snapshot(ctx)
		if err == nil && c.pageHasFormFields(tabSnap) {
			c.recordFormFromSnapshot(ctx, tabSnap, domain.DiscoveryOpensNewTab, 0, nil)
		} else {
			c.log.Info().Str("tab_url", tabURL).Msg("new tab has no form, closing as dead end")
		}
		_ = c.driver.CloseCurrentTab(ctx)
	}
}

// exploreDropdown implements spec.md §4.4 step 3: each item step is
// marked IsJunction with JunctionInfo naming the triggering step, so
// minimizePath keeps the opener+item pair together.
func (c *Crawler) exploreDropdown(ctx context.Context, state CrawlState, snap PageSnapshot) ([]CrawlState, error) {
	var children []CrawlState
	for _, item := range snap.Clickables {
		if c.shouldSkipClickable(state, item) {
			continue
		}
		step := domain.Step{Action: domain.ActionClick, Selector: item.Selector, FullXPath: item.FullXPath}
		child := state.WithStep(step, item.Text)
		child.Path[len(child.Path)-1].IsJunction = true
		child.Path[len(child.Path)-1].JunctionInfo = &domain.JunctionInfo{TriggerText: lastClickText(state)}
		children = append(children, child)
		c.globalClicks[clickKey(item)] = true
	}
	return children, nil
}

func lastClickText(state CrawlState) string {
	if len(state.Path) == 0 {
		return ""
	}
	return state.Path[len(state.Path)-1].Text
}

// exploreClickables implements spec.md §4.4 steps 5-6: enumerate
// form-opening buttons and generic clickables, then downselect via AI
// vision before committing children.
func (c *Crawler) exploreClickables(ctx context.Context, state CrawlState, snap PageSnapshot) ([]CrawlState, error) {
	if state.Depth == 0 {
		for _, cl := range snap.Clickables {
			c.rootNavText[normalize(cl.Text)] = true
		}
	}

	var candidates []Clickable
	for _, cl := range snap.Clickables {
		if c.shouldSkipClickable(state, cl) {
			continue
		}
		if state.Depth > 0 && c.rootNavText[normalize(cl.Text)] {
			continue
		}
		candidates = append(candidates, cl)
		if len(candidates) >= 50 {
			break
		}
	}

	targets := candidates
	if c.ai != nil && len(candidates) > 0 {
		shot, err := c.driver.Screenshot(ctx)
		if err == nil {
			if names, err := c.ai.GetNavigationClickables(ctx, shot); err == nil && len(names) > 0 {
				targets = filterByNames(candidates, names)
			}
		}
	}

	var children []CrawlState
	for _, cl := range targets {
		c.globalClicks[clickKey(cl)] = true
		isOpener := IsFormOpener(cl.Text, cl.InsideTable)
		step := domain.Step{Action: domain.ActionClick, Selector: cl.Selector, FullXPath: cl.FullXPath,
			ForceRegen: isOpener, OpensDropdown: cl.OpensDropdown}
		beforeURL, _ := c.driver.CurrentURL(ctx)

		child := state.WithStep(step, cl.Text)
		if isOpener {
			res, err := c.driver.Execute(ctx, step)
			if err != nil || !res.Success {
				continue
			}
			afterURL, _ := c.driver.CurrentURL(ctx)
			afterSnap, _ := c.driver.Snapshot(ctx)
			switch {
			case afterURL != beforeURL:
				c.recordFormFromSnapshot(ctx, afterSnap, domain.DiscoveryDefault, child.Depth, child.Path)
			case afterSnap.ModalOpen:
				c.recordFormFromSnapshot(ctx, afterSnap, domain.DiscoveryIsModal, child.Depth, child.Path)
			default:
				children = append(children, child)
			}
			_ = c.driver.Navigate(ctx, c.cfg.StartURL) // restore state for the next candidate
			continue
		}
		children = append(children, child)
	}
	return children, nil
}

func (c *Crawler) shouldSkipClickable(state CrawlState, cl Clickable) bool {
	if IsBlacklisted(cl.Text) {
		return true
	}
	if c.globalClicks[clickKey(cl)] {
		return true
	}
	if state.ContainsClickText(cl.Text) {
		return true
	}
	return false
}

func clickKey(cl Clickable) string {
	return cl.Text + "|" + cl.Selector
}

func filterByNames(candidates []Clickable, names []string) []Clickable {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[normalize(n)] = true
	}
	var out []Clickable
	for _, cl := range candidates {
		if allowed[normalize(cl.Text)] {
			out = append(out, cl)
		}
	}
	if len(out) == 0 {
		return candidates // AI downselect found nothing recognizable; fall back to full set
	}
	return out
}

// pageHasFormFields implements spec.md §4.4's form-field-present check.
// On an internal inability to determine DOM shape, returns false (see
// SPEC_FULL.md §9.2 — a deliberate strict-false redesign).
func (c *Crawler) pageHasFormFields(snap PageSnapshot) bool {
	if snap.Fields == nil {
		return false
	}
	visibleInputs := 0
	for _, f := range snap.Fields {
		if !f.Hidden && (f.Tag == "input" || f.Tag == "select" || f.Tag == "textarea") {
			visibleInputs++
		}
	}
	return visibleInputs > 0 && snap.SubmissionButton != "" && snap.HasFormFields
}

func (c *Crawler) recordForm(ctx context.Context, state CrawlState, snap PageSnapshot, method domain.DiscoveryMethod) {
	c.recordFormFromSnapshot(ctx, snap, method, state.Depth, state.Path)
}

func (c *Crawler) recordFormFromSnapshot(ctx context.Context, snap PageSnapshot, method domain.DiscoveryMethod, depth int, path []domain.Step) {
	name := "Untitled form"
	if c.ai != nil {
		if n, err := c.ai.ExtractFormName(ctx, snap.Title, c.existingNames); err == nil && n != "" {
			name = n
		}
	}
	c.existingNames = append(c.existingNames, name)
	minimized := c.minimizePath(ctx, path)
	c.forms = append(c.forms, DiscoveredForm{
		FormName:        name,
		URL:             normalizeURL(snap.URL),
		NavigationSteps: minimized,
		Depth:           depth,
		Method:          method,
	})
}

func normalizeURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i != -1 {
		return raw[:i]
	}
	return raw
}
