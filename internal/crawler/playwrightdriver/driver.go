// Package playwrightdriver implements crawler.Driver on top of
// playwright-go, the real browser automation the agent runs against a
// customer's site.
package playwrightdriver

import (
	"context"
	"fmt"
	"net/url"

	"github.com/playwright-community/playwright-go"

	"github.com/formscout/controlplane/internal/crawler"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
)

// Driver wraps a single playwright.Page for one crawl run.
type Driver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	ctx     playwright.BrowserContext
	page    playwright.Page

	baseURL  string
	baseHost string
	slowMode bool
	log      logging.Logger
}

// New launches a Chromium instance (headless when headless is true) and
// opens one page.
func New(ctx context.Context, baseURL string, headless, slowMode bool) (*Driver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwrightdriver: starting playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("playwrightdriver: launching chromium: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1440, Height: 900},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("playwrightdriver: new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("playwrightdriver: new page: %w", err)
	}

	host := ""
	if parsed, err := url.Parse(baseURL); err == nil {
		host = parsed.Host
	}

	return &Driver{
		pw: pw, browser: browser, ctx: bctx, page: page,
		baseURL: baseURL, baseHost: host, slowMode: slowMode,
		log: logging.Component("playwrightdriver"),
	}, nil
}

func (d *Driver) Close(_ context.Context) error {
	d.ctx.Close()
	d.browser.Close()
	return d.pw.Stop()
}

func (d *Driver) Navigate(_ context.Context, target string) error {
	_, err := d.page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	})
	if err != nil {
		return fmt.Errorf("playwrightdriver: navigate %s: %w", target, err)
	}
	d.settle()
	return nil
}

// settle mirrors the wait strategy production SPA crawlers use: network
// idle then a short grace period for late-rendering frameworks.
func (d *Driver) settle() {
	_ = d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(10000),
	})
	wait := 800.0
	if d.slowMode {
		wait = 2500.0
	}
	d.page.WaitForTimeout(wait)
}

func (d *Driver) locator(selector, fullXPath string) (playwright.Locator, error) {
	kind, expr := domain.ClassifySelector(selector)
	if kind == domain.SelectorXPath {
		return d.page.Locator("xpath=" + expr), nil
	}
	if selector == "" && fullXPath != "" {
		return d.page.Locator("xpath=" + fullXPath), nil
	}
	return d.page.Locator(expr), nil
}

func (d *Driver) Execute(_ context.Context, step domain.Step) (domain.StepResult, error) {
	loc, err := d.locator(step.Selector, step.FullXPath)
	if err != nil {
		return domain.StepResult{Success: false, Error: err.Error()}, nil
	}

	var dialogText string
	var dialogType string
	sawDialog := false
	handler := func(dlg playwright.Dialog) {
		sawDialog = true
		dialogType = dlg.Type()
		dialogText = dlg.Message()
		dlg.Accept()
	}
	d.page.On("dialog", handler)
	defer d.page.RemoveListener("dialog", handler)

	var execErr error
	switch step.Action {
	case domain.ActionClick:
		execErr = loc.Click()
	case domain.ActionFill:
		execErr = loc.Fill(step.Value)
	case domain.ActionSelect:
		_, execErr = loc.SelectOption(playwright.SelectOptionValues{Values: &[]string{step.Value}})
	case domain.ActionCheck:
		execErr = loc.Check()
	case domain.ActionUncheck:
		execErr = loc.Uncheck()
	case domain.ActionHover:
		execErr = loc.Hover()
	case domain.ActionScroll:
		execErr = loc.ScrollIntoViewIfNeeded()
	case domain.ActionWait:
		d.page.WaitForTimeout(1000)
	case domain.ActionPressKey:
		execErr = loc.Press(step.Value)
	case domain.ActionSwitchToFrame:
		execErr = fmt.Errorf("switch_to_frame not supported by locator-only driver")
	case domain.ActionSwitchToShadow, domain.ActionSwitchToDefault, domain.ActionSwitchToWindow, domain.ActionSwitchToParentWin:
		// Playwright locators pierce shadow DOM and iframes transparently;
		// these are no-ops here.
	case domain.ActionSlider:
		execErr = loc.Fill(step.Value)
	case domain.ActionDragAndDrop:
		execErr = fmt.Errorf("drag_and_drop requires a target selector not carried by step.Value")
	case domain.ActionVerify:
		// verification is handled by the caller inspecting the snapshot.
	case domain.ActionNavigate:
		execErr = d.Navigate(context.Background(), step.Value)
	case domain.ActionRefresh:
		_, execErr = d.page.Reload()
	case domain.ActionCreateFile, domain.ActionUploadFile:
		if step.Value != "" {
			execErr = loc.SetInputFiles([]string{step.Value})
		}
	default:
		execErr = fmt.Errorf("unknown step action %q", step.Action)
	}

	d.settle()

	if sawDialog {
		return domain.StepResult{Success: execErr == nil, AlertPresent: true, AlertType: dialogType, AlertText: dialogText}, nil
	}
	if execErr != nil {
		return domain.StepResult{Success: false, Error: execErr.Error()}, nil
	}
	return domain.StepResult{Success: true}, nil
}

func (d *Driver) CurrentURL(_ context.Context) (string, error) {
	return d.page.URL(), nil
}

func (d *Driver) Content(_ context.Context) (string, error) {
	return d.page.Content()
}

func (d *Driver) Screenshot(_ context.Context) ([]byte, error) {
	return d.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(80),
	})
}

func (d *Driver) Back(_ context.Context) error {
	_, err := d.page.GoBack()
	if err == nil {
		d.settle()
	}
	return err
}

func (d *Driver) SwitchToNewTab(_ context.Context) error {
	pages := d.ctx.Pages()
	if len(pages) == 0 {
		return fmt.Errorf("playwrightdriver: no pages open")
	}
	d.page = pages[len(pages)-1]
	d.settle()
	return nil
}

func (d *Driver) CloseCurrentTab(_ context.Context) error {
	pages := d.ctx.Pages()
	if len(pages) <= 1 {
		return nil
	}
	if err := d.page.Close(); err != nil {
		return err
	}
	remaining := d.ctx.Pages()
	d.page = remaining[len(remaining)-1]
	return nil
}

func (d *Driver) sameOrigin(target string) bool {
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	return parsed.Host == "" || parsed.Host == d.baseHost
}

// Snapshot scans the current page's DOM for form fields and clickable
// candidates, grounded in the teacher's and pack's element-extraction
// conventions (data-test attributes, visible-text clickables).
func (d *Driver) Snapshot(_ context.Context) (crawler.PageSnapshot, error) {
	title, _ := d.page.Title()

	fieldsRaw, err := d.page.Evaluate(fieldsScript)
	if err != nil {
		return crawler.PageSnapshot{}, fmt.Errorf("playwrightdriver: field scan: %w", err)
	}
	fields := parseFields(fieldsRaw)

	clickablesRaw, err := d.page.Evaluate(clickablesScript)
	if err != nil {
		return crawler.PageSnapshot{}, fmt.Errorf("playwrightdriver: clickable scan: %w", err)
	}
	clickables := parseClickables(clickablesRaw)

	submitRaw, _ := d.page.Evaluate(submissionButtonScript)
	submitSel, _ := submitRaw.(string)

	modalRaw, _ := d.page.Evaluate(`() => !!document.querySelector('[role="dialog"], .modal.show, .modal.in')`)
	modalOpen, _ := modalRaw.(bool)

	dropdownRaw, _ := d.page.Evaluate(`() => !!document.querySelector('[aria-expanded="true"] + ul, .dropdown-menu.show, [role="menu"][aria-hidden="false"]')`)
	dropdownOpen, _ := dropdownRaw.(bool)

	hasForms := false
	for _, f := range fields {
		if !f.Hidden {
			hasForms = true
			break
		}
	}

	pages := d.ctx.Pages()
	var newTabs []string
	for _, p := range pages {
		if p != d.page {
			newTabs = append(newTabs, p.URL())
		}
	}

	return crawler.PageSnapshot{
		URL:              d.page.URL(),
		Title:            title,
		HasFormFields:    hasForms,
		SubmissionButton: submitSel,
		Fields:           fields,
		Clickables:       clickables,
		ModalOpen:        modalOpen,
		DropdownOpen:     dropdownOpen,
		NewTabURLs:       newTabs,
		SameOrigin:       d.sameOrigin,
	}, nil
}

var _ crawler.Driver = (*Driver)(nil)
