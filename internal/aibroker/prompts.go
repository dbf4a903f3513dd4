package aibroker

import (
	"fmt"
	"strings"
)

// selectorRules is the language-neutral prompting contract of spec.md
// §4.2: shared across every step-generating prompt.
const selectorRules = `Selector rules: prefer CSS; XPath is required for modal buttons, ` +
	`and always use contains(@class, 'x') over @class='x'. ` +
	`Never use Playwright/jQuery extensions (:contains, :has-text, :text, >>). ` +
	`Every action step except 'verify' must include a full_xpath fallback, preferring ` +
	`ID-anchored segments over positional indices. Set force_regenerate=true for ` +
	`page-changing clicks (Save, Submit, Next, Edit, View, ...), false otherwise.`

func buildLoginPrompt(dom, credentials, hints string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate login steps. %s\n", selectorRules)
	fmt.Fprintf(&b, "Credentials must appear verbatim in the value field of fill steps: %s\n", credentials)
	if hints != "" {
		fmt.Fprintf(&b, "Hints: %s\n", hints)
	}
	fmt.Fprintf(&b, "DOM:\n%s", dom)
	return b.String()
}

func buildFormStepsPrompt(dom string, testCases []string, criticalFields []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate form-filling steps. %s\n", selectorRules)
	if len(testCases) > 0 {
		fmt.Fprintf(&b, "Test cases to cover: %v\n", testCases)
	}
	if len(criticalFields) > 0 {
		fmt.Fprintf(&b, "Critical-fields checklist (must be addressed this pass): %v\n", criticalFields)
	}
	fmt.Fprintf(&b, "DOM:\n%s", dom)
	return b.String()
}
