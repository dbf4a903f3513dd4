package crawler

import "strings"

// formOpenerWhitelist is the text whitelist for form-opening buttons,
// per spec.md §4.4 step 5.
var formOpenerWhitelist = []string{
	"add", "create", "new", "edit", "register", "pay", "book", "reserve",
	"schedule", "apply", "subscribe", "+", "➕",
}

// submissionWhitelist is the submission-button classifier's whitelist,
// per spec.md §4.4's "Submission-button classifier".
var submissionWhitelist = []string{
	"submit", "save", "update", "create", "send", "transfer", "register",
	"pay", "subscribe", "donate",
}

// blacklist is the fixed pre-click skip list, per spec.md §4.4.
var blacklist = []string{
	"upgrade", "logout", "contact", "download", "social", "settings",
	"cancel", "close", "delete", "password", "×", "✓",
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func matchesAny(text string, list []string) bool {
	n := normalize(text)
	for _, candidate := range list {
		if strings.Contains(n, candidate) {
			return true
		}
	}
	return false
}

// IsFormOpener reports whether text matches the form-opening-button
// whitelist and insideTable is false.
func IsFormOpener(text string, insideTable bool) bool {
	if insideTable {
		return false
	}
	return matchesAny(text, formOpenerWhitelist)
}

// IsBlacklisted reports whether text (or a target href host mismatch,
// checked by the caller) should be skipped pre-click.
func IsBlacklisted(text string) bool {
	return matchesAny(text, blacklist)
}

// SubmissionClassifier decides whether buttonText denotes a submission
// button, with an AI fallback for uncertain cases (spec.md §4.4).
type SubmissionClassifier struct {
	// AskAI is invoked only when the text is in neither whitelist nor
	// blacklist; nil means "assume not a submission button".
	AskAI func(buttonText string) (bool, error)
}

// Classify implements (a) whitelist (b) not blacklist (c) AI fallback.
func (c SubmissionClassifier) Classify(buttonText string) (bool, error) {
	if IsBlacklisted(buttonText) {
		return false, nil
	}
	if matchesAny(buttonText, submissionWhitelist) {
		return true, nil
	}
	if c.AskAI == nil {
		return false, nil
	}
	return c.AskAI(buttonText)
}
