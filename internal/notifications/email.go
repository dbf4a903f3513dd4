// Package notifications defines the operator-facing notification
// collaborators named in spec.md §1 as external interfaces — only
// their shapes matter to the core. Carried over from the original's
// email_service.py which alerts on budget exhaustion and trial expiry.
package notifications

import "github.com/formscout/controlplane/internal/logging"

// EmailNotifier is invoked by the Budget Gate on AccessDenied or
// BudgetExceeded. Actual delivery is out of scope (spec.md §1); this
// repo ships only a log-only implementation.
type EmailNotifier interface {
	NotifyBudgetExhausted(companyID string, used, total float64) error
	NotifyTrialExpired(companyID string) error
}

// LogNotifier records notifications to the structured log instead of
// sending mail, the stand-in for the out-of-scope delivery mechanism.
type LogNotifier struct {
	log logging.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.Component("notifications")}
}

func (n *LogNotifier) NotifyBudgetExhausted(companyID string, used, total float64) error {
	n.log.Warn().Str("company_id", companyID).Float64("used", used).Float64("total", total).
		Msg("budget exhausted notification")
	return nil
}

func (n *LogNotifier) NotifyTrialExpired(companyID string) error {
	n.log.Warn().Str("company_id", companyID).Msg("trial expired notification")
	return nil
}
