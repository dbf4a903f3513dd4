// Package budget implements the Budget Gate (C1): pre-flight admission
// checks and post-flight usage recording for every AI call in the
// system, with Redis-cached access classification and row-locked
// SQLite counters.
package budget

// OperationType is the per-operation AI usage taxonomy, carried over
// from the original implementation's AIOperationType enum so cost
// reporting can be grouped the same way.
type OperationType string

const (
	OpFormMapperAnalyze        OperationType = "form_mapper_analyze"
	OpFormMapperAlertRecovery  OperationType = "form_mapper_alert_recovery"
	OpFormMapperUIVerify       OperationType = "form_mapper_ui_verify"
	OpFormMapperEndAssign      OperationType = "form_mapper_end_assign"
	OpFormMapperRegenerate     OperationType = "form_mapper_regenerate"
	OpFormMapperFieldAssist    OperationType = "form_mapper_field_assist"
	OpFormMapperJunctionVerify OperationType = "form_mapper_junction_verify"
	OpFormsRunnerErrorAnalyze  OperationType = "forms_runner_error_analyze"
	OpFormPagesAnalyze         OperationType = "form_pages_analyze"
	OpFormPagesButtonCheck     OperationType = "form_pages_button_check"
)

// visionPriced is the set of operations whose call always carries a
// screenshot, billed at Pricing's vision rate instead of its text rate.
var visionPriced = map[OperationType]bool{
	OpFormMapperUIVerify:       true,
	OpFormMapperJunctionVerify: true,
	OpFormPagesButtonCheck:     true,
}

// IsVisionPriced reports whether op should be costed at the vision
// rate rather than the text rate.
func (o OperationType) IsVisionPriced() bool {
	return visionPriced[o]
}
