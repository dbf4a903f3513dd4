// Package aibroker implements the AI Broker (C2): a single façade over
// the AI provider handling retry/backoff, JSON extraction, and
// structured failure classes for every AI operation named in spec.md
// §4.2.
package aibroker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
)

// ModelClient is the narrow seam to the actual AI provider. The real
// implementation is a thin net/http client; tests use a deterministic
// fake.
type ModelClient interface {
	// Complete sends a prompt (plus optional base64 screenshot) and
	// returns the provider's raw text response along with token counts.
	Complete(ctx context.Context, prompt string, screenshot []byte) (text string, inputTokens, outputTokens int64, err error)
}

// UsageSink accumulates token counts for a single call made through a
// context produced by WithUsageSink. Callers that need to attribute
// usage to a specific company/operation (the Budget Gate's caller-side
// RecordUsage contract, spec.md §4.2) read it back after the call
// instead of relying on the broker-wide OnUsage hook.
type UsageSink struct {
	InputTokens  int64
	OutputTokens int64
}

type usageSinkKey struct{}

// WithUsageSink returns a context carrying a fresh UsageSink that
// accumulates the token counts of AI calls made with it.
func WithUsageSink(ctx context.Context) (context.Context, *UsageSink) {
	sink := &UsageSink{}
	return context.WithValue(ctx, usageSinkKey{}, sink), sink
}

// Broker is the AI Broker (C2).
type Broker struct {
	client ModelClient
	log    logging.Logger
	// OnUsage, if the caller sets it, is invoked with the token counts
	// of each successful call so budget recording stays the caller's
	// responsibility, per spec.md §4.2.
	OnUsage func(inputTokens, outputTokens int64)
}

func New(client ModelClient) *Broker {
	return &Broker{client: client, log: logging.Component("aibroker")}
}

const (
	maxAttempts  = 3
	baseBackoff  = 2 * time.Second
)

// call applies the retry/backoff policy and returns the raw response
// text. A nil error with empty text means every attempt failed (per
// spec.md: "last failure returns None upstream... callers treat as
// empty result, never as success").
func (b *Broker) call(ctx context.Context, op string, prompt string, screenshot []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, inTok, outTok, err := b.client.Complete(ctx, prompt, screenshot)
		if err == nil {
			if b.OnUsage != nil {
				b.OnUsage(inTok, outTok)
			}
			if sink, ok := ctx.Value(usageSinkKey{}).(*UsageSink); ok {
				sink.InputTokens += inTok
				sink.OutputTokens += outTok
			}
			return text, nil
		}
		lastErr = err
		b.log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("ai call failed")
		if attempt == maxAttempts {
			break
		}
		wait := backoffWithJitter(attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	b.log.Error().Str("op", op).Err(lastErr).Msg("ai call exhausted retries")
	return "", nil
}

func backoffWithJitter(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt-1))
	jitter := 0.5 - rand.Float64() // +/-50%
	return d + time.Duration(float64(d)*jitter)
}

// GenerateLoginSteps implements spec.md §4.2's login-steps operation.
func (b *Broker) GenerateLoginSteps(ctx context.Context, dom, credentials, hints string, screenshot []byte) (domain.StepsResult, error) {
	prompt := buildLoginPrompt(dom, credentials, hints)
	raw, err := b.call(ctx, "login-steps", prompt, screenshot)
	if err != nil {
		return domain.StepsResult{}, err
	}
	return parseStepsResult(raw)
}

func (b *Broker) GenerateLogoutSteps(ctx context.Context, dom, hints string, screenshot []byte) (domain.StepsResult, error) {
	prompt := fmt.Sprintf("Generate logout steps.\nHints: %s\nDOM:\n%s", hints, dom)
	raw, err := b.call(ctx, "logout-steps", prompt, screenshot)
	if err != nil {
		return domain.StepsResult{}, err
	}
	return parseStepsResult(raw)
}

func (b *Broker) ExtractFormName(ctx context.Context, pageContext string, existingNames []string) (string, error) {
	prompt := fmt.Sprintf("Extract a form name distinct from %v.\nContext:\n%s", existingNames, pageContext)
	raw, err := b.call(ctx, "form-name", prompt, nil)
	if err != nil {
		return "", err
	}
	return trimQuotes(raw), nil
}

func (b *Broker) ExtractParentFields(ctx context.Context, formName, dom string, screenshot []byte) ([]domain.ParentField, error) {
	prompt := fmt.Sprintf("Extract parent fields visible before opening form %q.\nDOM:\n%s", formName, dom)
	raw, err := b.call(ctx, "parent-fields", prompt, screenshot)
	if err != nil {
		return nil, err
	}
	var fields []domain.ParentField
	if err := unmarshalJSONBlock(raw, &fields); err != nil {
		return nil, nil
	}
	return fields, nil
}

func (b *Broker) VerifyUIDefects(ctx context.Context, formName string, screenshot []byte) (string, error) {
	prompt := fmt.Sprintf("Inspect screenshot of form %q for visual defects. Empty string means none.", formName)
	raw, err := b.call(ctx, "ui-defects", prompt, screenshot)
	if err != nil {
		return "", err
	}
	return trimQuotes(raw), nil
}

func (b *Broker) IsSubmissionButton(ctx context.Context, buttonText string, screenshot []byte) (bool, error) {
	prompt := fmt.Sprintf("Is the button with text %q a form-submission button? Answer true or false.", buttonText)
	raw, err := b.call(ctx, "is-submission-button", prompt, screenshot)
	if err != nil {
		return false, err
	}
	return parseBool(raw), nil
}

func (b *Broker) GetNavigationClickables(ctx context.Context, screenshot []byte) ([]string, error) {
	raw, err := b.call(ctx, "navigation-clickables", "Downselect navigation-worthy clickables from this screenshot.", screenshot)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := unmarshalJSONBlock(raw, &out); err != nil {
		return nil, nil
	}
	return out, nil
}

func (b *Broker) GenerateFormSteps(ctx context.Context, dom string, screenshot []byte, testCases []string) (domain.StepsResult, error) {
	prompt := buildFormStepsPrompt(dom, testCases, nil)
	raw, err := b.call(ctx, "generate-form-steps", prompt, screenshot)
	if err != nil {
		return domain.StepsResult{}, err
	}
	return parseStepsResult(raw)
}

func (b *Broker) RegenerateSteps(ctx context.Context, dom string, screenshot []byte, executed []domain.Step, testCases []string, criticalFields []string) (domain.StepsResult, error) {
	prompt := buildFormStepsPrompt(dom, testCases, criticalFields)
	prompt += fmt.Sprintf("\nAlready executed: %d steps.", len(executed))
	raw, err := b.call(ctx, "regenerate-steps", prompt, screenshot)
	if err != nil {
		return domain.StepsResult{}, err
	}
	return parseStepsResult(raw)
}

func (b *Broker) RegenerateVerifySteps(ctx context.Context, dom string, screenshot []byte, expectedValues map[string]string) (domain.StepsResult, error) {
	prompt := fmt.Sprintf("Generate verification steps. Expected field values (never read from post-submit DOM): %v\nDOM:\n%s", expectedValues, dom)
	raw, err := b.call(ctx, "regenerate-verify-steps", prompt, screenshot)
	if err != nil {
		return domain.StepsResult{}, err
	}
	return parseStepsResult(raw)
}

func (b *Broker) AnalyzeError(ctx context.Context, errorInfo string, executed []domain.Step, dom string, screenshot []byte) (domain.ErrorAnalysis, error) {
	prompt := fmt.Sprintf("Analyze error: %s\nExecuted %d steps.\nDOM:\n%s", errorInfo, len(executed), dom)
	raw, err := b.call(ctx, "analyze-error", prompt, screenshot)
	if err != nil {
		return domain.ErrorAnalysis{}, err
	}
	return parseErrorAnalysis(raw)
}

func (b *Broker) AnalyzeValidationErrors(ctx context.Context, executed []domain.Step, dom string, screenshot []byte) (domain.ErrorAnalysis, error) {
	prompt := fmt.Sprintf("Analyze validation alert after %d executed steps.\nDOM:\n%s", len(executed), dom)
	raw, err := b.call(ctx, "analyze-validation-errors", prompt, screenshot)
	if err != nil {
		return domain.ErrorAnalysis{}, err
	}
	return parseErrorAnalysis(raw)
}

func (b *Broker) AnalyzeFailureAndRecover(ctx context.Context, failedStep domain.Step, executed []domain.Step, dom string, screenshot []byte) ([]domain.Step, error) {
	prompt := fmt.Sprintf("Step failed: action=%s selector=%s. %d prior steps executed.\nDOM:\n%s", failedStep.Action, failedStep.Selector, len(executed), dom)
	raw, err := b.call(ctx, "analyze-failure-recover", prompt, screenshot)
	if err != nil {
		return nil, err
	}
	var steps []domain.Step
	if err := unmarshalJSONBlock(raw, &steps); err != nil {
		return nil, nil
	}
	return steps, nil
}

func (b *Broker) VerifyJunction(ctx context.Context, beforeShot, afterShot []byte, step domain.Step) (domain.JunctionVerdict, error) {
	prompt := fmt.Sprintf("Compare before/after screenshots for step selector=%s: did selection reveal a genuinely different field set (junction) or merely cascade a dependent dropdown?", step.Selector)
	raw, err := b.call(ctx, "verify-junction", prompt, afterShot)
	if err != nil {
		return domain.JunctionVerdict{}, err
	}
	if raw == "" {
		// Unable to verify defaults to true (keep the junction), per spec.md §4.5.
		return domain.JunctionVerdict{IsJunction: true, Reason: "unverifiable, defaulting to junction"}, nil
	}
	var v domain.JunctionVerdict
	if err := unmarshalJSONBlock(raw, &v); err != nil {
		return domain.JunctionVerdict{IsJunction: true, Reason: "parse failure, defaulting to junction"}, nil
	}
	return v, nil
}

func trimQuotes(s string) string {
	s = stripFences(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if json.Unmarshal([]byte(s), &unquoted) == nil {
			return unquoted
		}
	}
	return s
}

func parseBool(s string) bool {
	s = stripFences(s)
	return s == "true" || s == "True" || s == "TRUE"
}
