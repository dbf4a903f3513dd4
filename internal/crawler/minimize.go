package crawler

import (
	"context"

	"github.com/formscout/controlplane/internal/domain"
)

// minimizePath greedily tries dropping each intermediate step and
// re-replaying; dropdown-opener+item pairs are kept together (marked
// during discovery via IsJunction/JunctionInfo), per spec.md §4.4
// "Path minimization".
func (c *Crawler) minimizePath(ctx context.Context, path []domain.Step) []domain.Step {
	if len(path) <= 1 {
		return path
	}
	keep := make([]bool, len(path))
	for i := range keep {
		keep[i] = true
	}
	// Junction pairs: an item step whose JunctionInfo references the
	// preceding step's text must keep that preceding step too.
	protected := make([]bool, len(path))
	for i, step := range path {
		if step.IsJunction && i > 0 {
			protected[i-1] = true
			protected[i] = true
		}
	}

	for i := len(path) - 1; i >= 0; i-- {
		if protected[i] {
			continue
		}
		trial := dropIndex(path, keep, i)
		if c.replayCandidate(ctx, trial) {
			keep[i] = false
		}
	}

	var out []domain.Step
	for i, k := range keep {
		if k {
			out = append(out, path[i])
		}
	}
	return out
}

func dropIndex(path []domain.Step, keep []bool, drop int) []domain.Step {
	var out []domain.Step
	for i, step := range path {
		if i == drop || !keep[i] {
			continue
		}
		out = append(out, step)
	}
	return out
}

// replayCandidate re-navigates from start_url and runs trial, returning
// true if every step succeeds and the page still satisfies the
// form-field-present check (i.e. the dropped step was redundant).
func (c *Crawler) replayCandidate(ctx context.Context, trial []domain.Step) bool {
	if err := c.driver.Navigate(ctx, c.cfg.StartURL); err != nil {
		return false
	}
	for _, step := range trial {
		res, err := c.driver.Execute(ctx, step)
		if err != nil || !res.Success {
			return false
		}
	}
	snap, err := c.driver.Snapshot(ctx)
	if err != nil {
		return false
	}
	return c.pageHasFormFields(snap)
}

const maxVerificationAttempts = 3

// VerifyRoute replays steps up to maxVerificationAttempts times,
// invoking fixFailingStep on a failure, per spec.md §4.4 "Verification".
func (c *Crawler) VerifyRoute(ctx context.Context, steps []domain.Step) (bool, []domain.Step, error) {
	current := steps
	for attempt := 1; attempt <= maxVerificationAttempts; attempt++ {
		if err := c.driver.Navigate(ctx, c.cfg.StartURL); err != nil {
			return false, current, err
		}
		ok, failedIndex := c.replayAll(ctx, current)
		if ok {
			return true, current, nil
		}
		fixed, err := c.fixFailingStep(ctx, current, failedIndex)
		if err != nil {
			continue
		}
		current = fixed
	}
	return false, current, nil
}

func (c *Crawler) replayAll(ctx context.Context, steps []domain.Step) (bool, int) {
	for i, step := range steps {
		res, err := c.driver.Execute(ctx, step)
		if err != nil || !res.Success {
			return false, i
		}
	}
	return true, -1
}

// fixFailingStep re-navigates up to the step before the failure,
// attempts to find the target by text, and regenerates its selector,
// per spec.md §4.4.
func (c *Crawler) fixFailingStep(ctx context.Context, steps []domain.Step, failedIndex int) ([]domain.Step, error) {
	if failedIndex < 0 || failedIndex >= len(steps) {
		return steps, nil
	}
	if err := c.driver.Navigate(ctx, c.cfg.StartURL); err != nil {
		return steps, err
	}
	for i := 0; i < failedIndex; i++ {
		if _, err := c.driver.Execute(ctx, steps[i]); err != nil {
			return steps, err
		}
	}
	snap, err := c.driver.Snapshot(ctx)
	if err != nil {
		return steps, err
	}
	failing := steps[failedIndex]
	for _, cl := range snap.Clickables {
		if cl.Text == failing.Text {
			fixed := make([]domain.Step, len(steps))
			copy(fixed, steps)
			fixed[failedIndex].Selector = cl.Selector
			fixed[failedIndex].FullXPath = cl.FullXPath
			return fixed, nil
		}
	}
	return steps, nil
}
