package crawler

import (
	"context"
	"fmt"

	"github.com/formscout/controlplane/internal/domain"
)

// FakeNode is one node of a hand-authored site graph used to drive the
// DFS algorithm in tests without a real browser.
type FakeNode struct {
	URL        string
	Snapshot   PageSnapshot
	// Edges maps a clicked text to the node reached.
	Edges map[string]string
}

// FakeDriver walks a fixed graph of FakeNode, keyed by URL, simulating
// click-driven SPA navigation (most edges keep the same URL, matching
// spec.md's path-key-not-URL dedup rationale).
type FakeDriver struct {
	Nodes   map[string]*FakeNode
	current string
	start   string
}

func NewFakeDriver(start string, nodes map[string]*FakeNode) *FakeDriver {
	return &FakeDriver{Nodes: nodes, current: start, start: start}
}

func (f *FakeDriver) Navigate(_ context.Context, url string) error {
	if _, ok := f.Nodes[url]; !ok {
		return fmt.Errorf("fakedriver: unknown url %q", url)
	}
	f.current = url
	return nil
}

func (f *FakeDriver) Execute(_ context.Context, step domain.Step) (domain.StepResult, error) {
	node := f.Nodes[f.current]
	if node == nil {
		return domain.StepResult{Success: false}, fmt.Errorf("fakedriver: no current node")
	}
	target, ok := node.Edges[step.Text]
	if !ok {
		return domain.StepResult{Success: false, Error: "element_not_found"}, nil
	}
	f.current = target
	return domain.StepResult{Success: true}, nil
}

func (f *FakeDriver) Snapshot(_ context.Context) (PageSnapshot, error) {
	node := f.Nodes[f.current]
	if node == nil {
		return PageSnapshot{}, fmt.Errorf("fakedriver: no current node")
	}
	snap := node.Snapshot
	snap.URL = f.current
	if snap.SameOrigin == nil {
		snap.SameOrigin = func(string) bool { return true }
	}
	return snap, nil
}

func (f *FakeDriver) Screenshot(_ context.Context) ([]byte, error) { return []byte("fake-screenshot"), nil }

func (f *FakeDriver) Content(_ context.Context) (string, error) { return "<html></html>", nil }

func (f *FakeDriver) CurrentURL(_ context.Context) (string, error) { return f.current, nil }

func (f *FakeDriver) SwitchToNewTab(_ context.Context) error { return nil }

func (f *FakeDriver) CloseCurrentTab(_ context.Context) error { return nil }

func (f *FakeDriver) Back(_ context.Context) error { return nil }

func (f *FakeDriver) Close(_ context.Context) error { return nil }
