package crawler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func formField(id string) FieldSnapshot {
	return FieldSnapshot{FieldID: id, Tag: "input", Type: "text"}
}

func TestCrawler_DropdownDiscovery(t *testing.T) {
	nodes := map[string]*FakeNode{
		"root": {
			Snapshot: PageSnapshot{
				Clickables: []Clickable{{Text: "Admin", Selector: "#admin", OpensDropdown: true}},
			},
			Edges: map[string]string{"Admin": "admin-open"},
		},
		"admin-open": {
			Snapshot: PageSnapshot{
				DropdownOpen: true,
				Clickables: []Clickable{
					{Text: "Users", Selector: "#users"},
					{Text: "Roles", Selector: "#roles"},
				},
			},
			Edges: map[string]string{"Users": "users-form", "Roles": "roles-page"},
		},
		"users-form": {
			Snapshot: PageSnapshot{
				HasFormFields:    true,
				SubmissionButton: "#save",
				Fields:           []FieldSnapshot{formField("name")},
			},
			Edges: map[string]string{},
		},
		"roles-page": {
			Snapshot: PageSnapshot{},
			Edges:    map[string]string{},
		},
	}
	driver := NewFakeDriver("root", nodes)
	cr := New(driver, nil, Config{StartURL: "root", BaseURL: "root", MaxDepth: 5}, nil)
	forms, err := cr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, "users-form", forms[0].URL)
	// The dropdown opener (Admin) must be kept paired with the item (Users).
	texts := make([]string, 0, len(forms[0].NavigationSteps))
	for _, s := range forms[0].NavigationSteps {
		texts = append(texts, s.Text)
	}
	require.Equal(t, []string{"Admin", "Users"}, texts)
}

func TestCrawler_PathKeyDedup(t *testing.T) {
	nodes := map[string]*FakeNode{
		"root": {
			Snapshot: PageSnapshot{
				Clickables: []Clickable{
					{Text: "Go", Selector: "#go"},
					{Text: "Back", Selector: "#back"},
				},
			},
			// Both edges return to the same SPA URL ("root") to simulate a
			// cyclic graph where URL never changes.
			Edges: map[string]string{"Go": "root", "Back": "root"},
		},
	}
	driver := NewFakeDriver("root", nodes)
	cr := New(driver, nil, Config{StartURL: "root", BaseURL: "root", MaxDepth: 3}, nil)
	forms, err := cr.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, forms)
	// Every path-key is visited exactly once; explored count should be
	// bounded by depth, not infinite, since "Go" and "Back" each appear
	// once per path before ContainsClickText would skip a repeat.
	require.LessOrEqual(t, cr.explored, 10)
}

func TestCrawler_MaxDepthBound(t *testing.T) {
	nodes := map[string]*FakeNode{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("n%d", i)
		next := fmt.Sprintf("n%d", i+1)
		text := fmt.Sprintf("Next%d", i)
		nodes[name] = &FakeNode{
			Snapshot: PageSnapshot{Clickables: []Clickable{{Text: text, Selector: fmt.Sprintf("#next%d", i)}}},
			Edges:    map[string]string{text: next},
		}
	}
	nodes["n5"] = &FakeNode{Snapshot: PageSnapshot{}, Edges: map[string]string{}}
	driver := NewFakeDriver("n0", nodes)
	cr := New(driver, nil, Config{StartURL: "n0", BaseURL: "n0", MaxDepth: 2}, nil)
	_, err := cr.Run(context.Background())
	require.NoError(t, err)
	for key := range cr.visited {
		// PathKey uses " > " separators; with max depth 2 the deepest
		// visited state has a 2-step path, so at most 1 " > " occurrence
		// (2 texts joined), never more.
		require.LessOrEqual(t, countSep(key), 1)
	}
}

func countSep(s string) int {
	n := 0
	for i := 0; i+3 <= len(s); i++ {
		if s[i:i+3] == " > " {
			n++
		}
	}
	return n
}

func TestCrawler_SafetyCeiling(t *testing.T) {
	// A two-level branching tree: root has 50 distinct children (the
	// per-page candidate cap), each of which has another 50 distinct
	// children, for 2500 reachable states — comfortably over the
	// ceiling, so Run must stop early rather than exhaust the tree.
	nodes := map[string]*FakeNode{}
	nodes["root"] = &FakeNode{Snapshot: PageSnapshot{}, Edges: map[string]string{}}
	var rootClicks []Clickable
	for i := 0; i < 50; i++ {
		branchName := fmt.Sprintf("branch%d", i)
		branchText := fmt.Sprintf("Branch%d", i)
		rootClicks = append(rootClicks, Clickable{Text: branchText, Selector: fmt.Sprintf("#b%d", i)})
		nodes["root"].Edges[branchText] = branchName

		var leafClicks []Clickable
		branch := &FakeNode{Edges: map[string]string{}}
		for j := 0; j < 50; j++ {
			leafName := fmt.Sprintf("leaf%d_%d", i, j)
			leafText := fmt.Sprintf("Leaf%d", j)
			leafClicks = append(leafClicks, Clickable{Text: leafText, Selector: fmt.Sprintf("#l%d_%d", i, j)})
			branch.Edges[leafText] = leafName
			nodes[leafName] = &FakeNode{Snapshot: PageSnapshot{}, Edges: map[string]string{}}
		}
		branch.Snapshot = PageSnapshot{Clickables: leafClicks}
		nodes[branchName] = branch
	}
	nodes["root"].Snapshot.Clickables = rootClicks

	driver := NewFakeDriver("root", nodes)
	cr := New(driver, nil, Config{StartURL: "root", BaseURL: "root", MaxDepth: 20}, nil)
	_, err := cr.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, safetyCeiling, cr.explored)
}

func TestPageHasFormFields_FalseOnMissingSnapshot(t *testing.T) {
	cr := &Crawler{}
	require.False(t, cr.pageHasFormFields(PageSnapshot{Fields: nil}))
}
