package crawler

import "fmt"

// DOMNode is the minimal tree shape the selector generators walk. The
// real driver builds this from the live accessibility/DOM tree; the
// fake driver builds it from a hand-authored fixture graph.
type DOMNode struct {
	Tag        string
	ID         string
	Classes    []string
	Attrs      map[string]string
	Index      int // 1-based position among same-tag siblings
	Parent     *DOMNode
	AncestorID string // nearest ancestor ID, if any; uniqueSelector does not read it (it walks Parent)
}

// uniqueSelector builds a full XPath from /html/body/... using
// positional indices unless an ancestor has an ID, in which case that
// ID anchors the path, per spec.md §4.4.
func uniqueSelector(n *DOMNode) string {
	segments := []string{}
	cur := n
	for cur != nil {
		if cur.ID != "" {
			segments = append([]string{fmt.Sprintf("//*[@id='%s']", cur.ID)}, segments...)
			break
		}
		segments = append([]string{fmt.Sprintf("%s[%d]", cur.Tag, indexOrOne(cur.Index))}, segments...)
		cur = cur.Parent
	}
	if len(segments) == 0 {
		return "/html/body"
	}
	if segments[0][:2] == "//" {
		rest := segments[1:]
		path := segments[0]
		for _, s := range rest {
			path += "/" + s
		}
		return path
	}
	return "/html/body/" + joinSegments(segments)
}

func indexOrOne(i int) int {
	if i <= 0 {
		return 1
	}
	return i
}

func joinSegments(segs []string) string {
	out := segs[0]
	for _, s := range segs[1:] {
		out += "/" + s
	}
	return out
}

// cssPreferredSelector prefers ID > data-test* > [name='...'] >
// tag+class combo verified unique, falling back to an `xpath:`-prefixed
// uniqueSelector, per spec.md §4.4.
func cssPreferredSelector(n *DOMNode, isUniqueInDoc func(css string) bool) string {
	if n.ID != "" {
		return "#" + n.ID
	}
	for attr, val := range n.Attrs {
		if len(attr) >= 9 && attr[:9] == "data-test" {
			return fmt.Sprintf("[%s='%s']", attr, val)
		}
	}
	if name, ok := n.Attrs["name"]; ok && name != "" {
		return fmt.Sprintf("[name='%s']", name)
	}
	if len(n.Classes) > 0 {
		css := n.Tag
		for _, c := range n.Classes {
			css += "." + c
		}
		if isUniqueInDoc == nil || isUniqueInDoc(css) {
			return css
		}
	}
	return "xpath:" + uniqueSelector(n)
}
