package dom

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// childPath returns the element-child indices leading from root down to node.
// It reports false when node is not a descendant of root.
func childPath(root, node *html.Node) ([]int, bool) {
	var path []int
	for n := node; n != root; n = n.Parent {
		if n == nil || n.Type != html.ElementNode {
			return nil, false
		}
		index := 0
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode {
				index++
			}
		}
		path = append(path, index)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

// ResolveScript returns a JavaScript expression that evaluates to the live node for o,
// or null when the page no longer has it.
func ResolveScript(o Origin) string {
	return `(function(sel, idx, path) {
	let el = document.querySelectorAll(sel)[idx];
	for (const i of path) {
		if (!el) { return null; }
		el = el.children[i];
	}
	return el || null;
})(` + jsString(o.Selector) + `, ` + jsInt(o.Index) + `, ` + jsInts(o.Path) + `)`
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func jsInt(i int) string { return strconv.Itoa(i) }

func jsInts(v []int) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
