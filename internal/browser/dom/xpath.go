// browser/dom/xpath.go
package dom

import (
	"fmt"

	"github.com/antchfx/htmlquery"
)

// FindXPath evaluates an XPath expression against the snapshot and returns the matching
// elements within it. Relative expressions (".//a") are evaluated from the element.
func (e *Element) FindXPath(expr string) ([]*Element, error) {
	nodes, err := htmlquery.QueryAll(e.node, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}

	var out []*Element
	for _, n := range nodes {
		rel, ok := childPath(e.node, n)
		if !ok {
			continue
		}
		out = append(out, &Element{origin: e.origin.child(rel...), node: n})
	}
	return out, nil
}

// HasXPath reports whether expr matches anything inside the snapshot.
func (e *Element) HasXPath(expr string) (bool, error) {
	found, err := e.FindXPath(expr)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}
