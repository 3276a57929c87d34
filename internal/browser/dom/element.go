// Package dom provides immutable snapshots of live page elements.
//
// The chat UI re-renders its response list while a turn streams, so node handles held across
// polls go stale. An Element is therefore a parsed copy of an element's outerHTML together with
// the coordinates needed to find the same node again in the live page (see Origin).
package dom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNotFound is returned when no element matches a selector.
	ErrNotFound = errors.New("element not found")
	// ErrNoSuchChild is returned when a positional child does not exist.
	ErrNoSuchChild = errors.New("no such child element")
)

// Origin locates an element in the live page: the Index-th match of Selector, then a walk
// down element children by position.
type Origin struct {
	Selector string
	Index    int
	Path     []int
}

// String renders the origin for logs.
func (o Origin) String() string {
	if len(o.Path) == 0 {
		return fmt.Sprintf("%s[%d]", o.Selector, o.Index)
	}
	parts := make([]string, len(o.Path))
	for i, p := range o.Path {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("%s[%d]>%s", o.Selector, o.Index, strings.Join(parts, ">"))
}

func (o Origin) child(rel ...int) Origin {
	path := make([]int, 0, len(o.Path)+len(rel))
	path = append(path, o.Path...)
	path = append(path, rel...)
	return Origin{Selector: o.Selector, Index: o.Index, Path: path}
}

// Element is a read-only snapshot of one DOM element.
type Element struct {
	origin Origin
	node   *html.Node
}

// Parse builds a snapshot from an element's outerHTML.
func Parse(selector string, index int, outerHTML string) (*Element, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(outerHTML), body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse element markup: %w", err)
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return &Element{origin: Origin{Selector: selector, Index: index}, node: n}, nil
		}
	}
	return nil, fmt.Errorf("%w: markup for %s[%d] holds no element", ErrNotFound, selector, index)
}

// Origin returns the live-page coordinates of the element.
func (e *Element) Origin() Origin { return e.origin }

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return e.node.Data }

// Children returns the element children in document order.
func (e *Element) Children() []*Element {
	var out []*Element
	i := 0
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		out = append(out, &Element{origin: e.origin.child(i), node: c})
		i++
	}
	return out
}

// Child returns the i-th element child.
func (e *Element) Child(i int) (*Element, error) {
	children := e.Children()
	if i < 0 || i >= len(children) {
		return nil, fmt.Errorf("%w: index %d of %d under %s", ErrNoSuchChild, i, len(children), e.origin)
	}
	return children[i], nil
}

// Text returns the text of all descendant text nodes, whitespace-normalised and joined by
// single spaces.
func (e *Element) Text() string {
	var words []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.node)
	return strings.Join(words, " ")
}

// Attr returns the value of an attribute.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// OuterHTML renders the element back to markup.
func (e *Element) OuterHTML() (string, error) {
	return goquery.OuterHtml(goquery.NewDocumentFromNode(e.node).Selection)
}

// Find returns the descendants matching a CSS selector, in document order.
func (e *Element) Find(selector string) []*Element {
	var out []*Element
	goquery.NewDocumentFromNode(e.node).Find(selector).Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		rel, ok := childPath(e.node, n)
		if !ok {
			return
		}
		out = append(out, &Element{origin: e.origin.child(rel...), node: n})
	})
	return out
}

// Has reports whether any descendant matches selector.
func (e *Element) Has(selector string) bool {
	return goquery.NewDocumentFromNode(e.node).Find(selector).Length() > 0
}
