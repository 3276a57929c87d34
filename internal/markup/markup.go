// Package markup renders HTML fragments scraped from the chat UI into plain text.
package markup

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Extractor flattens HTML into normalized text, keeping paragraph structure.
// The zero value is ready to use.
type Extractor struct {
	// ListBullet prefixes list items. Defaults to "* ".
	ListBullet string
}

// New returns an Extractor with default settings.
func New() *Extractor {
	return &Extractor{ListBullet: "* "}
}

// paragraph elements are separated from their neighbours by a blank line.
var paragraphElements = map[string]bool{
	"p": true, "pre": true, "blockquote": true, "ul": true, "ol": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "hr": true,
}

// block elements start on their own line.
var blockElements = map[string]bool{
	"div": true, "section": true, "article": true, "header": true, "footer": true,
	"li": true, "tr": true, "dt": true, "dd": true, "figure": true, "figcaption": true,
	"thead": true, "tbody": true, "main": true, "nav": true,
}

// FlattenToText converts an HTML fragment into text. Inline whitespace is collapsed,
// block elements break lines, paragraph-level elements are separated by one blank line
// and <pre> content is kept verbatim.
func (e *Extractor) FlattenToText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("failed to parse markup: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	bullet := e.ListBullet
	if bullet == "" {
		bullet = "* "
	}
	r := &renderer{bullet: bullet}
	for _, n := range doc.Find("body").Nodes {
		r.walk(n)
	}
	return r.String(), nil
}

type renderer struct {
	bullet     string
	lines      []outLine
	line       strings.Builder
	spacePend  bool
	bulletPend bool
	preDepth   int
	itemDepth  int
	blankLines bool
}

// outLine is one rendered line. Verbatim lines come from <pre> and survive blank-line
// collapsing.
type outLine struct {
	text     string
	verbatim bool
}

func (r *renderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.text(n.Data)
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			r.walk(c)
		}
		return
	}

	tag := n.Data
	if tag == "br" {
		r.newline(true)
		return
	}
	// A list nested inside an item continues the outer list.
	nestedList := (tag == "ul" || tag == "ol") && r.itemDepth > 0
	paragraph := paragraphElements[tag] && !nestedList
	block := blockElements[tag] || nestedList

	switch {
	case paragraph:
		r.paragraph()
	case block:
		r.newline(false)
	}

	if tag == "li" {
		r.bulletPend = true
		r.itemDepth++
	}
	if tag == "pre" {
		r.preDepth++
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
	if tag == "pre" {
		r.newline(false)
		r.preDepth--
	}
	if tag == "li" {
		r.bulletPend = false
		r.itemDepth--
	}

	switch {
	case paragraph:
		r.paragraph()
	case block:
		r.newline(false)
	}
}

func (r *renderer) text(s string) {
	if r.preDepth > 0 {
		parts := strings.Split(s, "\n")
		for i, p := range parts {
			if i > 0 {
				r.newline(true)
			}
			r.line.WriteString(p)
		}
		return
	}

	if s != "" && isSpace(s[0]) {
		r.spacePend = true
	}
	for _, word := range strings.Fields(s) {
		if r.bulletPend {
			r.line.WriteString(r.bullet)
			r.bulletPend = false
		} else if r.spacePend && r.line.Len() > 0 {
			r.line.WriteByte(' ')
		}
		r.line.WriteString(word)
		r.spacePend = true
	}
	if s != "" && !isSpace(s[len(s)-1]) {
		r.spacePend = false
	}
}

// newline ends the current line. Empty lines are only emitted when force is set.
func (r *renderer) newline(force bool) {
	verbatim := r.preDepth > 0
	line := r.line.String()
	if !verbatim {
		line = strings.TrimRight(line, " \t")
	}
	r.line.Reset()
	r.spacePend = false
	if line == "" && !force {
		return
	}
	if line == "" {
		if len(r.lines) > 0 {
			r.lines = append(r.lines, outLine{verbatim: verbatim})
		}
		return
	}
	if r.blankLines && len(r.lines) > 0 {
		r.lines = append(r.lines, outLine{})
	}
	r.blankLines = false
	r.lines = append(r.lines, outLine{text: line, verbatim: verbatim})
}

// paragraph ends the current line and requests a blank line before the next content.
func (r *renderer) paragraph() {
	r.newline(false)
	r.blankLines = true
}

// String joins the rendered lines. Runs of blank lines outside <pre> collapse into one.
func (r *renderer) String() string {
	r.newline(false)
	result := make([]string, 0, len(r.lines))
	blank := false
	for _, l := range r.lines {
		if !l.verbatim && strings.TrimSpace(l.text) == "" {
			blank = true
			continue
		}
		if blank && len(result) > 0 {
			result = append(result, "")
		}
		blank = false
		result = append(result, l.text)
	}
	for len(result) > 0 && strings.TrimSpace(result[len(result)-1]) == "" {
		result = result[:len(result)-1]
	}
	return strings.Join(result, "\n")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}
