package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
)

const (
	textJoiner      = "\n\n"
	reasoningJoiner = "\n"
)

// extract builds a Response from a completed response element. It returns (nil, nil) when the
// element carries no answer text or when the search panel does not open before the deadline.
func (e *Engine) extract(ctx context.Context, deadline time.Time, el *dom.Element, modes ModeFlags) (*Response, error) {
	blocks := el.Find(e.sel.Backend.MarkdownBlock)
	text, err := e.flattenAll(blocks, textJoiner)
	if err != nil {
		return nil, err
	}
	if text == "" {
		e.logger.Debug("Completed response carried no text.", zap.Stringer("element", el.Origin()))
		return nil, nil
	}
	if strings.EqualFold(text, e.busySentinel) {
		return nil, ErrServerOverloaded
	}

	resp := &Response{Text: text}

	slots, err := affordanceSlots(el, blocks)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		label := ClassifyLabel(slot.Text())

		if label.Kind == LabelSearch && modes.Search {
			e.logger.Debug("Extracting search results.", zap.Int("advertised", label.ResultCount))
			results, ok, err := e.extractSearchResults(ctx, deadline, slot)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			resp.SearchResults = results
		}

		if label.Kind == LabelReasoning && modes.Reasoning {
			e.logger.Debug("Extracting reasoning trace.", zap.Int("seconds", label.Seconds))
			content, err := e.extractReasoning(ctx)
			if err != nil {
				return nil, err
			}
			resp.Reasoning = &Reasoning{DurationSeconds: label.Seconds, Content: content}
		}
	}
	return resp, nil
}

// affordanceSlots returns the optional reasoning and search captions of a response.
//
// Precondition: child 0 of a completed response is the answer block holding every markdown
// block, and children 1 and 2, when present, are the affordance slots. Markup that breaks this
// layout is reported instead of being classified.
//
// This is stricter than reading labels from children 1 and 2 and taking markdown blocks from
// anywhere in the response: a markdown block outside child 0 fails the whole turn with
// ErrMalformedResponse rather than being merged into the answer.
func affordanceSlots(el *dom.Element, blocks []*dom.Element) ([]*dom.Element, error) {
	depth := len(el.Origin().Path)
	for _, b := range blocks {
		if p := b.Origin().Path; len(p) <= depth || p[depth] != 0 {
			return nil, fmt.Errorf("%w: markdown block %s outside the answer block of %s", ErrMalformedResponse, b.Origin(), el.Origin())
		}
	}
	children := el.Children()
	end := len(children)
	if end > 3 {
		end = 3
	}
	return children[1:end], nil
}

// extractSearchResults opens the citation panel behind slot and parses its entries.
// ok is false when the panel did not render before the deadline.
func (e *Engine) extractSearchResults(ctx context.Context, deadline time.Time, slot *dom.Element) ([]SearchResult, bool, error) {
	if err := e.loc.Click(ctx, slot); err != nil {
		return nil, false, fmt.Errorf("failed to open search results: %w", err)
	}

	var panel *dom.Element
	opened, err := e.poll(ctx, deadline, "search_panel", func(ctx context.Context) (bool, error) {
		panels, err := e.loc.FindAll(ctx, e.sel.Backend.SearchResultsPanel)
		if err != nil || len(panels) == 0 {
			return false, err
		}
		panel = panels[len(panels)-1]
		return true, nil
	})
	if err != nil || !opened {
		return nil, false, err
	}

	// The first child is the panel heading, the second holds the entries.
	list, err := panel.Child(1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: results list: %v", ErrMalformedSearchResult, err)
	}
	entries := list.Children()
	results := make([]SearchResult, 0, len(entries))
	for i, entry := range entries {
		r, err := parseSearchEntry(entry)
		if err != nil {
			return nil, false, fmt.Errorf("entry %d: %w", i, err)
		}
		results = append(results, r)
	}
	return results, true, nil
}

// parseSearchEntry reads one citation. Layout:
//
//	entry
//	├── meta: [icon (holds <img>), website, date, index]
//	├── title
//	└── description
func parseSearchEntry(entry *dom.Element) (SearchResult, error) {
	meta, err := entry.Child(0)
	if err != nil {
		return SearchResult{}, malformed("metadata", err)
	}
	icon, err := meta.Child(0)
	if err != nil {
		return SearchResult{}, malformed("icon", err)
	}
	imageURL, err := imageSource(icon)
	if err != nil {
		return SearchResult{}, err
	}

	fields := make([]string, 3)
	for i := range fields {
		c, err := meta.Child(i + 1)
		if err != nil {
			return SearchResult{}, malformed("metadata field", err)
		}
		fields[i] = c.Text()
	}
	index, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return SearchResult{}, malformed("index", err)
	}

	title, err := entry.Child(1)
	if err != nil {
		return SearchResult{}, malformed("title", err)
	}
	description, err := entry.Child(2)
	if err != nil {
		return SearchResult{}, malformed("description", err)
	}

	return SearchResult{
		ImageURL:    imageURL,
		Website:     fields[0],
		Date:        fields[1],
		Index:       index,
		Title:       title.Text(),
		Description: description.Text(),
	}, nil
}

func imageSource(icon *dom.Element) (string, error) {
	img := icon
	if icon.Tag() != "img" {
		imgs := icon.Find("img")
		if len(imgs) == 0 {
			return "", fmt.Errorf("%w: no image under %s", ErrMalformedSearchResult, icon.Origin())
		}
		img = imgs[0]
	}
	src, ok := img.Attr("src")
	if !ok || src == "" {
		return "", fmt.Errorf("%w: image without src under %s", ErrMalformedSearchResult, icon.Origin())
	}
	return src, nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedSearchResult, field, err)
}

// extractReasoning flattens the paragraphs of the most recent reasoning panel. The panel is
// expanded by default, so no click is needed.
func (e *Engine) extractReasoning(ctx context.Context) (string, error) {
	panels, err := e.loc.FindAll(ctx, e.sel.Backend.ReasoningContent)
	if err != nil {
		return "", fmt.Errorf("failed to locate reasoning panel: %w", err)
	}
	if len(panels) == 0 {
		return "", fmt.Errorf("%w: reasoning caption present but no reasoning panel", ErrMalformedResponse)
	}
	panel := panels[len(panels)-1]
	return e.flattenAll(panel.Find(e.sel.Backend.ReasoningParagraphs), reasoningJoiner)
}

// flattenAll renders each element, drops empty renderings and joins the rest.
func (e *Engine) flattenAll(els []*dom.Element, joiner string) (string, error) {
	parts := make([]string, 0, len(els))
	for _, el := range els {
		markup, err := el.OuterHTML()
		if err != nil {
			return "", fmt.Errorf("failed to render %s: %w", el.Origin(), err)
		}
		text, err := e.flat.FlattenToText(markup)
		if err != nil {
			return "", fmt.Errorf("failed to flatten %s: %w", el.Origin(), err)
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, joiner), nil
}
