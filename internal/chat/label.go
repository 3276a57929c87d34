package chat

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// LabelKind classifies the caption of an affordance slot under a response.
type LabelKind int

const (
	LabelNone LabelKind = iota
	LabelSearch
	LabelReasoning
)

func (k LabelKind) String() string {
	switch k {
	case LabelSearch:
		return "search"
	case LabelReasoning:
		return "reasoning"
	default:
		return "none"
	}
}

// Label is a classified slot caption.
type Label struct {
	Kind LabelKind
	// ResultCount is the advertised number of citations (LabelSearch only).
	ResultCount int
	// Seconds is the reasoning duration truncated to whole seconds (LabelReasoning only).
	Seconds int
}

var (
	searchLabelRe    = regexp.MustCompile(`^found (\d+) results`)
	reasoningLabelRe = regexp.MustCompile(`^thought for (\d+(?:\.\d+)?) seconds`)
)

// ClassifyLabel matches a slot caption such as "Found 3 results" or "Thought for 12.5 seconds".
// Matching is case-insensitive and anchored at the start of the caption.
func ClassifyLabel(text string) Label {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))

	if m := searchLabelRe.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return Label{Kind: LabelSearch, ResultCount: n}
		}
	}
	if m := reasoningLabelRe.FindStringSubmatch(normalized); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err == nil && f <= math.MaxInt32 {
			return Label{Kind: LabelReasoning, Seconds: int(f)}
		}
	}
	return Label{Kind: LabelNone}
}
