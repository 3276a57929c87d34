package chat

import "time"

// Response is the structured result of one send or regenerate turn.
type Response struct {
	// Text is the answer with markdown flattened to plain text, paragraphs joined by a blank line.
	Text string `json:"text"`
	// ConversationID is the session's conversation at the time of the turn. Empty when unknown.
	ConversationID string `json:"conversation_id,omitempty"`
	// Reasoning is set only when reasoning mode was active and a trace was rendered.
	Reasoning *Reasoning `json:"reasoning,omitempty"`
	// SearchResults is set only when search mode was active and citations were rendered.
	SearchResults []SearchResult `json:"search_results,omitempty"`
}

// Reasoning is the "deep think" trace attached to a response. Duration and content always
// travel together.
type Reasoning struct {
	DurationSeconds int `json:"duration_seconds"`
	// Content holds the trace paragraphs joined by a single newline.
	Content string `json:"content"`
}

// SearchResult is one web citation, in display order.
type SearchResult struct {
	ImageURL    string `json:"image_url"`
	Website     string `json:"website"`
	Date        string `json:"date"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ModeFlags mirrors the state of the reasoning and search toggles in the composer.
type ModeFlags struct {
	Reasoning bool
	Search    bool
}

const (
	// ReasoningSurcharge is added to the wait budget when reasoning mode is on.
	ReasoningSurcharge = 20 * time.Second
	// SearchSurcharge is added to the wait budget when search mode is on.
	SearchSurcharge = 60 * time.Second
)

// TurnTimeout returns the total wait budget for a turn.
func TurnTimeout(base time.Duration, modes ModeFlags) time.Duration {
	timeout := base
	if modes.Reasoning {
		timeout += ReasoningSurcharge
	}
	if modes.Search {
		timeout += SearchSurcharge
	}
	return timeout
}
