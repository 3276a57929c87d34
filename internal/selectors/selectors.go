// Package selectors holds the table of CSS locators for the DeepSeek chat UI.
//
// The site ships hashed class names that change with every redesign, so the wait and
// extraction logic never hard-codes markup. Adapting to a new UI version means building a
// different Registry value (usually by loading an override file with Load).
package selectors

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSelector is returned when a logical name is not part of the registry.
// It signals a programming error rather than a page condition.
var ErrUnknownSelector = errors.New("unknown selector")

// Category names used by Lookup.
const (
	CategoryLogin       = "login"
	CategoryInteraction = "interaction"
	CategoryBackend     = "backend"
	CategoryURLs        = "urls"
)

// Login locates the email/password form.
type Login struct {
	EmailInput      string `yaml:"email_input"`
	PasswordInput   string `yaml:"password_input"`
	ConfirmCheckbox string `yaml:"confirm_checkbox"`
	LoginButton     string `yaml:"login_button"`
}

// Interaction locates the controls used to drive a turn.
type Interaction struct {
	Textbox           string `yaml:"textbox"`
	SendOptionsParent string `yaml:"send_options_parent"`
	SendButton        string `yaml:"send_button"`
	ReasoningButton   string `yaml:"reasoning_button"`
	SearchButton      string `yaml:"search_button"`
	// ResponseToolbar children are copy, regenerate, like, dislike (in that order).
	ResponseToolbar string `yaml:"response_toolbar"`
	ResetChatButton string `yaml:"reset_chat_button"`
	ChallengeWidget string `yaml:"challenge_widget"`
}

// Backend locates the state the response engine polls and scrapes.
type Backend struct {
	Conversation        string `yaml:"conversation"`
	ResponseGenerating  string `yaml:"response_generating"`
	ResponseGenerated   string `yaml:"response_generated"`
	RegenLoadingIcon    string `yaml:"regen_loading_icon"`
	MarkdownBlock       string `yaml:"markdown_block"`
	SearchResultsPanel  string `yaml:"search_results_panel"`
	ReasoningContent    string `yaml:"reasoning_content"`
	ReasoningParagraphs string `yaml:"reasoning_paragraphs"`
}

// URLs are the pages the session navigates to.
type URLs struct {
	Chat         string `yaml:"chat"`
	Conversation string `yaml:"conversation"`
}

// Registry is the root selector table. Values are immutable once constructed; pass it by value.
type Registry struct {
	Version     string      `yaml:"version"`
	Login       Login       `yaml:"login"`
	Interaction Interaction `yaml:"interaction"`
	Backend     Backend     `yaml:"backend"`
	URLs        URLs        `yaml:"urls"`
}

// Default returns the selector table for the chat UI as last observed.
func Default() Registry {
	return Registry{
		Version: "2025-01",
		Login: Login{
			EmailInput:      `input[type="text"]`,
			PasswordInput:   `input[type="password"]`,
			ConfirmCheckbox: `div[class="ds-checkbox ds-checkbox--none ds-checkbox--bordered"]`,
			LoginButton:     `div[role="button"]`,
		},
		Interaction: Interaction{
			Textbox:           `textarea[class="c92459f0"]`,
			SendOptionsParent: `div[class="ec4f5d61"]`,
			SendButton:        `div[class="f6d670"]`,
			ReasoningButton:   `div[class="d9f56c96"]`,
			SearchButton:      `div[class="ad0c98fd"]`,
			ResponseToolbar:   `div[class="ds-flex abe97156"]`,
			ResetChatButton:   `div[class="e214291b"]`,
			ChallengeWidget:   `iframe[src*="challenges.cloudflare.com"]`,
		},
		Backend: Backend{
			Conversation:        `div[class="dad65929"]`,
			ResponseGenerating:  `div[class="f9bf7997 d7dc56a8"]`,
			ResponseGenerated:   `div[class="f9bf7997 d7dc56a8 c05b5566"]`,
			RegenLoadingIcon:    `div[class="ds-loading b4e4476b"]`,
			MarkdownBlock:       `div.ds-markdown.ds-markdown--block`,
			SearchResultsPanel:  `div[class="fe369d61 f529c936"]`,
			ReasoningContent:    `div[class="e1675d8b"]`,
			ReasoningParagraphs: `p`,
		},
		URLs: URLs{
			Chat:         "https://chat.deepseek.com/",
			Conversation: "https://chat.deepseek.com/a/chat/s/%s",
		},
	}
}

// ConversationURL returns the URL of an existing conversation, or the chat root when id is empty.
func (r Registry) ConversationURL(id string) string {
	if id == "" {
		return r.URLs.Chat
	}
	return fmt.Sprintf(r.URLs.Conversation, id)
}

// Lookup resolves a logical name (the yaml key) within a category.
func (r Registry) Lookup(category, name string) (string, error) {
	var group any
	switch category {
	case CategoryLogin:
		group = r.Login
	case CategoryInteraction:
		group = r.Interaction
	case CategoryBackend:
		group = r.Backend
	case CategoryURLs:
		group = r.URLs
	default:
		return "", fmt.Errorf("%w: category %q", ErrUnknownSelector, category)
	}

	v := reflect.ValueOf(group)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("yaml") == name {
			return v.Field(i).String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s.%s", ErrUnknownSelector, category, name)
}

// MustLookup is Lookup for names known at compile time.
func (r Registry) MustLookup(category, name string) string {
	s, err := r.Lookup(category, name)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports every empty descriptor in the table.
func (r Registry) Validate() error {
	var errs []error
	groups := []struct {
		name  string
		value any
	}{
		{CategoryLogin, r.Login},
		{CategoryInteraction, r.Interaction},
		{CategoryBackend, r.Backend},
		{CategoryURLs, r.URLs},
	}
	for _, g := range groups {
		v := reflect.ValueOf(g.value)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if v.Field(i).String() == "" {
				errs = append(errs, fmt.Errorf("selector %s.%s is empty", g.name, t.Field(i).Tag.Get("yaml")))
			}
		}
	}
	return errors.Join(errs...)
}

// Load reads a YAML override file on top of Default. Keys absent from the file keep their
// default value. An empty path returns the defaults.
func Load(path string) (Registry, error) {
	reg := Default()
	if path == "" {
		return reg, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return Registry{}, fmt.Errorf("failed to expand selector file path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return Registry{}, fmt.Errorf("failed to read selector file: %w", err)
	}
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("failed to parse selector file %q: %w", expanded, err)
	}
	if err := reg.Validate(); err != nil {
		return Registry{}, fmt.Errorf("invalid selector file %q: %w", expanded, err)
	}
	return reg, nil
}
