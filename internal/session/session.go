// Package session drives one logged-in chat tab: login, sending and regenerating turns, and
// the small housekeeping operations around them.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
	"github.com/xkilldash9x/deeperseek/internal/chat"
	"github.com/xkilldash9x/deeperseek/internal/config"
	"github.com/xkilldash9x/deeperseek/internal/markup"
	"github.com/xkilldash9x/deeperseek/internal/selectors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrMissingCredentials is returned by New when neither a token nor an email/password pair is set.
	ErrMissingCredentials = errors.New("either a token or both email and password must be provided")
	// ErrInvalidCredentials is returned when every configured login method was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotOpen is returned by turn operations before Open succeeds or after Logout.
	ErrNotOpen = errors.New("session is not open")
	// ErrNoToken is returned by RetrieveToken when the page holds no user token.
	ErrNoToken = errors.New("no user token stored")
	// ErrNothingToRegenerate is returned when the conversation has no response toolbar yet.
	ErrNothingToRegenerate = errors.New("no response to regenerate")
)

const (
	tokenStorageKey = "userToken"

	// An invalid token still renders the chat briefly after a reload.
	tokenSettleDelay = 2 * time.Second
	loginWaitTimeout = 5 * time.Second
	formWaitTimeout  = 10 * time.Second

	keepAliveTimeout = 10 * time.Second
)

// Page is the browser surface a session needs. *browser.Tab satisfies it.
type Page interface {
	chat.Locator
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (*dom.Element, error)
	TypeText(ctx context.Context, el *dom.Element, text string) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, res interface{}) error
	SetLocalStorage(ctx context.Context, key, value string) error
	GetLocalStorage(ctx context.Context, key string) (string, bool, error)
	RemoveLocalStorage(ctx context.Context, key string) error
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for deadlines and settle delays.
func WithClock(c chat.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithFlattener replaces the markdown flattener used for extraction.
func WithFlattener(f chat.Flattener) Option {
	return func(s *Session) { s.flat = f }
}

// SendOptions controls a single SendMessage call.
type SendOptions struct {
	Reasoning bool
	Search    bool
	// Slow types the message one character at a time, paced by the configured slow mode delay.
	Slow bool
	// Timeout is the base wait budget. Zero uses the configured chat timeout.
	Timeout time.Duration
}

// Session is a logged-in chat tab. Operations that touch the page are serialized.
type Session struct {
	id      string
	page    Page
	sel     selectors.Registry
	logger  *zap.Logger
	account config.AccountConfig
	browser config.BrowserConfig
	chatCfg config.ChatConfig

	clock  chat.Clock
	flat   chat.Flattener
	engine *chat.Engine

	// sem admits one page operation at a time.
	sem *semaphore.Weighted

	mu             sync.Mutex
	open           bool
	modes          chat.ModeFlags
	conversationID string

	keepAlive *cron.Cron
}

// New prepares a session on page. It does not touch the page; call Open.
func New(page Page, reg selectors.Registry, cfg config.Interface, logger *zap.Logger, opts ...Option) (*Session, error) {
	account := cfg.Account()
	if !account.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	s := &Session{
		id:             id,
		page:           page,
		sel:            reg,
		logger:         logger.Named("session").With(zap.String("session_id", id)),
		account:        account,
		browser:        cfg.Browser(),
		chatCfg:        cfg.Chat(),
		sem:            semaphore.NewWeighted(1),
		conversationID: cfg.Chat().ConversationID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = chat.SystemClock{}
	}
	if s.flat == nil {
		s.flat = markup.New()
	}
	s.engine = chat.NewEngine(page, s.flat, reg, logger, chat.Config{
		PollInterval: s.chatCfg.PollInterval,
		Clock:        s.clock,
	})
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// ConversationID returns the conversation the tab is on. Empty for a fresh chat.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Modes returns the last known state of the reasoning and search toggles.
func (s *Session) Modes() chat.ModeFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes
}

func (s *Session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// acquire takes the page for one operation. The returned func releases it.
func (s *Session) acquire(ctx context.Context, requireOpen bool) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { s.sem.Release(1) }
	if requireOpen && !s.isOpen() {
		release()
		return nil, ErrNotOpen
	}
	return release, nil
}

// Open navigates to the chat, waits out a Cloudflare interstitial if configured, and logs in.
func (s *Session) Open(ctx context.Context) error {
	release, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()

	target := s.sel.ConversationURL(s.ConversationID())
	s.logger.Debug("Navigating to the chat page.", zap.String("url", target))
	if err := s.page.Navigate(ctx, target); err != nil {
		return fmt.Errorf("failed to open chat page: %w", err)
	}

	if s.browser.AttemptCFBypass {
		s.waitForChallenge(ctx)
	}

	if s.account.Token != "" {
		err = s.loginWithToken(ctx)
	} else {
		err = s.loginClassic(ctx, false)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

type tokenPayload struct {
	Value   string `json:"value"`
	Version string `json:"__version"`
}

func (s *Session) loginWithToken(ctx context.Context) error {
	s.logger.Debug("Logging in using the token.")

	payload, err := json.Marshal(tokenPayload{Value: s.account.Token, Version: "0"})
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.page.SetLocalStorage(ctx, tokenStorageKey, string(payload)); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if err := s.page.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload after storing token: %w", err)
	}
	if err := s.sleep(ctx, tokenSettleDelay); err != nil {
		return err
	}

	if _, err := s.page.WaitForSelector(ctx, s.sel.Interaction.Textbox, loginWaitTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.account.Email == "" || s.account.Password == "" {
			return fmt.Errorf("%w: the token was rejected", ErrInvalidCredentials)
		}
		s.logger.Debug("Token failed, logging in using email and password.")
		return s.loginClassic(ctx, true)
	}

	s.logger.Debug("Token login successful.")
	return nil
}

func (s *Session) loginClassic(ctx context.Context, tokenFailed bool) error {
	s.logger.Debug("Entering the email and password.")

	email, err := s.page.WaitForSelector(ctx, s.sel.Login.EmailInput, formWaitTimeout)
	if err != nil {
		return fmt.Errorf("login form did not appear: %w", err)
	}
	if err := s.page.TypeText(ctx, email, s.account.Email); err != nil {
		return fmt.Errorf("failed to enter email: %w", err)
	}

	password, err := s.page.FindOne(ctx, s.sel.Login.PasswordInput)
	if err != nil {
		return fmt.Errorf("login form has no password field: %w", err)
	}
	if err := s.page.TypeText(ctx, password, s.account.Password); err != nil {
		return fmt.Errorf("failed to enter password: %w", err)
	}

	s.logger.Debug("Checking the confirm checkbox and logging in.")
	if err := s.clickSelector(ctx, s.sel.Login.ConfirmCheckbox); err != nil {
		return fmt.Errorf("failed to confirm terms: %w", err)
	}
	if err := s.clickSelector(ctx, s.sel.Login.LoginButton); err != nil {
		return fmt.Errorf("failed to submit login: %w", err)
	}

	if _, err := s.page.WaitForSelector(ctx, s.sel.Interaction.Textbox, loginWaitTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tokenFailed {
			return fmt.Errorf("%w: both the token and the email/password were rejected", ErrInvalidCredentials)
		}
		return fmt.Errorf("%w: the email or password is incorrect", ErrInvalidCredentials)
	}

	s.logger.Debug("Logged in using email and password.", zap.Bool("token_failed", tokenFailed))
	return nil
}

// SendMessage types text into the composer, aligns the mode toggles, sends, and waits for the
// answer. A nil response with a nil error means the wait budget ran out.
func (s *Session) SendMessage(ctx context.Context, text string, opts SendOptions) (*chat.Response, error) {
	release, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()

	s.logger.Debug("Sending message.", zap.Int("length", len(text)), zap.Bool("reasoning", opts.Reasoning), zap.Bool("search", opts.Search))

	textbox, err := s.page.WaitForSelector(ctx, s.sel.Interaction.Textbox, formWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("composer not found: %w", err)
	}
	if opts.Slow {
		err = s.typeSlowly(ctx, textbox, text)
	} else {
		err = s.page.TypeText(ctx, textbox, text)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to type message: %w", err)
	}

	modes, err := s.alignModes(ctx, chat.ModeFlags{Reasoning: opts.Reasoning, Search: opts.Search})
	if err != nil {
		return nil, err
	}

	if err := s.clickSelector(ctx, s.sel.Interaction.SendButton); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return s.awaitTurn(ctx, opts.Timeout, false, modes)
}

// alignModes clicks each toggle whose state differs from want. The first child of the options
// bar toggles reasoning, the second toggles search.
func (s *Session) alignModes(ctx context.Context, want chat.ModeFlags) (chat.ModeFlags, error) {
	current := s.Modes()
	if current == want {
		return current, nil
	}

	bar, err := s.page.FindOne(ctx, s.sel.Interaction.SendOptionsParent)
	if err != nil {
		return current, fmt.Errorf("mode toggles not found: %w", err)
	}

	toggles := []struct {
		name  string
		index int
		have  *bool
		want  bool
	}{
		{"reasoning", 0, &current.Reasoning, want.Reasoning},
		{"search", 1, &current.Search, want.Search},
	}
	for _, t := range toggles {
		if *t.have == t.want {
			continue
		}
		button, err := bar.Child(t.index)
		if err != nil {
			return current, fmt.Errorf("%s toggle not found: %w", t.name, err)
		}
		if err := s.page.Click(ctx, button); err != nil {
			return current, fmt.Errorf("failed to toggle %s: %w", t.name, err)
		}
		*t.have = t.want

		s.mu.Lock()
		s.modes = current
		s.mu.Unlock()
		s.logger.Debug("Toggled mode.", zap.String("mode", t.name), zap.Bool("enabled", t.want))
	}
	return current, nil
}

// RegenerateResponse asks for a new answer to the last message and waits for it.
func (s *Session) RegenerateResponse(ctx context.Context, timeout time.Duration) (*chat.Response, error) {
	release, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()

	toolbars, err := s.page.FindAll(ctx, s.sel.Interaction.ResponseToolbar)
	if err != nil {
		return nil, fmt.Errorf("failed to find response toolbar: %w", err)
	}
	if len(toolbars) == 0 {
		return nil, ErrNothingToRegenerate
	}
	button, err := toolbars[len(toolbars)-1].Child(1)
	if err != nil {
		return nil, fmt.Errorf("regenerate button not found: %w", err)
	}
	if err := s.page.Click(ctx, button); err != nil {
		return nil, fmt.Errorf("failed to click regenerate: %w", err)
	}

	return s.awaitTurn(ctx, timeout, true, s.Modes())
}

func (s *Session) awaitTurn(ctx context.Context, base time.Duration, regenerate bool, modes chat.ModeFlags) (*chat.Response, error) {
	if base <= 0 {
		base = s.chatCfg.Timeout
	}
	deadline := s.clock.Now().Add(chat.TurnTimeout(base, modes))

	resp, err := s.engine.AwaitTurnResult(ctx, deadline, regenerate, modes, s.ConversationID())
	if err != nil || resp == nil {
		return resp, err
	}

	// A first turn moves a fresh chat onto its own URL.
	s.refreshConversationID(ctx)
	resp.ConversationID = s.ConversationID()
	return resp, nil
}

func (s *Session) refreshConversationID(ctx context.Context) {
	loc, err := s.page.CurrentURL(ctx)
	if err != nil {
		s.logger.Debug("Could not read the page location.", zap.Error(err))
		return
	}
	if id := conversationIDFromURL(loc); id != "" {
		s.mu.Lock()
		s.conversationID = id
		s.mu.Unlock()
	}
}

// conversationIDFromURL extracts {id} from .../a/chat/s/{id}.
func conversationIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "s" {
		return ""
	}
	return parts[len(parts)-1]
}

// ResetChat starts a new conversation.
func (s *Session) ResetChat(ctx context.Context) error {
	release, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if err := s.clickSelector(ctx, s.sel.Interaction.ResetChatButton); err != nil {
		return fmt.Errorf("failed to reset chat: %w", err)
	}
	s.mu.Lock()
	s.conversationID = ""
	s.mu.Unlock()
	s.logger.Debug("Chat reset.")
	return nil
}

// Logout removes the stored token and reloads. The session must be opened again afterwards.
func (s *Session) Logout(ctx context.Context) error {
	release, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	s.logger.Debug("Logging out.")
	if err := s.page.RemoveLocalStorage(ctx, tokenStorageKey); err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	if err := s.page.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload after logout: %w", err)
	}
	return nil
}

// RetrieveToken returns the user token the site stored after login.
func (s *Session) RetrieveToken(ctx context.Context) (string, error) {
	release, err := s.acquire(ctx, true)
	if err != nil {
		return "", err
	}
	defer release()

	raw, ok, err := s.page.GetLocalStorage(ctx, tokenStorageKey)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if !ok {
		return "", ErrNoToken
	}
	var payload tokenPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("stored token is not valid JSON: %w", err)
	}
	if payload.Value == "" {
		return "", ErrNoToken
	}
	return payload.Value, nil
}

func (s *Session) clickSelector(ctx context.Context, selector string) error {
	el, err := s.page.FindOne(ctx, selector)
	if err != nil {
		return err
	}
	return s.page.Click(ctx, el)
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
