// File: cmd/runtime.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser"
	"github.com/xkilldash9x/deeperseek/internal/chat"
	"github.com/xkilldash9x/deeperseek/internal/config"
	"github.com/xkilldash9x/deeperseek/internal/selectors"
	"github.com/xkilldash9x/deeperseek/internal/session"
	"github.com/xkilldash9x/deeperseek/internal/store"
)

const shutdownTimeout = 15 * time.Second

// shutdownContext keeps the values of the command context but not its cancellation, so an
// interrupted command still closes the browser cleanly.
func shutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(browser.Detach(ctx), shutdownTimeout)
}

// chatSession is the part of session.Session the commands drive.
type chatSession interface {
	ID() string
	ConversationID() string
	SendMessage(ctx context.Context, text string, opts session.SendOptions) (*chat.Response, error)
	RegenerateResponse(ctx context.Context, timeout time.Duration) (*chat.Response, error)
	ResetChat(ctx context.Context) error
	RetrieveToken(ctx context.Context) (string, error)
}

// transcriptStore is the part of store.Store the commands use.
type transcriptStore interface {
	SaveTurn(ctx context.Context, turn store.Turn) (string, error)
	ListTurns(ctx context.Context, conversationID string, limit int) ([]store.Turn, error)
	ListConversations(ctx context.Context, limit int) ([]store.Conversation, error)
}

// chatComponents holds the initialized services behind a chat command.
type chatComponents struct {
	Session chatSession
	// Store is nil when no database is configured.
	Store transcriptStore

	sess    *session.Session
	manager *browser.Manager
	tab     *browser.Tab
	pool    *pgxpool.Pool
	log     *zap.Logger
}

// Shutdown closes every component that was started, in reverse order. It runs to completion
// even when ctx is already canceled, bounded by shutdownTimeout.
func (c *chatComponents) Shutdown(ctx context.Context) {
	ctx, cancel := shutdownContext(ctx)
	defer cancel()

	if c.sess != nil {
		if err := c.sess.Close(ctx); err != nil {
			c.log.Warn("Error while stopping the session", zap.Error(err))
		}
	}
	if c.tab != nil {
		c.tab.Close()
	}
	if c.manager != nil {
		if err := c.manager.Shutdown(ctx); err != nil {
			c.log.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

// record saves a completed turn when persistence is enabled. Failures are logged, the
// response has already been delivered.
func (c *chatComponents) record(ctx context.Context, prompt string, regenerated bool, resp *chat.Response) {
	if c.Store == nil || resp == nil {
		return
	}
	turn := store.Turn{
		SessionID:      c.Session.ID(),
		ConversationID: resp.ConversationID,
		Prompt:         prompt,
		Regenerated:    regenerated,
		Response:       *resp,
	}
	if _, err := c.Store.SaveTurn(ctx, turn); err != nil {
		c.log.Warn("Failed to save turn", zap.Error(err))
	}
}

// Swapped out by tests.
var (
	openChat       = initializeChatComponents
	openTranscript = initializeTranscriptStore
)

// initializeChatComponents launches the browser, logs in and, when a database is
// configured, connects the transcript store.
func initializeChatComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*chatComponents, error) {
	c := &chatComponents{log: logger}

	if cfg.Database().URL != "" {
		pool, st, err := connectStore(ctx, cfg, logger)
		if err != nil {
			return c, err
		}
		c.pool = pool
		c.Store = st
	}

	reg, err := selectors.Load(cfg.Chat().SelectorsFile)
	if err != nil {
		return c, err
	}
	if err := reg.Validate(); err != nil {
		return c, fmt.Errorf("selector table is incomplete: %w", err)
	}

	manager, err := browser.NewManager(ctx, logger, cfg.Browser())
	if err != nil {
		return c, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	c.manager = manager

	tab, err := manager.NewTab(ctx)
	if err != nil {
		return c, fmt.Errorf("failed to open a tab: %w", err)
	}
	c.tab = tab

	sess, err := session.New(tab, reg, cfg, logger)
	if err != nil {
		return c, err
	}
	c.sess = sess
	c.Session = sess

	if err := sess.Open(ctx); err != nil {
		return c, fmt.Errorf("failed to open the chat: %w", err)
	}
	if err := sess.StartKeepAlive(); err != nil {
		return c, err
	}
	return c, nil
}

// initializeTranscriptStore connects the store alone, for commands that need no browser.
// The returned func releases the connection pool.
func initializeTranscriptStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transcriptStore, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (DEEPSEEK_DATABASE_URL)")
	}
	pool, st, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func connectStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, *store.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, st, nil
}
