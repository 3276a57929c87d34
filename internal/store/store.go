// Package store persists completed chat turns to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Turn is one prompt and the response it produced.
type Turn struct {
	ID             string
	SessionID      string
	ConversationID string
	Prompt         string
	// Regenerated marks a response produced by the regenerate control rather than a new prompt.
	Regenerated bool
	Response    chat.Response
	CreatedAt   time.Time
}

// Conversation summarizes the turns stored for one conversation.
type Conversation struct {
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time
	Turns     int
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen  TIMESTAMPTZ NOT NULL,
    turns      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS turns (
    id                UUID PRIMARY KEY,
    session_id        TEXT NOT NULL,
    conversation_id   TEXT NOT NULL DEFAULT '',
    prompt            TEXT NOT NULL,
    regenerated       BOOLEAN NOT NULL DEFAULT FALSE,
    text              TEXT NOT NULL,
    reasoning_seconds INTEGER,
    reasoning         TEXT,
    search_results    JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS turns_conversation_idx ON turns (conversation_id, created_at);
`

const insertTurnSQL = `
INSERT INTO turns (id, session_id, conversation_id, prompt, regenerated, text, reasoning_seconds, reasoning, search_results, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const upsertConversationSQL = `
INSERT INTO conversations (id, first_seen, last_seen, turns)
VALUES ($1, $2, $2, 1)
ON CONFLICT (id) DO UPDATE SET
    last_seen = EXCLUDED.last_seen,
    turns = conversations.turns + 1
`

const listTurnsSQL = `
SELECT id, session_id, conversation_id, prompt, regenerated, text, reasoning_seconds, reasoning, search_results, created_at
FROM turns
WHERE conversation_id = $1
ORDER BY created_at DESC
LIMIT $2
`

const listConversationsSQL = `
SELECT id, first_seen, last_seen, turns
FROM conversations
ORDER BY last_seen DESC
LIMIT $1
`

// Store is the PostgreSQL transcript store.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveTurn records a turn and bumps its conversation. It returns the turn id, generating one
// when the turn has none.
func (s *Store) SaveTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	createdAt := turn.CreatedAt.UTC()

	results := turn.Response.SearchResults
	if results == nil {
		results = []chat.SearchResult{}
	}
	searchJSON, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}

	// NULL columns when the response carries no reasoning trace.
	var reasoningSeconds, reasoning interface{}
	if r := turn.Response.Reasoning; r != nil {
		reasoningSeconds = r.DurationSeconds
		reasoning = r.Content
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, insertTurnSQL,
		turn.ID, turn.SessionID, turn.ConversationID, turn.Prompt, turn.Regenerated,
		turn.Response.Text, reasoningSeconds, reasoning, string(searchJSON), createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert turn: %w", err)
	}

	if turn.ConversationID != "" {
		if _, err := tx.Exec(ctx, upsertConversationSQL, turn.ConversationID, createdAt); err != nil {
			return "", fmt.Errorf("failed to update conversation %s: %w", turn.ConversationID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Debug("Saved turn.", zap.String("turn_id", turn.ID), zap.String("conversation_id", turn.ConversationID))
	return turn.ID, nil
}

// ListTurns returns the newest turns of a conversation, newest first.
func (s *Store) ListTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, listTurnsSQL, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                Turn
			reasoningSeconds *int
			reasoning        *string
			searchJSON       []byte
		)
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.ConversationID, &t.Prompt, &t.Regenerated,
			&t.Response.Text, &reasoningSeconds, &reasoning, &searchJSON, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}

		t.Response.ConversationID = t.ConversationID
		if reasoningSeconds != nil && reasoning != nil {
			t.Response.Reasoning = &chat.Reasoning{DurationSeconds: *reasoningSeconds, Content: *reasoning}
		}
		if len(searchJSON) > 0 {
			var results []chat.SearchResult
			if err := json.Unmarshal(searchJSON, &results); err != nil {
				return nil, fmt.Errorf("failed to decode search results of turn %s: %w", t.ID, err)
			}
			if len(results) > 0 {
				t.Response.SearchResults = results
			}
		}
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return turns, nil
}

// ListConversations returns the most recently active conversations.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, listConversationsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.FirstSeen, &c.LastSeen, &c.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
