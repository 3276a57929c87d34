// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/chat"
	"github.com/xkilldash9x/deeperseek/internal/config"
	"github.com/xkilldash9x/deeperseek/internal/observability"
	"github.com/xkilldash9x/deeperseek/internal/session"
	"github.com/xkilldash9x/deeperseek/internal/store"
)

// resetForTest isolates a test from the working directory, the environment and the
// component constructors.
func resetForTest(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, env := range []string{
		"DEEPSEEK_TOKEN", "DEEPSEEK_EMAIL", "DEEPSEEK_PASSWORD", "DEEPSEEK_CHAT_ID",
		"DEEPSEEK_MESSAGE", "DEEPSEEK_HEADLESS", "DEEPSEEK_ATTEMPT_CF_BYPASS",
		"DEEPSEEK_CHROME_ARGS", "DEEPSEEK_VERBOSE", "DEEPSEEK_DATABASE_URL",
		"DEEPSEEK_REASONING", "DEEPSEEK_SEARCH",
	} {
		t.Setenv(env, "")
	}
	t.Setenv("DEEPSEEK_HISTORY_FILE", filepath.Join(dir, "history", "chat_history"))

	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})

	origChat, origTranscript, origExit := openChat, openTranscript, osExit
	t.Cleanup(func() {
		openChat, openTranscript, osExit = origChat, origTranscript, origExit
		observability.ResetForTest()
	})
}

// executeCommand runs the root command with args and stdin, returning what it printed.
func executeCommand(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// createTempConfig writes a YAML config file and returns its path.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type sendCall struct {
	Text string
	Opts session.SendOptions
}

// fakeSession replays scripted responses.
type fakeSession struct {
	mu             sync.Mutex
	sends          []sendCall
	regens         []time.Duration
	resets         int
	responses      []*chat.Response
	sendErr        error
	token          string
	conversationID string
}

func (f *fakeSession) ID() string { return "session-test" }

func (f *fakeSession) ConversationID() string { return f.conversationID }

func (f *fakeSession) next() *chat.Response {
	if len(f.responses) == 0 {
		return nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp
}

func (f *fakeSession) SendMessage(_ context.Context, text string, opts session.SendOptions) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{Text: text, Opts: opts})
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return nil, err
	}
	return f.next(), nil
}

func (f *fakeSession) RegenerateResponse(_ context.Context, timeout time.Duration) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regens = append(f.regens, timeout)
	return f.next(), nil
}

func (f *fakeSession) ResetChat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSession) RetrieveToken(context.Context) (string, error) {
	if f.token == "" {
		return "", session.ErrNoToken
	}
	return f.token, nil
}

// fakeStore keeps saved turns in memory.
type fakeStore struct {
	mu    sync.Mutex
	saved []store.Turn
	turns []store.Turn
	convs []store.Conversation
	err   error

	gotConversation string
	gotLimit        int
}

func (f *fakeStore) SaveTurn(_ context.Context, turn store.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, turn)
	return "turn-id", nil
}

func (f *fakeStore) ListTurns(_ context.Context, conversationID string, limit int) ([]store.Turn, error) {
	f.gotConversation, f.gotLimit = conversationID, limit
	return f.turns, f.err
}

func (f *fakeStore) ListConversations(_ context.Context, limit int) ([]store.Conversation, error) {
	f.gotLimit = limit
	return f.convs, f.err
}

// stubChat makes openChat return sess and st, capturing the config it was given.
func stubChat(t *testing.T, sess *fakeSession, st transcriptStore) **config.Config {
	t.Helper()
	var got *config.Config
	openChat = func(_ context.Context, cfg *config.Config, _ *zap.Logger) (*chatComponents, error) {
		got = cfg
		return &chatComponents{Session: sess, Store: st, log: zap.NewNop()}, nil
	}
	return &got
}

var errLaunch = errors.New("chrome not found")
