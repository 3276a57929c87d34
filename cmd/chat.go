// File: cmd/chat.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/chat"
	"github.com/xkilldash9x/deeperseek/internal/observability"
)

const replPrompt = "> "

const replHelp = `Commands:
  /regen      regenerate the last response
  /reset      start a new conversation
  /reasoning  toggle reasoning mode
  /search     toggle search mode
  /help       show this help
  /exit       leave
`

func newChatCmd() *cobra.Command {
	var flags turnFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			components, err := openChat(ctx, cfg, observability.GetLogger())
			if components != nil {
				defer components.Shutdown(ctx)
			}
			if err != nil {
				return err
			}

			logger := observability.GetLogger()
			flags.applyDefaults(cmd, cfg.Chat())
			r := &repl{
				components:  components,
				flags:       flags,
				in:          cmd.InOrStdin(),
				out:         &syncWriter{w: cmd.OutOrStdout()},
				errOut:      &syncWriter{w: cmd.ErrOrStderr()},
				historyFile: historyPath(cfg.Chat().HistoryFile, logger),
				logger:      logger,
			}
			return r.run(ctx)
		},
	}
	flags.register(cmd)
	return cmd
}

// repl reads prompts line by line and prints each response.
type repl struct {
	components *chatComponents
	flags      turnFlags
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	logger     *zap.Logger

	// historyFile persists prompts across sessions. Empty disables it.
	historyFile string
	lastPrompt  string
}

func (r *repl) run(ctx context.Context) error {
	rl, err := readline.NewEx(r.editorConfig())
	if err != nil {
		return fmt.Errorf("failed to start the line editor: %w", err)
	}
	defer rl.Close()
	// Readline blocks on input, so a canceled command closes the editor to unblock it.
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	fmt.Fprintln(r.out, "Type a message, or /help for commands.")
	for {
		line, err := rl.Readline()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		done, err := r.handle(ctx, line)
		if done {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.report(err)
		}
	}
}

// editorConfig wires the line editor to the command's streams. Only a real stdin gets
// terminal handling; scripted input is read as plain lines.
func (r *repl) editorConfig() *readline.Config {
	cfg := &readline.Config{
		Prompt:            replPrompt,
		HistoryFile:       r.historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            r.out,
		Stderr:            r.errOut,
	}
	if f, ok := r.in.(*os.File); ok && f == os.Stdin {
		cfg.Stdin = readline.NewCancelableStdin(os.Stdin)
		return cfg
	}
	cfg.Stdin = io.NopCloser(r.in)
	cfg.FuncIsTerminal = func() bool { return false }
	cfg.FuncMakeRaw = func() error { return nil }
	cfg.FuncExitRaw = func() error { return nil }
	return cfg
}

// historyPath expands the configured history file and creates its directory. A path that
// cannot be used disables history rather than the chat.
func historyPath(path string, logger *zap.Logger) string {
	if path == "" {
		return ""
	}
	expanded, err := homedir.Expand(path)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(expanded), 0o700)
	}
	if err != nil {
		logger.Warn("Prompt history disabled", zap.String("path", path), zap.Error(err))
		return ""
	}
	return expanded
}

// handle executes one line. done is true when the user asked to leave.
func (r *repl) handle(ctx context.Context, line string) (done bool, err error) {
	sess := r.components.Session

	switch line {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Fprint(r.out, replHelp)
		return false, nil
	case "/reasoning":
		r.flags.reasoning = !r.flags.reasoning
		fmt.Fprintf(r.out, "Reasoning mode %s.\n", onOff(r.flags.reasoning))
		return false, nil
	case "/search":
		r.flags.search = !r.flags.search
		fmt.Fprintf(r.out, "Search mode %s.\n", onOff(r.flags.search))
		return false, nil
	case "/reset":
		if err := sess.ResetChat(ctx); err != nil {
			return false, err
		}
		r.lastPrompt = ""
		fmt.Fprintln(r.out, "Started a new conversation.")
		return false, nil
	case "/regen":
		resp, err := sess.RegenerateResponse(ctx, r.flags.timeout)
		if err != nil {
			return false, err
		}
		r.components.record(ctx, r.lastPrompt, true, resp)
		return false, printResponse(r.out, resp, r.flags.asJSON)
	}

	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s, try /help", line)
	}

	resp, err := sess.SendMessage(ctx, line, r.flags.options())
	if err != nil {
		return false, err
	}
	r.lastPrompt = line
	r.components.record(ctx, line, false, resp)
	return false, printResponse(r.out, resp, r.flags.asJSON)
}

func (r *repl) report(err error) {
	switch {
	case errors.Is(err, chat.ErrServerOverloaded):
		fmt.Fprintln(r.errOut, "The server is busy, try again in a moment.")
	case errors.Is(err, errNoResponse):
		fmt.Fprintln(r.errOut, "No response arrived in time. Use /regen to try again.")
	default:
		fmt.Fprintln(r.errOut, "Error:", err)
	}
	r.logger.Debug("Turn failed", zap.Error(err))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// syncWriter serializes writes from the line editor and the response printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
