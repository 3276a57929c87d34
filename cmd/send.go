// File: cmd/send.go
package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deeperseek/internal/config"
	"github.com/xkilldash9x/deeperseek/internal/observability"
	"github.com/xkilldash9x/deeperseek/internal/session"
)

// turnFlags are the per-turn options shared by send and chat.
type turnFlags struct {
	reasoning bool
	search    bool
	slow      bool
	timeout   time.Duration
	asJSON    bool
}

func (f *turnFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVarP(&f.reasoning, "reasoning", "r", false, "reasoning (deep think) mode (default from chat.reasoning)")
	fl.BoolVarP(&f.search, "search", "s", false, "web search mode (default from chat.search)")
	fl.BoolVar(&f.slow, "slow", false, "type the message one character at a time")
	fl.DurationVarP(&f.timeout, "timeout", "t", 0, "base wait budget for a response (default from config)")
	fl.BoolVar(&f.asJSON, "json", false, "print responses as JSON")
}

// applyDefaults takes the mode toggles the user did not pass from the chat config.
func (f *turnFlags) applyDefaults(cmd *cobra.Command, cfg config.ChatConfig) {
	if !cmd.Flags().Changed("reasoning") {
		f.reasoning = cfg.Reasoning
	}
	if !cmd.Flags().Changed("search") {
		f.search = cfg.Search
	}
}

func (f *turnFlags) options() session.SendOptions {
	return session.SendOptions{
		Reasoning: f.reasoning,
		Search:    f.search,
		Slow:      f.slow,
		Timeout:   f.timeout,
	}
}

func newSendCmd() *cobra.Command {
	var flags turnFlags

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the response",
		Long: `Send one message and print the response.

The message is taken from the arguments, or from chat.message (DEEPSEEK_MESSAGE)
when no arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			message := strings.Join(args, " ")
			if message == "" {
				message = cfg.Chat().Message
			}
			if strings.TrimSpace(message) == "" {
				return errors.New("no message given")
			}
			flags.applyDefaults(cmd, cfg.Chat())

			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := openChat(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown(ctx)
			}
			if err != nil {
				return err
			}

			resp, err := components.Session.SendMessage(ctx, message, flags.options())
			if err != nil {
				return err
			}
			components.record(ctx, message, false, resp)
			return printResponse(cmd.OutOrStdout(), resp, flags.asJSON)
		},
	}
	flags.register(cmd)
	return cmd
}
