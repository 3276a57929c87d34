// File: cmd/history.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deeperseek/internal/observability"
	"github.com/xkilldash9x/deeperseek/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List saved conversations, or the turns of one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			ctx := cmd.Context()

			st, release, err := openTranscript(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				convs, err := st.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, convs)
				}
				return printConversations(out, convs)
			}

			turns, err := st.ListTurns(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, turns)
			}
			return printTurns(out, turns)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printConversations(w io.Writer, convs []store.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "No conversations saved yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tTURNS\tLAST ACTIVE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.ID, c.Turns, c.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}

// printTurns prints oldest first so the transcript reads top to bottom.
func printTurns(w io.Writer, turns []store.Turn) error {
	if len(turns) == 0 {
		_, err := fmt.Fprintln(w, "No turns saved for this conversation.")
		return err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		label := "You"
		if t.Regenerated {
			label = "You (regenerated)"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", t.CreatedAt.Format(time.RFC3339), label, t.Prompt)
		resp := t.Response
		if err := printResponse(w, &resp, false); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}
