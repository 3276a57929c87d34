// File: cmd/token.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deeperseek/internal/observability"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Log in and print the session token",
		Long: `Log in with the configured credentials and print the session token.

The token can be exported as DEEPSEEK_TOKEN to skip the email/password form
on later runs.`,
		Args: cobra.NoArgs,
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

			token, err := components.Session.RetrieveToken(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
