// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/config"
	"github.com/xkilldash9x/deeperseek/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// osExit is swapped out by tests.
var osExit = os.Exit

// newRootCmd builds the command tree. Building it fresh per call keeps flag state out of
// package globals.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		headless bool
		verbose  bool
		chatID   string
	)

	root := &cobra.Command{
		Use:           "deeperseek",
		Short:         "Drive the DeepSeek web chat from the command line.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// Explicit flags win over the file and the environment.
			flags := cmd.Flags()
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if flags.Changed("verbose") {
				cfg.SetLoggerVerbose(verbose)
			}
			if flags.Changed("chat-id") {
				cfg.SetChatConversationID(chatID)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting deeperseek", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	root.SetVersionTemplate(`{{printf "deeperseek version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.BoolVar(&headless, "headless", true, "run Chrome without a window")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&chatID, "chat-id", "", "resume an existing conversation")

	root.AddCommand(
		newSendCmd(),
		newChatCmd(),
		newTokenCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(130)
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		observability.GetLogger().Debug("Command execution failed", zap.Error(err))
		osExit(1)
	}
	observability.Sync()
}

// initializeConfig points v at the config file and the DEEPSEEK_ environment.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DEEPSEEK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// configFrom returns the configuration stored by the root pre-run.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
