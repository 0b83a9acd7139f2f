// Command transcript renders stored session histories for a provider,
// inspects tool interaction ledgers and follows diagnostics streams.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/goa-transcript/runtime/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string
	debug      bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "transcript",
	Short:         "Render and inspect provider-agnostic tool transcripts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		format := log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
		ctx := log.Context(cmd.Context(), log.WithFormat(format))
		if debug {
			ctx = log.Context(ctx, log.WithDebug())
		}
		cmd.SetContext(ctx)

		if configPath == "" {
			cfg = config.Default()
			return nil
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRANSCRIPT_CONFIG"), "configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(log.Context(ctx), err)
		os.Exit(1)
	}
}
