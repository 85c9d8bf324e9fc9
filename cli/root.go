// Package cli implements forgectl, the operator tool for the model cache and for
// inspecting and cancelling jobs.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/infra"
)

// Version is set at build time
var Version = "0.1.0"

type rootOptions struct {
	envFile string
	verbose bool
	cfg     *config.Config
}

// logger writes to the command's stderr so output stays parseable
func (o *rootOptions) logger(w io.Writer) *infra.LoggerClient {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return infra.NewLoggerClient(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "forgectl",
		Short: "Operate the forge job orchestrator and model cache",
		Long: `forgectl inspects and cancels training and generation jobs, manages the
local model cache of a worker host and issues API tokens for operators.

Configuration is read from the environment, optionally loaded from --env-file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil && cmd.Flags().Changed("env-file") {
					return fmt.Errorf("load %s: %w", opts.envFile, err)
				}
			}
			opts.cfg = config.NewConfig()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "staging.env", "env file to load before reading configuration")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newCacheCmd(opts))
	cmd.AddCommand(newJobCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// Execute runs the command tree against os.Args
func Execute() error {
	return NewRootCmd().Execute()
}
