// Command taskmesh runs the phase pipeline from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "taskmesh",
		Short: "Run tasks through the analysis, planning, execution and observation pipeline",
		Long: `taskmesh answers a prompt either directly (rapid mode) or through the phase
pipeline: analysis, optional decomposition, then planning, execution and
observation cycles until the task is complete or the loop budget is spent.

Tools come from the remote tool servers listed in the configuration file.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to the configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Env file loaded before reading overrides")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newRunCommand(g))
	rootCmd.AddCommand(newToolsCommand(g))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// load reads the configuration named by the global flags.
func (g *globalFlags) load() (*config.File, error) {
	f, err := config.Load(g.configPath, func(o *config.Options) { o.EnvFile = g.envFile })
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		if _, err := config.ParseLevel(g.logLevel); err != nil {
			return nil, err
		}
		f.Log.Level = g.logLevel
	}
	return f, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskmesh %s\n", version)
		},
	}
}
