// Package main is the entry point for taskrelay.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fatal(err.Error())
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskrelay",
		Short:         "Task orchestration and agent messaging relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (json, yaml or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway, task store and supervisor",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run a worker daemon against a gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runWorker(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "taskrelay %s (commit=%s, built=%s)\n", version, commit, date)
			},
		},
	)
	return root
}

// loadConfig resolves and loads the config, returning the path it came from.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := config.Resolve(flagPath)
	if path == "" {
		return nil, "", fmt.Errorf("no config found. Place config.json next to the exe, use --config <path>, or set TASKRELAY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
