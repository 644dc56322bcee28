package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"chorus/internal/version"
	"chorus/pkg/config"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// newRootCmd creates the root chorus command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "chorus",
		Short:         "Turn arbitration for agents, tools and a user on one timeline",
		Long:          "chorus runs two agents, interactive tools and a human user against a single\nappend-only event log, deciding who may speak and retrying proposed actions\nuntil they succeed.",
		Version:       fmt.Sprintf("chorus %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (.yaml, .yml or .toml; default $CHORUS_HOME/config.*)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newRunCmd(&g),
		newSayCmd(&g),
		newTailCmd(&g),
		newLogsCmd(&g),
		newOutboxCmd(&g),
		newWatchCmd(&g),
		newVersionCmd(),
	)
	return cmd
}

// load resolves paths and reads the config file if there is one.
func (g *globalFlags) load() (*config.File, *config.Paths, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve paths: %w", err)
	}
	path := g.configPath
	if path == "" {
		path = paths.ConfigPath
	}
	file := config.Default()
	if path != "" {
		file, err = config.Load(path)
		if err != nil {
			return nil, nil, err
		}
	}
	paths.Apply(file)
	return file, paths, nil
}

// logger builds the text handler logger all commands share.
func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(g.logLevel))); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chorus version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chorus %s\n", version.String())
		},
	}
}
