package main

import (
	"errors"
	"fmt"
	"strings"

	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"

	"github.com/spf13/cobra"
)

// newSayCmd creates the "chorus say" subcommand.
func newSayCmd(g *globalFlags) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "say <text>...",
		Short: "Send a message to the running agents",
		Long: "Appends a message to the user-input channel. A running orchestrator picks it\n" +
			"up, gives the user the floor for the cooldown window and nudges both agents.\n" +
			"Use --meta fact.<name>=<value> to set a long-lived fact.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("empty message")
			}
			_, paths, err := g.load()
			if err != nil {
				return err
			}
			if err := jsonl.Append(paths.InputPath, protocol.UserMessage{Text: text, Meta: meta}); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued for %s\n", paths.InputPath)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	return cmd
}
