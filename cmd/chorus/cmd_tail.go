package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"chorus/pkg/eventlog"
	"chorus/pkg/jsonl"
	"chorus/pkg/protocol"

	"github.com/spf13/cobra"
)

// tailConfig holds configuration for the tail command.
type tailConfig struct {
	from   int64
	follow bool
	plain  bool
}

// newTailCmd creates the "chorus tail" subcommand.
func newTailCmd(g *globalFlags) *cobra.Command {
	var cfg tailConfig

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the event log",
		Long:  "Prints events from a byte offset (default: the beginning) and, with -f,\nkeeps printing new events as they are appended.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, paths, err := g.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			r := newEventRenderer(!cfg.plain && isTerminal(w))
			if cfg.follow {
				return followEvents(cmd.Context(), w, r, paths.LogPath, cfg.from)
			}
			return printEvents(w, r, paths.LogPath, cfg.from)
		},
	}

	cmd.Flags().Int64Var(&cfg.from, "from", 0, "byte offset to start at (-1 for the current end)")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().BoolVar(&cfg.plain, "plain", false, "disable colour even on a terminal")
	return cmd
}

// printEvents prints every complete event from offset and reports how many
// corrupt lines were skipped.
func printEvents(w io.Writer, r eventRenderer, path string, from int64) error {
	if from == jsonl.OffsetEnd {
		return nil
	}
	recs, _, skipped, err := jsonl.ReadFrom(path, from, protocol.Event.Valid)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	for _, rec := range recs {
		fmt.Fprintln(w, r.Render(rec.Value))
	}
	if skipped > 0 {
		fmt.Fprintf(w, "(%d unreadable lines skipped)\n", skipped)
	}
	return nil
}

func followEvents(ctx context.Context, w io.Writer, r eventRenderer, path string, from int64) error {
	for rec := range eventlog.Tail(ctx, path, from, eventlog.TailOptions{}) {
		fmt.Fprintln(w, r.Render(rec.Value))
	}
	return nil
}
