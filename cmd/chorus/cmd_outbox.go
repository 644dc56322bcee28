package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"chorus/pkg/outbox"

	"github.com/spf13/cobra"
)

// newOutboxCmd creates the "chorus outbox" command group.
func newOutboxCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect pending actions",
	}
	cmd.AddCommand(newOutboxListCmd(g), newOutboxDropCmd(g))
	return cmd
}

func newOutboxListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actions still waiting to succeed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ob, err := openOutboxReadOnly(g)
			if err != nil {
				return err
			}
			recs, err := ob.Pending()
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs, time.Now())
			return nil
		},
	}
}

func newOutboxDropCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>",
		Short: "Give up on a pending action",
		Long:  "Deletes the record so the action is never retried. Use only when the\naction can no longer succeed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := outbox.ParseID(args[0])
			if err != nil {
				return err
			}
			ob, err := openOutboxReadOnly(g)
			if err != nil {
				return err
			}
			if err := ob.MarkDone(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", id)
			return nil
		},
	}
}

// openOutboxReadOnly opens the record directory without handlers; nothing
// is executed from it.
func openOutboxReadOnly(g *globalFlags) (*outbox.Outbox, error) {
	file, paths, err := g.load()
	if err != nil {
		return nil, err
	}
	return outbox.Open(file.OutboxConfig(paths.OutboxDir), nil, nil)
}

func printRecords(w io.Writer, recs []outbox.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no pending actions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tATTEMPTS\tNEXT\tLAST ERROR")
	for _, r := range recs {
		next := "due"
		if r.NextAttemptAt.After(now) {
			next = "in " + r.NextAttemptAt.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Action.Name, r.Attempts, next, r.LastError)
	}
	_ = tw.Flush()
}
