package main

import (
	"encoding/json"
	"fmt"

	"chorus/pkg/eventlog"
	"chorus/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	role   string
	act    string
	stream string
	after  uint64
	limit  int
	json   bool
}

// newLogsCmd creates the "chorus logs" subcommand.
func newLogsCmd(g *globalFlags) *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the event log through the sqlite index",
		Long:  "Brings the index up to date with the event log, then prints the newest\nmatching events in order.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := eventlog.QueryOpts{Stream: cfg.stream, AfterSeq: cfg.after, Limit: cfg.limit}
			if cfg.role != "" {
				role, err := protocol.ParseRole(cfg.role)
				if err != nil {
					return err
				}
				opts.Role = role
			}
			if cfg.act != "" {
				act, ok := protocol.ParseAct(cfg.act)
				if !ok {
					return fmt.Errorf("unknown act %q", cfg.act)
				}
				opts.Act = act
			}

			_, paths, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ix, err := eventlog.OpenIndex(ctx, paths.IndexDB)
			if err != nil {
				return err
			}
			defer func() { _ = ix.Close() }()

			if _, err := ix.Sync(ctx, paths.LogPath); err != nil {
				return err
			}
			events, err := ix.Query(ctx, opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if cfg.json {
				enc := json.NewEncoder(w)
				for _, ev := range events {
					if err := enc.Encode(ev); err != nil {
						return fmt.Errorf("encode event: %w", err)
					}
				}
				return nil
			}
			r := newEventRenderer(isTerminal(w))
			for _, ev := range events {
				fmt.Fprintln(w, r.Render(ev))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.role, "role", "", "only this role (user, agentA, agentB, tool)")
	cmd.Flags().StringVar(&cfg.act, "act", "", "only this act (INPUT, THINK, PROPOSE, REPORT, TOOL_OUT, TOOL_ERR, CORRECTION)")
	cmd.Flags().StringVar(&cfg.stream, "stream", "", "only this stream")
	cmd.Flags().Uint64Var(&cfg.after, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&cfg.limit, "limit", 20, "newest N matches (0 for all)")
	cmd.Flags().BoolVar(&cfg.json, "json", false, "print events as JSON lines")
	return cmd
}
