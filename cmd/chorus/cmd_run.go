package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chorus/pkg/config"
	"chorus/pkg/eventlog"
	"chorus/pkg/orchestrator"
	"chorus/pkg/outbox"
	"chorus/pkg/protocol"
	"chorus/pkg/speaker"
	"chorus/pkg/tool"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runOptions are the run command's own flags.
type runOptions struct {
	duration time.Duration
	index    bool
	noSync   bool
}

// newRunCmd creates the "chorus run" subcommand.
func newRunCmd(g *globalFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		Long: "Opens the event log and outbox, replays unfinished actions, starts the\n" +
			"configured tools and agents, and arbitrates turns until SIGINT/SIGTERM or\n" +
			"--duration elapses.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			file, paths, err := g.load()
			if err != nil {
				return err
			}
			return runOrchestrator(cmd.Context(), file, paths, opts, logger)
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (overrides the config file; 0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.index, "index", false, "keep the sqlite query index current while running")
	cmd.Flags().BoolVar(&opts.noSync, "no-sync", false, "skip fsync after each event (faster, less durable)")
	return cmd
}

// runOrchestrator wires the log, outbox, speakers and tools and runs until
// ctx ends.
func runOrchestrator(ctx context.Context, file *config.File, paths *config.Paths, opts runOptions, logger *slog.Logger) error {
	log, err := eventlog.Open(paths.LogPath, eventlog.Options{NoSync: opts.noSync, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	ob, err := outbox.Open(file.OutboxConfig(paths.OutboxDir), outbox.NewRegistry(), logger)
	if err != nil {
		return err
	}

	speakers, err := buildSpeakers(file.Agents)
	if err != nil {
		return err
	}
	tools := buildTools(file.Tools, file.Loop.ToolStopGrace.Std())

	ocfg := file.Orchestrator()
	ocfg.InputPath = paths.InputPath
	if opts.duration > 0 {
		ocfg.Duration = opts.duration
	}
	orch, err := orchestrator.New(ocfg, log, ob, speakers, tools, logger)
	if err != nil {
		return err
	}

	if !opts.index {
		return orch.Run(ctx)
	}

	ix, err := eventlog.OpenIndex(ctx, paths.IndexDB)
	if err != nil {
		return err
	}
	defer func() { _ = ix.Close() }()

	grp, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	grp.Go(func() error {
		defer cancel() // the index follows the orchestrator's lifetime
		return orch.Run(runCtx)
	})
	grp.Go(func() error {
		err := ix.Follow(runCtx, paths.LogPath, eventlog.TailOptions{Logger: logger})
		if err != nil && runCtx.Err() != nil {
			return nil
		}
		return err
	})
	return grp.Wait()
}

// buildSpeakers turns agent entries into speakers keyed by role.
func buildSpeakers(agents []config.Agent) (map[protocol.Role]orchestrator.Speaker, error) {
	out := make(map[protocol.Role]orchestrator.Speaker, len(agents))
	for _, a := range agents {
		role, err := protocol.ParseRole(a.Role)
		if err != nil {
			return nil, err
		}
		if len(a.Command) > 0 {
			out[role] = speaker.NewExec(a.StreamName(), a.Command, a.Dir)
			continue
		}
		turns, err := scriptTurns(a.Script)
		if err != nil {
			return nil, fmt.Errorf("agent %s script: %w", a.Role, err)
		}
		out[role] = speaker.NewScripted(a.StreamName(), turns...)
	}
	return out, nil
}

// scriptTurns parses scripted lines with the same rules as command output.
func scriptTurns(script [][]string) ([][]protocol.Chunk, error) {
	turns := make([][]protocol.Chunk, 0, len(script))
	for i, lines := range script {
		var turn []protocol.Chunk
		for _, line := range lines {
			c, ok, err := speaker.ParseLine(line)
			if err != nil {
				return nil, fmt.Errorf("turn %d: %w", i, err)
			}
			if ok {
				turn = append(turn, c)
			}
		}
		turns = append(turns, turn)
	}
	if len(turns) == 0 {
		return nil, errors.New("empty script")
	}
	return turns, nil
}

func buildTools(tools []config.Tool, grace time.Duration) []orchestrator.Tool {
	out := make([]orchestrator.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, tool.NewProcess(t.Name, t.Command, tool.WithDir(t.Dir), tool.WithStopGrace(grace)))
	}
	return out
}
