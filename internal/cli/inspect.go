package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/stack"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// openStore opens the database for reading. Reads never go through the
// daemon; WAL lets them run beside it.
func (o *RootOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	if _, err := os.Stat(o.Config.Database); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, o.formatter(cmd).Fail("database not found",
				&missingDatabaseError{path: o.Config.Database})
		}
		return nil, o.formatter(cmd).Fail("failed to open database", err)
	}
	st, err := store.Open(o.Config.Database)
	if err != nil {
		return nil, o.formatter(cmd).Fail("failed to open database", err)
	}
	return st, nil
}

type missingDatabaseError struct{ path string }

func (e *missingDatabaseError) Error() string {
	return fmt.Sprintf("database %s does not exist", e.path)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workspace>",
		Short: "Show one workspace with its stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			f := opts.formatter(cmd)
			status, err := queue.New(nil, st).Status(commandContext(cmd), args[0])
			if err != nil {
				return f.Fail("status failed", err)
			}
			return f.Render(status, func(w io.Writer) {
				entryLine(w, status.Entry, false)
				fmt.Fprintf(w, "  root:        %s\n", status.Root)
				fmt.Fprintf(w, "  depth:       %d\n", status.Depth)
				fmt.Fprintf(w, "  ancestors:   %v\n", status.Ancestors)
				fmt.Fprintf(w, "  dependents:  %v\n", status.Dependents)
				fmt.Fprintf(w, "  attempts:    %d\n", status.Entry.AttemptCount)
				if status.Entry.TestedAgainst != "" {
					fmt.Fprintf(w, "  tested:      %s\n", status.Entry.TestedAgainst)
				}
				if status.Entry.MergedRevision != "" {
					fmt.Fprintf(w, "  merged:      %s\n", status.Entry.MergedRevision)
				}
				if status.Entry.LastRebaseAt != nil {
					fmt.Fprintf(w, "  rebased:     %s\n", status.Entry.LastRebaseAt.Format(time.RFC3339))
				}
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var state string
	var blocked bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries stack by stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !types.QueueState(state).Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown state %q", state))
			}
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			f := opts.formatter(cmd)
			ctx := commandContext(cmd)
			var entries []types.Entry
			if blocked {
				entries, err = st.FindBlocked(ctx)
			} else {
				entries, err = st.ListEntries(ctx)
			}
			if err != nil {
				return f.Fail("list failed", err)
			}

			out := []types.Entry{}
			for _, e := range entries {
				if state == "" || e.State == types.QueueState(state) {
					out = append(out, e)
				}
			}
			return f.Render(out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, gray("queue is empty"))
					return
				}
				for _, e := range stackOrder(out) {
					entryLine(w, e, true)
				}
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only entries in this state")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "only blocked entries and entries waiting on a parent")
	return cmd
}

// stackOrder lists each stack root followed by its descendants, parents
// before children. Entries whose parent is not in the list start a group.
// A table that fails topological ordering is listed as stored.
func stackOrder(entries []types.Entry) []types.Entry {
	if _, err := stack.TopoOrder(entries); err != nil {
		return entries
	}
	idx := stack.Index(entries)

	out := make([]types.Entry, 0, len(entries))
	var visit func(e types.Entry)
	visit = func(e types.Entry) {
		out = append(out, e)
		for _, child := range entries {
			if child.ParentWorkspace == e.Workspace && child.Workspace != e.Workspace {
				visit(child)
			}
		}
	}
	for _, e := range entries {
		if e.ParentWorkspace == "" || idx[e.ParentWorkspace] == nil {
			visit(e)
		}
	}
	return out
}

// eventView shows the payload as JSON rather than base64.
type eventView struct {
	Seq       int64           `json:"seq"`
	CommandID string          `json:"command_id"`
	Op        types.Op        `json:"op"`
	Workspace string          `json:"workspace"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var after int64
	var limit int
	var workspace string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			f := opts.formatter(cmd)
			ctx := commandContext(cmd)
			var events []types.Event
			if workspace != "" {
				events, err = st.ReadWorkspaceEvents(ctx, workspace)
			} else {
				events, err = st.ReadEvents(ctx, after, limit)
			}
			if err != nil {
				return f.Fail("events failed", err)
			}

			views := make([]eventView, 0, len(events))
			for _, ev := range events {
				views = append(views, eventView{
					Seq:       ev.Seq,
					CommandID: ev.CommandID,
					Op:        ev.Op,
					Workspace: ev.Workspace,
					Payload:   json.RawMessage(ev.Payload),
					Checksum:  ev.Checksum,
					CreatedAt: ev.CreatedAt,
				})
			}
			return f.Render(views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%6d  %-10s %-20s %s  %s\n",
						v.Seq, v.Op, v.Workspace, gray(v.CommandID), string(v.Payload))
				}
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this seq")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 = all)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "only events for this workspace")
	return cmd
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify determinism",
		Long: `Replay the event log into a scratch database twice and compare both
results with the live queue table. The live database is only read.

Exit codes:
  0 - Replay matches the live table
  1 - Replay differs (details listed)
  2 - Command error (database not found, corrupt log, etc.)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			f := opts.formatter(cmd)
			report, err := st.VerifyReplay(commandContext(cmd))
			if err != nil {
				return f.Fail("replay failed", err)
			}

			if err := f.Render(report, func(w io.Writer) {
				fmt.Fprintf(w, "Replayed %d event(s) into %d entr%s\n",
					report.Events, report.Entries, plural(report.Entries, "y", "ies"))
				for _, d := range report.Diffs {
					fmt.Fprintf(w, "  %s %s differs\n", red("✗"), d.Workspace)
				}
				if report.Deterministic {
					fmt.Fprintf(w, "%s Replay is deterministic\n", green("✓"))
				} else {
					fmt.Fprintf(w, "%s Determinism verification failed\n", red("✗"))
				}
			}); err != nil {
				return err
			}
			if !report.Deterministic {
				return NewExitError(ExitFailure, "determinism verification failed")
			}
			return nil
		},
	}
}
