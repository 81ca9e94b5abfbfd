package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stacktrain/internal/daemon"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/types"
)

// withOps runs fn against the daemon when one is serving, else against a
// private writer, and reports its result.
func (o *RootOptions) withOps(cmd *cobra.Command, action string, fn func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error)) error {
	f := o.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ops, err := daemon.Connect(ctx, o.Config.Socket, o.Config.Database, o.Config.LockTTL.Std())
	if err != nil {
		return f.Fail("failed to reach the queue", err)
	}
	defer ops.Close()

	data, text, err := fn(ctx, ops)
	if err != nil {
		return f.Fail(action+" failed", err)
	}
	return f.Render(data, text)
}

func entryResult(e types.Entry, err error) (any, func(io.Writer), error) {
	return e, entryText(e), err
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(opts *RootOptions) *cobra.Command {
	var req queue.SubmitRequest
	var priority int

	cmd := &cobra.Command{
		Use:   "submit <workspace>",
		Short: "Add a workspace to the queue",
		Long: `Add a workspace to the merge queue as a draft entry.

With --parent the workspace is stacked on another entry and lands only after
it. Submitting again with the same --id returns the original entry.

Examples:
  stacktrain submit feature-auth
  stacktrain submit feature-auth-ui --parent feature-auth --priority 8
  stacktrain submit fix-login --id ci-run-4411 --agent agent-7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Workspace = args[0]
			if cmd.Flags().Changed("priority") {
				req.Priority = types.IntPtr(priority)
			}
			return opts.withOps(cmd, "submit", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				return entryResult(ops.Submit(ctx, req))
			})
		},
	}

	cmd.Flags().StringVar(&req.Parent, "parent", "", "workspace this one is stacked on")
	cmd.Flags().IntVarP(&priority, "priority", "p", types.DefaultPriority, "priority 0-10, higher lands first")
	cmd.Flags().StringVar(&req.IssueID, "issue", "", "issue tracker reference")
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "owning agent; the entry only lands while the agent holds a claim")
	cmd.Flags().StringVar(&req.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewKickCommand creates the kick command.
func NewKickCommand(opts *RootOptions) *cobra.Command {
	var p daemon.TransitionParams
	cmd := &cobra.Command{
		Use:   "kick <workspace>",
		Short: "Remove a workspace from contention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			p.State = types.StateKicked
			return opts.withOps(cmd, "kick", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				return entryResult(ops.Transition(ctx, p))
			})
		},
	}
	cmd.Flags().StringVar(&p.Detail, "reason", "", "why the workspace was kicked")
	cmd.Flags().StringVar(&p.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	var p daemon.TransitionParams
	cmd := &cobra.Command{
		Use:   "retry <workspace>",
		Short: "Send a blocked workspace back to checking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			p.State = types.StateChecking
			return opts.withOps(cmd, "retry", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				return entryResult(ops.Transition(ctx, p))
			})
		},
	}
	cmd.Flags().StringVar(&p.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewReprioritizeCommand creates the reprioritize command.
func NewReprioritizeCommand(opts *RootOptions) *cobra.Command {
	var p daemon.ReprioritizeParams
	cmd := &cobra.Command{
		Use:   "reprioritize <workspace> <priority>",
		Short: "Change the priority of a live entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "priority must be an integer", err)
			}
			p.Workspace, p.Priority = args[0], prio
			return opts.withOps(cmd, "reprioritize", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				return entryResult(ops.Reprioritize(ctx, p))
			})
		},
	}
	cmd.Flags().StringVar(&p.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewReparentCommand creates the reparent command.
func NewReparentCommand(opts *RootOptions) *cobra.Command {
	var p daemon.ReparentParams
	cmd := &cobra.Command{
		Use:   "reparent <workspace> [parent]",
		Short: "Move a workspace under another parent, or make it a root",
		Long: `Move a workspace under another parent. Without a parent the workspace
becomes the root of its own stack. A move that would create a cycle is
rejected and nothing changes.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			if len(args) == 2 {
				p.Parent = args[1]
			}
			return opts.withOps(cmd, "reparent", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				return entryResult(ops.Reparent(ctx, p))
			})
		},
	}
	cmd.Flags().StringVar(&p.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(opts *RootOptions) *cobra.Command {
	var p daemon.RemoveParams
	cmd := &cobra.Command{
		Use:   "remove <workspace>",
		Short: "Delete a merged or kicked entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			return opts.withOps(cmd, "remove", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				e, err := ops.Remove(ctx, p)
				return e, func(w io.Writer) { fmt.Fprintf(w, "removed %s\n", e.Workspace) }, err
			})
		},
	}
	cmd.Flags().StringVar(&p.CommandID, "id", "", "idempotency key")
	return cmd
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	var p daemon.PurgeParams
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete merged and kicked entries older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOps(cmd, "purge", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				purged, err := ops.Purge(ctx, p)
				if purged == nil {
					purged = []string{}
				}
				return purged, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d entr%s\n", len(purged), plural(len(purged), "y", "ies"))
					for _, ws := range purged {
						fmt.Fprintf(w, "  %s\n", ws)
					}
				}, err
			})
		},
	}
	cmd.Flags().DurationVar(&p.OlderThan, "older-than", 7*24*time.Hour, "minimum age since the last update")
	return cmd
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(opts *RootOptions) *cobra.Command {
	var p daemon.ClaimParams
	cmd := &cobra.Command{
		Use:   "claim <workspace>",
		Short: "Claim a workspace for an agent",
		Long: `Claim a workspace for an agent. An entry submitted with --agent is only
integrated while that agent holds a live claim. Claiming again renews it.
With --renew the command only extends a live claim the agent already holds
and fails otherwise, which suits a periodic heartbeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			return opts.withOps(cmd, "claim", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				l, err := ops.Claim(ctx, p)
				return l, func(w io.Writer) {
					fmt.Fprintf(w, "%s claimed by %s until %s\n", l.Workspace, l.AgentID, l.ExpiresAt.Format(time.RFC3339))
				}, err
			})
		},
	}
	cmd.Flags().StringVar(&p.AgentID, "agent", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("agent")
	cmd.Flags().DurationVar(&p.TTL, "ttl", 0, "claim lifetime (default from config)")
	cmd.Flags().BoolVar(&p.Renew, "renew", false, "only extend a live claim held by the agent")
	return cmd
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	var p daemon.ClaimParams
	cmd := &cobra.Command{
		Use:   "release <workspace>",
		Short: "Release an agent's claim on a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Workspace = args[0]
			return opts.withOps(cmd, "release", func(ctx context.Context, ops daemon.Ops) (any, func(io.Writer), error) {
				err := ops.Release(ctx, p)
				return map[string]string{"workspace": p.Workspace, "released": p.AgentID}, func(w io.Writer) {
					fmt.Fprintf(w, "%s released by %s\n", p.Workspace, p.AgentID)
				}, err
			})
		},
	}
	cmd.Flags().StringVar(&p.AgentID, "agent", "", "agent id (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
