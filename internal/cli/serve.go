package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stacktrain/internal/daemon"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Dir  string
	Tick time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue writer, the merge train and the socket server",
		Long: `Run the single queue writer, the merge train and the command socket in
one process. The writer lock on <db>.lock keeps a second writer out; other
stacktrain commands reach this process through the socket.

Integration, rebase and trunk lookups run the hook commands from the
integrator section of the config, in --dir, with STACKTRAIN_WORKSPACE,
STACKTRAIN_TARGET and STACKTRAIN_TRUNK set.

Examples:
  stacktrain serve
  stacktrain serve --config ci/stacktrain.yaml --dir /srv/repo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "working directory for hook commands")
	cmd.Flags().DurationVar(&opts.Tick, "tick", 0, "override the train tick interval")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --dir", err)
	}

	cfg := opts.Config
	tc := cfg.Train()
	if opts.Tick > 0 {
		tc.TickInterval = opts.Tick
	}

	err = daemon.Serve(ctx, daemon.Options{
		Database:   cfg.Database,
		Socket:     cfg.Socket,
		LockTTL:    cfg.LockTTL.Std(),
		Train:      tc,
		Integrator: cfg.ExecIntegrator(dir),
	})
	if err != nil {
		return opts.formatter(cmd).Fail("serve failed", err)
	}
	return nil
}
