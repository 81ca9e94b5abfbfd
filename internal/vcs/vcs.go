// Package vcs is the boundary to the version-control tooling that actually
// rebases, tests and lands a workspace. stacktrain never runs VCS commands
// itself; it calls an Integrator.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Outcome is the result of an integration or rebase attempt. A failed
// attempt is an Outcome with Success false, not an error.
type Outcome struct {
	Success  bool   `json:"success"`
	Revision string `json:"revision,omitempty"` // trunk revision after landing, or the rebased head
	Detail   string `json:"detail,omitempty"`   // diagnostic text on failure
}

// Integrator lands workspaces on trunk.
//
// Implementations must honor ctx: the caller bounds every attempt with a
// timeout and treats an expired attempt as a failure.
type Integrator interface {
	// TrunkRevision returns the current trunk head.
	TrunkRevision(ctx context.Context) (string, error)
	// Integrate rebases workspace onto target, tests it and lands it.
	Integrate(ctx context.Context, workspace, target string) (Outcome, error)
	// Rebase moves workspace onto the revision onto.
	Rebase(ctx context.Context, workspace, onto string) (Outcome, error)
}

// Environment variables passed to hook commands.
const (
	EnvWorkspace = "STACKTRAIN_WORKSPACE"
	EnvTarget    = "STACKTRAIN_TARGET"
)

// waitDelay bounds how long a killed hook's children may keep its output
// pipes open.
const waitDelay = 2 * time.Second

// maxDetail bounds the diagnostic text kept from a failing hook.
const maxDetail = 4096

// ExecIntegrator runs operator-configured shell hooks. Each hook is run
// with `sh -c` in Dir, with EnvWorkspace and EnvTarget set. A hook signals
// success by exiting 0; the last non-empty line of its stdout is taken as
// the resulting revision.
type ExecIntegrator struct {
	TrunkCommand     string
	IntegrateCommand string
	RebaseCommand    string
	Dir              string
	Env              []string
}

var _ Integrator = (*ExecIntegrator)(nil)

// ErrNoHook is returned when the hook a call needs is not configured.
var ErrNoHook = errors.New("hook command not configured")

// TrunkRevision runs TrunkCommand and returns its last output line.
func (x *ExecIntegrator) TrunkRevision(ctx context.Context) (string, error) {
	if x.TrunkCommand == "" {
		return "", fmt.Errorf("trunk revision: %w", ErrNoHook)
	}
	out, err := x.run(ctx, x.TrunkCommand, "", "")
	if err != nil {
		return "", fmt.Errorf("trunk revision: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("trunk revision: %s", out.Detail)
	}
	if out.Revision == "" {
		return "", errors.New("trunk revision: hook printed nothing")
	}
	return out.Revision, nil
}

// Integrate runs IntegrateCommand for workspace against target.
func (x *ExecIntegrator) Integrate(ctx context.Context, workspace, target string) (Outcome, error) {
	if x.IntegrateCommand == "" {
		return Outcome{}, fmt.Errorf("integrate %s: %w", workspace, ErrNoHook)
	}
	return x.run(ctx, x.IntegrateCommand, workspace, target)
}

// Rebase runs RebaseCommand for workspace onto the given revision.
func (x *ExecIntegrator) Rebase(ctx context.Context, workspace, onto string) (Outcome, error) {
	if x.RebaseCommand == "" {
		return Outcome{}, fmt.Errorf("rebase %s: %w", workspace, ErrNoHook)
	}
	return x.run(ctx, x.RebaseCommand, workspace, onto)
}

// run executes one hook. A non-zero exit is a failed Outcome; only a hook
// that cannot be started, or a cancelled ctx, is an error.
func (x *ExecIntegrator) run(ctx context.Context, command, workspace, target string) (Outcome, error) {
	// The command comes from operator config, not from workspace content.
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // G204: operator-configured hook
	cmd.Dir = x.Dir
	cmd.Env = append(append(os.Environ(), x.Env...),
		EnvWorkspace+"="+workspace,
		EnvTarget+"="+target,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("hook %q: %w", command, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Outcome{}, fmt.Errorf("hook %q: %w", command, err)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = exitErr.Error()
		}
		return Outcome{Success: false, Detail: truncate(detail, maxDetail)}, nil
	}
	return Outcome{Success: true, Revision: lastLine(stdout.String())}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// truncate keeps the tail of s, where hooks usually print the failure.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
