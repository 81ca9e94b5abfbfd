package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/stacktrain/internal/vcs"
)

// Step scripts one integrate or rebase call.
type Step struct {
	Fail   bool          // return an unsuccessful Outcome with Detail
	Detail string        // diagnostic for Fail
	Err    error         // return this error instead of an Outcome
	Delay  time.Duration // block this long first, or until ctx ends
}

// Call records one invocation of the fake.
type Call struct {
	Op        string `json:"op" yaml:"op"` // "integrate" or "rebase"
	Workspace string `json:"workspace" yaml:"workspace"`
	Target    string `json:"target" yaml:"target"`
}

// FakeIntegrator is a scripted vcs.Integrator. Calls succeed unless a Step
// was queued for the workspace. Every successful integrate advances trunk
// to "trunk-N".
//
// Thread-safety: FakeIntegrator is safe for concurrent use.
type FakeIntegrator struct {
	mu        sync.Mutex
	trunk     string
	landed    int
	integrate map[string][]Step
	rebase    map[string][]Step
	calls     []Call
}

var _ vcs.Integrator = (*FakeIntegrator)(nil)

// NewFakeIntegrator starts with trunk at "trunk-0".
func NewFakeIntegrator() *FakeIntegrator {
	return &FakeIntegrator{
		trunk:     "trunk-0",
		integrate: map[string][]Step{},
		rebase:    map[string][]Step{},
	}
}

// ScriptIntegrate queues steps for the next Integrate calls on workspace.
func (f *FakeIntegrator) ScriptIntegrate(workspace string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.integrate[workspace] = append(f.integrate[workspace], steps...)
}

// ScriptRebase queues steps for the next Rebase calls on workspace.
func (f *FakeIntegrator) ScriptRebase(workspace string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebase[workspace] = append(f.rebase[workspace], steps...)
}

// Calls returns a copy of the recorded calls in order.
func (f *FakeIntegrator) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// TrunkRevision returns the current fake trunk.
func (f *FakeIntegrator) TrunkRevision(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trunk, nil
}

// Integrate lands workspace and advances trunk, unless scripted otherwise.
func (f *FakeIntegrator) Integrate(ctx context.Context, workspace, target string) (vcs.Outcome, error) {
	step := f.record("integrate", workspace, target, f.integrate)
	if out, done, err := play(ctx, step); done {
		return out, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.landed++
	f.trunk = fmt.Sprintf("trunk-%d", f.landed)
	return vcs.Outcome{Success: true, Revision: f.trunk}, nil
}

// Rebase succeeds with revision "<workspace>@<onto>", unless scripted
// otherwise.
func (f *FakeIntegrator) Rebase(ctx context.Context, workspace, onto string) (vcs.Outcome, error) {
	step := f.record("rebase", workspace, onto, f.rebase)
	if out, done, err := play(ctx, step); done {
		return out, err
	}
	return vcs.Outcome{Success: true, Revision: workspace + "@" + onto}, nil
}

func (f *FakeIntegrator) record(op, workspace, target string, script map[string][]Step) Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Workspace: workspace, Target: target})

	steps := script[workspace]
	if len(steps) == 0 {
		return Step{}
	}
	script[workspace] = steps[1:]
	return steps[0]
}

// play applies a step. done reports whether the step decided the result.
func play(ctx context.Context, s Step) (vcs.Outcome, bool, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return vcs.Outcome{}, true, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return vcs.Outcome{}, true, s.Err
	}
	if s.Fail {
		return vcs.Outcome{Success: false, Detail: s.Detail}, true, nil
	}
	if err := ctx.Err(); err != nil {
		return vcs.Outcome{}, true, err
	}
	return vcs.Outcome{}, false, nil
}
