package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/stacktrain/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func stateColor(s types.QueueState) func(a ...any) string {
	switch s {
	case types.StateMerged, types.StateMergeable:
		return green
	case types.StateChecking:
		return cyan
	case types.StateBlocked:
		return red
	case types.StateKicked:
		return gray
	}
	return yellow
}

// entryLine renders one entry on a single line, indented by stack depth
// when indent is set.
func entryLine(w io.Writer, e types.Entry, indent bool) {
	pad := ""
	if indent {
		pad = strings.Repeat("  ", e.StackDepth)
	}
	fmt.Fprintf(w, "%s%-9s %s  prio=%d", pad, stateColor(e.State)(string(e.State)), bold(e.Workspace), e.Priority)
	if e.ParentWorkspace != "" {
		fmt.Fprintf(w, " parent=%s", e.ParentWorkspace)
	}
	if e.StackMergeState != types.StackIndependent {
		fmt.Fprintf(w, " stack=%s", e.StackMergeState)
	}
	if e.RebasePending {
		fmt.Fprintf(w, " %s", yellow("rebase-pending"))
	}
	if e.BlockReason != types.BlockNone {
		fmt.Fprintf(w, " reason=%s", e.BlockReason)
	}
	if e.ErrorDetail != "" {
		fmt.Fprintf(w, " %s", gray(e.ErrorDetail))
	}
	fmt.Fprintln(w)
}

func entryText(e types.Entry) func(io.Writer) {
	return func(w io.Writer) { entryLine(w, e, false) }
}
