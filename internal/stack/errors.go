package stack

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes.
const (
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeParentNotFound    = "PARENT_NOT_FOUND"
	CodeWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	CodeDepthExceeded     = "DEPTH_EXCEEDED"
)

// MaxDepth bounds stack depth. A chain longer than this is rejected.
const MaxDepth = 32

// Error is a structural problem in the parent graph.
type Error struct {
	Code      string
	Workspace string   // workspace the walk started from
	Parent    string   // missing parent, for PARENT_NOT_FOUND
	Path      []string // cycle path, first element repeated at the end
	Depth     int      // offending depth, for DEPTH_EXCEEDED
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeCycleDetected:
		return fmt.Sprintf("cycle detected at %s: %s", e.Workspace, strings.Join(e.Path, " -> "))
	case CodeParentNotFound:
		return fmt.Sprintf("parent %q of %s not found", e.Parent, e.Workspace)
	case CodeWorkspaceNotFound:
		return fmt.Sprintf("workspace %q not found", e.Workspace)
	case CodeDepthExceeded:
		return fmt.Sprintf("stack depth %d of %s exceeds maximum %d", e.Depth, e.Workspace, MaxDepth)
	}
	return e.Code
}

// IsCycle reports whether err is a cycle error.
func IsCycle(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == CodeCycleDetected
}

// IsParentNotFound reports whether err is a dangling parent reference.
func IsParentNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == CodeParentNotFound
}
