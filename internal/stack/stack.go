package stack

import (
	"github.com/roach88/stacktrain/internal/types"
)

// Index maps workspace name to entry.
func Index(entries []types.Entry) map[string]*types.Entry {
	idx := make(map[string]*types.Entry, len(entries))
	for i := range entries {
		idx[entries[i].Workspace] = &entries[i]
	}
	return idx
}

// Ancestors returns the parent chain of workspace, nearest first.
func Ancestors(workspace string, entries []types.Entry) ([]string, error) {
	return walkUp(workspace, Index(entries))
}

// walkUp follows parent edges from workspace until a root, detecting
// revisits and dangling references.
func walkUp(workspace string, idx map[string]*types.Entry) ([]string, error) {
	cur, ok := idx[workspace]
	if !ok {
		return nil, &Error{Code: CodeWorkspaceNotFound, Workspace: workspace}
	}

	seen := map[string]int{workspace: 0}
	path := []string{workspace}
	var chain []string
	for cur.ParentWorkspace != "" {
		parent := cur.ParentWorkspace
		if at, dup := seen[parent]; dup {
			cycle := append(append([]string{}, path[at:]...), parent)
			return nil, &Error{Code: CodeCycleDetected, Workspace: workspace, Path: cycle}
		}
		next, ok := idx[parent]
		if !ok {
			return nil, &Error{Code: CodeParentNotFound, Workspace: cur.Workspace, Parent: parent}
		}
		seen[parent] = len(path)
		path = append(path, parent)
		chain = append(chain, parent)
		cur = next
	}
	return chain, nil
}

// CalculateStackDepth returns the number of ancestors of workspace.
// Roots have depth 0.
func CalculateStackDepth(workspace string, entries []types.Entry) (int, error) {
	chain, err := Ancestors(workspace, entries)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// FindStackRoot returns the topmost ancestor of workspace, or workspace
// itself when it has no parent.
func FindStackRoot(workspace string, entries []types.Entry) (string, error) {
	chain, err := Ancestors(workspace, entries)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return workspace, nil
	}
	return chain[len(chain)-1], nil
}

// ValidateNoCycle checks that making candidateParent the parent of
// candidateChild keeps the graph acyclic and within MaxDepth.
// candidateChild need not exist yet.
func ValidateNoCycle(candidateParent, candidateChild string, entries []types.Entry) error {
	if candidateParent == "" {
		return nil
	}
	if candidateParent == candidateChild {
		return &Error{
			Code:      CodeCycleDetected,
			Workspace: candidateChild,
			Path:      []string{candidateChild, candidateChild},
		}
	}

	idx := Index(entries)
	if _, ok := idx[candidateParent]; !ok {
		return &Error{Code: CodeParentNotFound, Workspace: candidateChild, Parent: candidateParent}
	}

	// The parent's chain is walked in the current graph. If the child sits
	// on it, the new edge would close a loop.
	chain, err := walkUp(candidateParent, idx)
	if err != nil {
		return err
	}
	full := append([]string{candidateParent}, chain...)
	for i, ws := range full {
		if ws == candidateChild {
			cycle := append([]string{candidateChild}, full[:i]...)
			cycle = append(cycle, candidateChild)
			return &Error{Code: CodeCycleDetected, Workspace: candidateChild, Path: cycle}
		}
	}

	depth := len(chain) + 1
	if depth+subtreeHeight(candidateChild, entries) > MaxDepth {
		return &Error{Code: CodeDepthExceeded, Workspace: candidateChild, Depth: depth}
	}
	return nil
}

// BuildDependentList returns the direct children of workspace in insertion
// order (by Position, then name).
func BuildDependentList(workspace string, entries []types.Entry) []string {
	var children []*types.Entry
	for i := range entries {
		if entries[i].ParentWorkspace == workspace && entries[i].Workspace != workspace {
			children = append(children, &entries[i])
		}
	}
	sortByPosition(children)

	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.Workspace
	}
	return out
}

// Descendants returns every transitive child of workspace in breadth-first
// order. Workspace itself is not included. Revisits are skipped, so a
// corrupted graph cannot loop.
func Descendants(workspace string, entries []types.Entry) []string {
	seen := map[string]bool{workspace: true}
	var out []string
	frontier := []string{workspace}
	for len(frontier) > 0 {
		var next []string
		for _, ws := range frontier {
			for _, child := range BuildDependentList(ws, entries) {
				if seen[child] {
					continue
				}
				seen[child] = true
				out = append(out, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return out
}

// subtreeHeight returns the longest downward path below workspace.
func subtreeHeight(workspace string, entries []types.Entry) int {
	height := 0
	seen := map[string]bool{workspace: true}
	frontier := []string{workspace}
	for len(frontier) > 0 {
		var next []string
		for _, ws := range frontier {
			for _, child := range BuildDependentList(ws, entries) {
				if !seen[child] {
					seen[child] = true
					next = append(next, child)
				}
			}
		}
		if len(next) > 0 {
			height++
		}
		frontier = next
	}
	return height
}
