package stack

import (
	"sort"

	"github.com/roach88/stacktrain/internal/types"
)

func sortByPosition(es []*types.Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Position != es[j].Position {
			return es[i].Position < es[j].Position
		}
		return es[i].Workspace < es[j].Workspace
	})
}

// TopoOrder returns every workspace with parents before children, using
// Kahn's algorithm. Dangling parent references are treated as roots. If the
// graph contains a cycle, the returned error carries one cycle path.
func TopoOrder(entries []types.Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	ordered := make([]*types.Entry, len(entries))
	for i := range entries {
		ordered[i] = &entries[i]
	}
	sortByPosition(ordered)

	idx := Index(entries)
	inDegree := make(map[string]int, len(entries))
	forward := make(map[string][]string)
	for _, e := range ordered {
		if _, ok := idx[e.ParentWorkspace]; ok && e.ParentWorkspace != "" {
			inDegree[e.Workspace]++
			forward[e.ParentWorkspace] = append(forward[e.ParentWorkspace], e.Workspace)
		}
	}

	var queue []string
	for _, e := range ordered {
		if inDegree[e.Workspace] == 0 {
			queue = append(queue, e.Workspace)
		}
	}

	sorted := make([]string, 0, len(entries))
	for len(queue) > 0 {
		ws := queue[0]
		queue = queue[1:]
		sorted = append(sorted, ws)
		for _, child := range forward[ws] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(sorted) == len(entries) {
		return sorted, nil
	}

	// Every node left with in-degree > 0 sits on or below a cycle; walking
	// up from any of them reaches it.
	for _, e := range ordered {
		if inDegree[e.Workspace] > 0 {
			if _, err := walkUp(e.Workspace, idx); err != nil {
				return nil, err
			}
		}
	}
	return nil, &Error{Code: CodeCycleDetected, Path: []string{"(cycle detected)"}}
}
