package harness

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/stacktrain/internal/testutil"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // full trace for context
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Op, ev.Workspace, ev.State)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertEntry:
		return assertEntry(result, a)
	case AssertAbsent:
		return assertAbsent(result, a)
	case AssertCalls:
		return assertCalls(result, a)
	case AssertEventCount:
		return assertEventCount(result, a)
	case AssertOrder:
		return assertMergeOrder(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertEntry checks fields of one final entry by their JSON names. Only
// the listed fields are compared.
func assertEntry(result *Result, a Assertion) error {
	e := result.entry(a.Workspace)
	if e == nil {
		return &AssertionError{
			Type:     AssertEntry,
			Expected: fmt.Sprintf("entry %s", a.Workspace),
			Actual:   "not in the final table",
			Trace:    result.Trace,
		}
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		if !valuesEqual(a.Expect[k], fields[k]) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %v, got %v", k, a.Expect[k], fields[k]))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertEntry,
			Expected: fmt.Sprintf("%s with %v", a.Workspace, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// valuesEqual compares a YAML value with a JSON-decoded one. Numbers decode
// differently on each side, so values are compared by their printed form;
// an omitted JSON field equals the zero value.
func valuesEqual(want, got any) bool {
	if got == nil {
		switch w := want.(type) {
		case string:
			return w == ""
		case bool:
			return !w
		case int:
			return w == 0
		case nil:
			return true
		}
		return false
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

func assertAbsent(result *Result, a Assertion) error {
	if result.entry(a.Workspace) != nil {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no entry %s", a.Workspace),
			Actual:   "entry present",
		}
	}
	return nil
}

func assertCalls(result *Result, a Assertion) error {
	want := a.Calls
	if want == nil {
		want = []testutil.Call{}
	}
	got := result.Calls
	if got == nil {
		got = []testutil.Call{}
	}
	if !slices.Equal(want, got) {
		return &AssertionError{
			Type:     AssertCalls,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertEventCount(result *Result, a Assertion) error {
	n := 0
	for _, ev := range result.Trace {
		if a.Op == "" || ev.Op == a.Op {
			n++
		}
	}
	if n != a.Count {
		what := "events"
		if a.Op != "" {
			what = a.Op + " events"
		}
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertMergeOrder(result *Result, a Assertion) error {
	got := result.mergeOrder()
	if !slices.Equal(a.Workspaces, got) {
		return &AssertionError{
			Type:     AssertOrder,
			Expected: fmt.Sprintf("%v", a.Workspaces),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}
