package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/stacktrain/internal/testutil"
)

// TraceSnapshot is what a golden file pins down for one run.
type TraceSnapshot struct {
	Scenario      string          `json:"scenario"`
	Trace         []TraceEvent    `json:"trace"`
	Calls         []testutil.Call `json:"calls"`
	Final         []FinalEntry    `json:"final"`
	Deterministic bool            `json:"deterministic"`
}

// Snapshot builds the golden view of result.
func Snapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{
		Scenario:      name,
		Trace:         result.Trace,
		Calls:         append([]testutil.Call{}, result.Calls...),
		Final:         []FinalEntry{},
		Deterministic: result.Deterministic,
	}
	for _, e := range result.Final {
		s.Final = append(s.Final, finalEntry(e))
	}
	return s
}

// MarshalSnapshot renders s as indented JSON with a trailing newline.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden runs scenario in a temp dir and compares its snapshot with
// testdata/golden/<name>.golden. It returns the result for further checks.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, t.TempDir())
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares result with the golden file for name.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(Snapshot(name, result))
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
