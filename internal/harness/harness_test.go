package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stacktrain/internal/types"
)

func run(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	return result
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(s.Name, func(t *testing.T) {
			result := run(t, s)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.True(t, result.Deterministic)
		})
	}
}

func TestRun_UnexpectedValidationErrorFails(t *testing.T) {
	result := run(t, &Scenario{
		Name:        "dup",
		Description: "duplicate without expect_error",
		Steps: []Step{
			{Do: DoSubmit, Workspace: "a"},
			{Do: DoSubmit, Workspace: "a"},
		},
	})

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Contains(t, result.Errors[0], types.CodeDuplicate)
}

func TestRun_MissingExpectedErrorFails(t *testing.T) {
	result := run(t, &Scenario{
		Name:        "no error",
		Description: "expect_error that does not happen",
		Steps: []Step{
			{Do: DoSubmit, Workspace: "a", ExpectError: types.CodeDuplicate},
		},
	})

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected DUPLICATE")
}

func TestRun_FailedAssertionFails(t *testing.T) {
	result := run(t, &Scenario{
		Name:        "wrong state",
		Description: "entry assertion that does not hold",
		Steps:       []Step{{Do: DoSubmit, Workspace: "a"}},
		Assertions: []Assertion{
			{Type: AssertEntry, Workspace: "a", Expect: map[string]any{"state": "merged"}},
		},
	})

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "state: want merged, got draft")
}

func TestRun_TraceAndFinal(t *testing.T) {
	result := run(t, &Scenario{
		Name:        "trace",
		Description: "submit and reprioritize",
		Steps: []Step{
			{Do: DoSubmit, Workspace: "a", ID: "ci-1"},
			{Do: DoReprioritize, Workspace: "a", Priority: types.IntPtr(8)},
		},
	})
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, TraceEvent{
		Seq: 1, Op: "create", Workspace: "a", CommandID: "ci-1", Priority: types.IntPtr(5),
	}, result.Trace[0])
	assert.Equal(t, TraceEvent{
		Seq: 2, Op: "update", Workspace: "a", CommandID: "cmd-1", Kind: "reprioritize", Priority: types.IntPtr(8),
	}, result.Trace[1])

	require.Len(t, result.Final, 1)
	assert.Equal(t, 8, result.Final[0].Priority)
	assert.Empty(t, result.Calls)
	assert.True(t, result.Deterministic)
}

func TestRun_RepeatedFailures(t *testing.T) {
	result := run(t, &Scenario{
		Name:        "flaky",
		Description: "two scripted failures then success",
		Steps: []Step{
			{Do: DoSubmit, Workspace: "a"},
			{Do: DoFailIntegrate, Workspace: "a", Times: 2},
			{Do: DoTick},
			{Do: DoRetry, Workspace: "a"},
			{Do: DoTick},
			{Do: DoRetry, Workspace: "a"},
			{Do: DoTick},
		},
		Assertions: []Assertion{
			{Type: AssertEntry, Workspace: "a", Expect: map[string]any{"state": "merged", "attempt_count": 3}},
		},
	})
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
