// Package harness runs merge-queue scenarios against the real writer, queue
// and train with a deterministic clock, sequential command IDs and a
// scripted integrator.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: stack_lands_in_order
//	description: "A child lands after its parent"
//	steps:
//	  - do: submit
//	    workspace: root
//	  - do: submit
//	    workspace: child
//	    parent: root
//	  - do: fail_integrate
//	    workspace: child
//	    detail: "tests failed"
//	  - do: tick
//	    times: 2
//	  - do: reparent
//	    workspace: root
//	    parent: child
//	    expect_error: CYCLE
//	assertions:
//	  - type: entry
//	    workspace: child
//	    expect: { state: blocked, block_reason: integration }
//	  - type: calls
//	    calls:
//	      - { op: integrate, workspace: root, target: trunk-0 }
//
// A tick step runs one train tick and then every queued rebase.
//
// # Golden Traces
//
// RunWithGolden compares the event log, integrator calls and final table
// of a run against testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
