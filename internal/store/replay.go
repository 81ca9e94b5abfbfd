package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/stacktrain/internal/types"
)

// Recover brings queue_entries up to the log head. If the applied watermark
// already equals the head it does nothing; otherwise it rebuilds the table
// from the first event. Returns the number of events replayed.
func (s *Store) Recover(ctx context.Context) (int, error) {
	head, err := s.LastSeq(ctx)
	if err != nil {
		return 0, &DurabilityError{Op: "recover", Err: err}
	}
	applied, err := s.AppliedSeq(ctx)
	if err != nil {
		return 0, &DurabilityError{Op: "recover", Err: err}
	}
	if applied == head {
		return 0, nil
	}

	slog.Warn("queue table behind log, replaying", "applied", applied, "head", head)
	return s.Rebuild(ctx)
}

// Rebuild truncates the materialized side (queue_entries, command_results
// and the watermark) and replays every event in seq order inside a single
// transaction. A checksum mismatch or an event that cannot be applied stops
// the rebuild with *CorruptionError and leaves the previous table intact.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	events, err := s.ReadEvents(ctx, 0, 0)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &DurabilityError{Op: "recover", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM queue_entries",
		"DELETE FROM command_results",
		"DELETE FROM queue_meta WHERE key = 'applied_seq'",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, &DurabilityError{Op: "recover", Err: err}
		}
	}

	var prev int64
	for _, ev := range events {
		if ev.Seq != prev+1 {
			return 0, &CorruptionError{Seq: ev.Seq, Reason: fmt.Sprintf("gap after seq %d", prev)}
		}
		ok, err := ev.Verify()
		if err != nil {
			return 0, &CorruptionError{Seq: ev.Seq, Reason: err.Error()}
		}
		if !ok {
			return 0, &CorruptionError{Seq: ev.Seq, Reason: "checksum mismatch"}
		}
		if _, err := applyAndRecord(ctx, tx, ev); err != nil {
			return 0, &CorruptionError{Seq: ev.Seq, Reason: err.Error()}
		}
		prev = ev.Seq
	}

	if err := tx.Commit(); err != nil {
		return 0, &DurabilityError{Op: "recover", Seq: prev, Err: err}
	}

	slog.Info("rebuilt queue table", "events", len(events), "head", prev)
	return len(events), nil
}

// ReplayDiff describes one workspace whose live row differs from a replay.
// Live or Replayed is nil when the workspace is missing on that side.
type ReplayDiff struct {
	Workspace string       `json:"workspace"`
	Live      *types.Entry `json:"live,omitempty"`
	Replayed  *types.Entry `json:"replayed,omitempty"`
}

// ReplayReport summarizes a VerifyReplay run.
type ReplayReport struct {
	Events        int          `json:"events"`
	Entries       int          `json:"entries"`
	Deterministic bool         `json:"deterministic"`
	Diffs         []ReplayDiff `json:"diffs"`
}

// VerifyReplay copies the log into a scratch database, rebuilds it there
// twice and compares the result with the live table. The live database is
// only read.
func (s *Store) VerifyReplay(ctx context.Context) (ReplayReport, error) {
	events, err := s.ReadEvents(ctx, 0, 0)
	if err != nil {
		return ReplayReport{}, err
	}
	live, err := s.ListEntries(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	dir, err := os.MkdirTemp("", "stacktrain-replay-*")
	if err != nil {
		return ReplayReport{}, fmt.Errorf("verify replay: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch, err := OpenContext(ctx, filepath.Join(dir, "replay.db"))
	if err != nil {
		return ReplayReport{}, fmt.Errorf("verify replay: %w", err)
	}
	defer scratch.Close()

	for _, ev := range events {
		if err := scratch.AppendEvent(ctx, ev); err != nil {
			return ReplayReport{}, fmt.Errorf("verify replay: copy seq %d: %w", ev.Seq, err)
		}
	}

	if _, err := scratch.Rebuild(ctx); err != nil {
		return ReplayReport{}, err
	}
	first, err := scratch.ListEntries(ctx)
	if err != nil {
		return ReplayReport{}, err
	}
	if _, err := scratch.Rebuild(ctx); err != nil {
		return ReplayReport{}, err
	}
	second, err := scratch.ListEntries(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	report := ReplayReport{
		Events:  len(events),
		Entries: len(live),
		Diffs:   diffEntries(live, first),
	}
	report.Diffs = append(report.Diffs, diffEntries(first, second)...)
	report.Deterministic = len(report.Diffs) == 0
	return report, nil
}

// diffEntries compares two snapshots by workspace using their JSON form.
func diffEntries(a, b []types.Entry) []ReplayDiff {
	diffs := []ReplayDiff{}
	byName := make(map[string]*types.Entry, len(b))
	for i := range b {
		byName[b[i].Workspace] = &b[i]
	}
	seen := make(map[string]bool, len(a))

	for i := range a {
		left := &a[i]
		seen[left.Workspace] = true
		right := byName[left.Workspace]
		if right == nil || !sameEntry(*left, *right) {
			diffs = append(diffs, ReplayDiff{Workspace: left.Workspace, Live: left, Replayed: right})
		}
	}
	for i := range b {
		if !seen[b[i].Workspace] {
			diffs = append(diffs, ReplayDiff{Workspace: b[i].Workspace, Replayed: &b[i]})
		}
	}
	return diffs
}

func sameEntry(a, b types.Entry) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
