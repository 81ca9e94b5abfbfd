package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/roach88/stacktrain/internal/types"
)

func TestApplyCreate_RootAndChild(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	root := w.create("root", "")
	if root.StackDepth != 0 || root.StackRoot != "root" {
		t.Errorf("root depth/root = %d/%q, want 0/root", root.StackDepth, root.StackRoot)
	}
	if root.StackMergeState != types.StackIndependent {
		t.Errorf("root stack state = %s, want independent", root.StackMergeState)
	}
	if root.Position != 1 {
		t.Errorf("root position = %d, want 1", root.Position)
	}

	child := w.create("child", "root")
	if child.StackDepth != 1 || child.StackRoot != "root" {
		t.Errorf("child depth/root = %d/%q, want 1/root", child.StackDepth, child.StackRoot)
	}
	if child.StackMergeState != types.StackBlocked {
		t.Errorf("child stack state = %s, want blocked", child.StackMergeState)
	}

	grandchild := w.create("grandchild", "child")
	if grandchild.StackDepth != 2 || grandchild.StackRoot != "root" {
		t.Errorf("grandchild depth/root = %d/%q, want 2/root", grandchild.StackDepth, grandchild.StackRoot)
	}

	if deps := mustGet(t, s, "root").Dependents; !reflect.DeepEqual(deps, []string{"child"}) {
		t.Errorf("root dependents = %v, want [child]", deps)
	}
	if deps := mustGet(t, s, "grandchild").Dependents; len(deps) != 0 {
		t.Errorf("leaf dependents = %v, want empty", deps)
	}
}

func TestApplyCreate_UsesEventTime(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	e := w.create("ws", "")
	want := baseTime.Add(time.Second)
	if !e.CreatedAt.Equal(want) || !e.UpdatedAt.Equal(want) {
		t.Errorf("timestamps = %v/%v, want %v", e.CreatedAt, e.UpdatedAt, want)
	}
	if got := mustGet(t, s, "ws"); !got.CreatedAt.Equal(want) {
		t.Errorf("stored created_at = %v, want %v", got.CreatedAt, want)
	}
}

func TestAppendEvent_DuplicateCommand(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent(t, 1, types.OpCreate, "ws", types.Payload{})
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	dup := ev
	dup.Seq = 2
	if err := dup.Seal(); err != nil {
		t.Fatal(err)
	}
	err := s.AppendEvent(ctx, dup)
	if !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("AppendEvent(duplicate command) = %v, want ErrDuplicateCommand", err)
	}

	sameSeq := testEvent(t, 1, types.OpCreate, "other", types.Payload{})
	sameSeq.CommandID = "different"
	if err := s.AppendEvent(ctx, sameSeq); !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("AppendEvent(duplicate seq) = %v, want ErrDuplicateCommand", err)
	}
}

func TestApplyEvent_OutOfOrderIsStale(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent(t, 2, types.OpCreate, "ws", types.Payload{})
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyEvent(ctx, ev); !errors.Is(err, ErrStale) {
		t.Errorf("ApplyEvent(seq 2 on empty table) = %v, want ErrStale", err)
	}
}

func TestApplyEvent_ReapplyReturnsStoredResult(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := testEvent(t, 1, types.OpCreate, "ws", types.Payload{Priority: types.IntPtr(7)})
	first := write(t, s, ev)

	again, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second ApplyEvent() failed: %v", err)
	}
	if again.Workspace != first.Workspace || again.Priority != 7 || again.LastSeq != first.LastSeq {
		t.Errorf("reapply returned %+v, want %+v", again, first)
	}

	entries, _ := s.ListEntries(ctx)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}

	result, seq, ok, err := s.CommandResult(ctx, ev.CommandID)
	if err != nil || !ok {
		t.Fatalf("CommandResult() = ok %v, err %v", ok, err)
	}
	if seq != 1 || result.Priority != 7 {
		t.Errorf("CommandResult() = seq %d priority %d", seq, result.Priority)
	}
}

func TestApplyUpdate_Reparent(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("a", "")
	w.create("b", "a")
	w.create("c", "b")
	w.create("x", "")

	// Move b (and c with it) under x.
	w.next(types.OpUpdate, "b", types.Payload{Kind: types.UpdateReparent, Parent: "x"})

	b := mustGet(t, s, "b")
	c := mustGet(t, s, "c")
	if b.StackRoot != "x" || b.StackDepth != 1 {
		t.Errorf("b root/depth = %s/%d, want x/1", b.StackRoot, b.StackDepth)
	}
	if c.StackRoot != "x" || c.StackDepth != 2 {
		t.Errorf("c root/depth = %s/%d, want x/2", c.StackRoot, c.StackDepth)
	}
	if deps := mustGet(t, s, "a").Dependents; len(deps) != 0 {
		t.Errorf("a dependents = %v, want empty", deps)
	}
	if deps := mustGet(t, s, "x").Dependents; !reflect.DeepEqual(deps, []string{"b"}) {
		t.Errorf("x dependents = %v, want [b]", deps)
	}

	// Detach to root.
	w.next(types.OpUpdate, "b", types.Payload{Kind: types.UpdateReparent})
	b = mustGet(t, s, "b")
	if b.StackRoot != "b" || b.StackDepth != 0 || b.StackMergeState != types.StackIndependent {
		t.Errorf("detached b = %s/%d/%s", b.StackRoot, b.StackDepth, b.StackMergeState)
	}
	if c := mustGet(t, s, "c"); c.StackRoot != "b" || c.StackDepth != 1 {
		t.Errorf("c after detach = %s/%d, want b/1", c.StackRoot, c.StackDepth)
	}
}

func TestApplyUpdate_ReprioritizeAndRebased(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("ws", "")
	e := w.next(types.OpUpdate, "ws", types.Payload{Kind: types.UpdateReprioritize, Priority: types.IntPtr(0)})
	if e.Priority != 0 {
		t.Errorf("priority = %d, want 0", e.Priority)
	}

	at := baseTime.Add(time.Hour)
	e = w.next(types.OpUpdate, "ws", types.Payload{Kind: types.UpdateRebased, At: types.FormatTime(at)})
	if e.LastRebaseAt == nil || !e.LastRebaseAt.Equal(at) {
		t.Errorf("last_rebase_at = %v, want %v", e.LastRebaseAt, at)
	}
	if got := mustGet(t, s, "ws"); got.LastRebaseAt == nil || got.LastSeq != 3 {
		t.Errorf("stored entry = %+v", got)
	}
}

func TestApplyTransition_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("ws", "")
	e := w.transition("ws", types.StateChecking, types.Payload{})
	if e.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", e.AttemptCount)
	}

	e = w.transition("ws", types.StateBlocked, types.Payload{BlockReason: types.BlockIntegration, Detail: "tests failed"})
	if e.BlockReason != types.BlockIntegration || e.ErrorDetail != "tests failed" {
		t.Errorf("blocked entry = %s/%q", e.BlockReason, e.ErrorDetail)
	}

	e = w.transition("ws", types.StateChecking, types.Payload{})
	if e.AttemptCount != 2 || e.BlockReason != types.BlockNone || e.ErrorDetail != "" {
		t.Errorf("retried entry = %d/%s/%q", e.AttemptCount, e.BlockReason, e.ErrorDetail)
	}

	e = w.transition("ws", types.StateMergeable, types.Payload{Revision: "trunk-1"})
	if e.TestedAgainst != "trunk-1" {
		t.Errorf("tested_against = %q", e.TestedAgainst)
	}

	e = w.transition("ws", types.StateMerged, types.Payload{Revision: "trunk-2"})
	if e.MergedRevision != "trunk-2" || e.StackMergeState != types.StackMerged {
		t.Errorf("merged entry = %q/%s", e.MergedRevision, e.StackMergeState)
	}
}

func TestApplyTransition_IllegalFails(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)
	w.create("ws", "")

	ev := testEvent(t, 2, types.OpTransition, "ws", types.Payload{State: types.StateMerged})
	if err := s.AppendEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyEvent(context.Background(), ev); err == nil {
		t.Error("expected draft -> merged to fail at apply")
	}
	if got := mustGet(t, s, "ws"); got.State != types.StateDraft {
		t.Errorf("state = %s after failed apply, want draft", got.State)
	}
}

func TestApplyTransition_MergeReleasesDependents(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("parent", "")
	w.create("child", "parent")
	w.create("grandchild", "child")

	w.transition("parent", types.StateChecking, types.Payload{})
	w.transition("parent", types.StateMergeable, types.Payload{Revision: "r1"})

	if c := mustGet(t, s, "child"); c.StackMergeState != types.StackBlocked {
		t.Fatalf("child stack state before merge = %s, want blocked", c.StackMergeState)
	}

	w.transition("parent", types.StateMerged, types.Payload{Revision: "r2"})

	child := mustGet(t, s, "child")
	if child.StackMergeState != types.StackReady {
		t.Errorf("child stack state = %s, want ready", child.StackMergeState)
	}
	if !child.RebasePending {
		t.Error("child should be rebase-pending after parent merge")
	}
	if gc := mustGet(t, s, "grandchild"); gc.StackMergeState != types.StackBlocked {
		t.Errorf("grandchild stack state = %s, want blocked", gc.StackMergeState)
	}

	blocked, err := s.FindBlocked(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].Workspace != "grandchild" {
		t.Errorf("FindBlocked() = %v, want [grandchild]", blocked)
	}
}

func TestApplyUpdate_ReparentUnderMergedParentNeedsRebase(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("base", "")
	w.create("ws", "")
	w.transition("base", types.StateChecking, types.Payload{})
	w.transition("base", types.StateMergeable, types.Payload{Revision: "r1"})
	w.transition("base", types.StateMerged, types.Payload{Revision: "r2"})

	e := w.next(types.OpUpdate, "ws", types.Payload{Kind: types.UpdateReparent, Parent: "base"})
	if e.StackMergeState != types.StackReady {
		t.Errorf("stack state = %s, want ready", e.StackMergeState)
	}
	if !e.RebasePending {
		t.Error("entry moved under a merged parent should be rebase-pending")
	}
	if got := mustGet(t, s, "ws"); !got.RebasePending {
		t.Error("stored entry should be rebase-pending")
	}

	late := w.create("late", "base")
	if !late.RebasePending {
		t.Error("entry created under a merged parent should be rebase-pending")
	}

	// An unmerged parent blocks instead.
	w.create("other", "")
	e = w.next(types.OpUpdate, "late", types.Payload{Kind: types.UpdateReparent, Parent: "other"})
	if e.StackMergeState != types.StackBlocked {
		t.Errorf("stack state under unmerged parent = %s, want blocked", e.StackMergeState)
	}
}

func TestApplyDelete_ReattachesChildren(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)

	w.create("a", "")
	w.create("b", "a")
	w.create("c", "b")
	w.create("d", "c")

	w.transition("b", types.StateKicked, types.Payload{Detail: "abandoned"})
	deleted := w.next(types.OpDelete, "b", types.Payload{})
	if deleted.Workspace != "b" || deleted.State != types.StateKicked {
		t.Errorf("delete result = %+v", deleted)
	}

	if _, err := s.GetEntry(context.Background(), "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntry(b) after delete = %v, want ErrNotFound", err)
	}
	c := mustGet(t, s, "c")
	if c.ParentWorkspace != "a" || c.StackDepth != 1 || c.StackRoot != "a" {
		t.Errorf("c = parent %q depth %d root %q", c.ParentWorkspace, c.StackDepth, c.StackRoot)
	}
	if d := mustGet(t, s, "d"); d.StackDepth != 2 {
		t.Errorf("d depth = %d, want 2", d.StackDepth)
	}
	if deps := mustGet(t, s, "a").Dependents; !reflect.DeepEqual(deps, []string{"c"}) {
		t.Errorf("a dependents = %v, want [c]", deps)
	}
}

func TestApplyDelete_RejectsLiveEntry(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)
	w.create("ws", "")

	ev := testEvent(t, 2, types.OpDelete, "ws", types.Payload{})
	if err := s.AppendEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyEvent(context.Background(), ev); err == nil {
		t.Error("expected delete of a draft entry to fail")
	}
}

func TestChildrenOfIgnoresCache(t *testing.T) {
	s := createTestStore(t)
	w := newLogWriter(t, s)
	w.create("root", "")
	w.create("b", "root")
	w.create("a", "root")

	if _, err := s.db.Exec("UPDATE queue_entries SET dependents = '[\"zzz\"]' WHERE workspace = 'root'"); err != nil {
		t.Fatal(err)
	}

	children, err := s.ChildrenOf(context.Background(), "root")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(children, []string{"b", "a"}) {
		t.Errorf("ChildrenOf() = %v, want [b a]", children)
	}
}
