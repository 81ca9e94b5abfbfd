package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stacktrain/internal/stack"
	"github.com/roach88/stacktrain/internal/types"
)

// plan validates cmd against a snapshot of the table and returns the event
// op and payload that carry it out. Nothing is written when plan fails.
func plan(cmd Command, snapshot []types.Entry, now time.Time) (types.Op, types.Payload, error) {
	idx := stack.Index(snapshot)
	ws := cmd.Workspace

	if cmd.Kind == KindCreate {
		return planCreate(cmd, snapshot, idx)
	}

	if ws == "" {
		return "", types.Payload{}, &types.ValidationError{
			Code: types.CodeInvalidWorkspace, Message: "workspace name is empty",
		}
	}
	cur := idx[ws]
	if cur == nil {
		return "", types.Payload{}, types.NotFound(ws)
	}

	switch cmd.Kind {
	case KindReparent:
		if err := rejectTerminal(cur, "reparent"); err != nil {
			return "", types.Payload{}, err
		}
		if cmd.Parent != "" {
			if err := validateParent(cmd.Parent); err != nil {
				return "", types.Payload{}, err
			}
			if err := stack.ValidateNoCycle(cmd.Parent, ws, snapshot); err != nil {
				return "", types.Payload{}, fromStackError(ws, err)
			}
		}
		return types.OpUpdate, types.Payload{Kind: types.UpdateReparent, Parent: cmd.Parent}, nil

	case KindReprioritize:
		if err := rejectTerminal(cur, "reprioritize"); err != nil {
			return "", types.Payload{}, err
		}
		if cmd.Priority == nil {
			return "", types.Payload{}, invalidCommand(ws, "reprioritize without a priority")
		}
		if err := types.ValidatePriority(ws, *cmd.Priority); err != nil {
			return "", types.Payload{}, err
		}
		return types.OpUpdate, types.Payload{Kind: types.UpdateReprioritize, Priority: cmd.Priority}, nil

	case KindDependents:
		return types.OpUpdate, types.Payload{Kind: types.UpdateDependents}, nil

	case KindRebased:
		if err := rejectTerminal(cur, "record a rebase for"); err != nil {
			return "", types.Payload{}, err
		}
		at := cmd.At
		if at.IsZero() {
			at = now
		}
		return types.OpUpdate, types.Payload{Kind: types.UpdateRebased, At: types.FormatTime(at)}, nil

	case KindTransition:
		if err := types.CheckTransition(ws, cur.State, cmd.State); err != nil {
			return "", types.Payload{}, err
		}
		p := types.Payload{State: cmd.State, Detail: cmd.Detail}
		switch cmd.State {
		case types.StateBlocked:
			p.BlockReason = cmd.BlockReason
			if p.BlockReason == types.BlockNone {
				p.BlockReason = types.BlockIntegration
			}
			if !p.BlockReason.Valid() {
				return "", types.Payload{}, invalidCommand(ws, fmt.Sprintf("unknown block reason %q", cmd.BlockReason))
			}
		case types.StateMergeable, types.StateMerged:
			p.Revision = cmd.Revision
		}
		return types.OpTransition, p, nil

	case KindDelete:
		if !cur.State.IsTerminal() {
			return "", types.Payload{}, &types.ValidationError{
				Code:      types.CodeNotTerminal,
				Workspace: ws,
				Message:   fmt.Sprintf("state %s is not terminal", cur.State),
			}
		}
		return types.OpDelete, types.Payload{}, nil
	}

	return "", types.Payload{}, invalidCommand(ws, fmt.Sprintf("unknown command kind %q", cmd.Kind))
}

func planCreate(cmd Command, snapshot []types.Entry, idx map[string]*types.Entry) (types.Op, types.Payload, error) {
	ws := cmd.Workspace
	if err := types.ValidateWorkspaceName(ws); err != nil {
		return "", types.Payload{}, err
	}
	if idx[ws] != nil {
		return "", types.Payload{}, &types.ValidationError{
			Code:      types.CodeDuplicate,
			Workspace: ws,
			Message:   "workspace is already queued",
		}
	}

	if err := types.ValidateAgentID(ws, cmd.AgentID); err != nil {
		return "", types.Payload{}, err
	}
	p := types.Payload{IssueID: cmd.IssueID, AgentID: cmd.AgentID}
	if cmd.Priority != nil {
		if err := types.ValidatePriority(ws, *cmd.Priority); err != nil {
			return "", types.Payload{}, err
		}
		p.Priority = cmd.Priority
	} else {
		p.Priority = types.IntPtr(types.DefaultPriority)
	}

	if cmd.Parent != "" {
		if err := validateParent(cmd.Parent); err != nil {
			return "", types.Payload{}, err
		}
		if err := stack.ValidateNoCycle(cmd.Parent, ws, snapshot); err != nil {
			return "", types.Payload{}, fromStackError(ws, err)
		}
		p.Parent = cmd.Parent
	}
	return types.OpCreate, p, nil
}

// validateParent applies the workspace name rules to a parent reference. The
// payload carries the parent normalized, so a name that is not already
// normalized would resolve to a different row on apply.
func validateParent(parent string) error {
	if err := types.ValidateWorkspaceName(parent); err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			ve.Message = "parent: " + ve.Message
		}
		return err
	}
	return nil
}

func rejectTerminal(e *types.Entry, action string) error {
	if e.State.IsTerminal() {
		return invalidCommand(e.Workspace, fmt.Sprintf("cannot %s a %s entry", action, e.State))
	}
	return nil
}

func invalidCommand(ws, msg string) error {
	return &types.ValidationError{Code: types.CodeInvalidCommand, Workspace: ws, Message: msg}
}

// fromStackError maps a graph error to the validation taxonomy.
func fromStackError(ws string, err error) error {
	var se *stack.Error
	if !errors.As(err, &se) {
		return err
	}
	ve := &types.ValidationError{Workspace: ws, Message: se.Error()}
	switch se.Code {
	case stack.CodeCycleDetected:
		ve.Code = types.CodeCycle
		ve.Path = se.Path
	case stack.CodeParentNotFound:
		ve.Code = types.CodeParentNotFound
	case stack.CodeWorkspaceNotFound:
		ve.Code = types.CodeNotFound
	case stack.CodeDepthExceeded:
		ve.Code = types.CodeDepthExceeded
	default:
		ve.Code = types.CodeInvalidCommand
	}
	return ve
}
