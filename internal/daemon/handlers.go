package daemon

import (
	"context"
	"encoding/json"

	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
	"github.com/roach88/stacktrain/internal/uds"
)

// Socket command names.
const (
	CmdSubmit       = "submit"
	CmdTransition   = "transition"
	CmdReprioritize = "reprioritize"
	CmdReparent     = "reparent"
	CmdRemove       = "remove"
	CmdPurge        = "purge"
	CmdClaim        = "claim"
	CmdRelease      = "release"
)

// Register exposes svc on srv.
func Register(srv *uds.Server, svc Ops) {
	srv.Handle(CmdSubmit, handle(svc.Submit))
	srv.Handle(CmdTransition, handle(svc.Transition))
	srv.Handle(CmdReprioritize, handle(svc.Reprioritize))
	srv.Handle(CmdReparent, handle(svc.Reparent))
	srv.Handle(CmdRemove, handle(svc.Remove))
	srv.Handle(CmdPurge, handle(svc.Purge))
	srv.Handle(CmdClaim, handle(svc.Claim))
	srv.Handle(CmdRelease, handle(func(ctx context.Context, p ClaimParams) (struct{}, error) {
		return struct{}{}, svc.Release(ctx, p)
	}))
}

// handle adapts a typed operation to a socket handler.
func handle[P, R any](op func(context.Context, P) (R, error)) uds.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if err := uds.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return op(ctx, p)
	}
}

// Remote implements Ops by calling a serving daemon.
type Remote struct {
	c *uds.Client
}

var _ Ops = (*Remote)(nil)

// NewRemote returns Ops backed by the daemon at c.
func NewRemote(c *uds.Client) *Remote { return &Remote{c: c} }

func call[R any](ctx context.Context, c *uds.Client, command string, params any) (R, error) {
	var out R
	err := c.Call(ctx, command, params, &out)
	return out, err
}

func (r *Remote) Submit(ctx context.Context, req queue.SubmitRequest) (types.Entry, error) {
	return call[types.Entry](ctx, r.c, CmdSubmit, req)
}

func (r *Remote) Transition(ctx context.Context, p TransitionParams) (types.Entry, error) {
	return call[types.Entry](ctx, r.c, CmdTransition, p)
}

func (r *Remote) Reprioritize(ctx context.Context, p ReprioritizeParams) (types.Entry, error) {
	return call[types.Entry](ctx, r.c, CmdReprioritize, p)
}

func (r *Remote) Reparent(ctx context.Context, p ReparentParams) (types.Entry, error) {
	return call[types.Entry](ctx, r.c, CmdReparent, p)
}

func (r *Remote) Remove(ctx context.Context, p RemoveParams) (types.Entry, error) {
	return call[types.Entry](ctx, r.c, CmdRemove, p)
}

func (r *Remote) Purge(ctx context.Context, p PurgeParams) ([]string, error) {
	return call[[]string](ctx, r.c, CmdPurge, p)
}

func (r *Remote) Claim(ctx context.Context, p ClaimParams) (store.Lock, error) {
	return call[store.Lock](ctx, r.c, CmdClaim, p)
}

func (r *Remote) Release(ctx context.Context, p ClaimParams) error {
	_, err := call[struct{}](ctx, r.c, CmdRelease, p)
	return err
}

// Close is a no-op; every call uses its own connection.
func (r *Remote) Close() error { return nil }
