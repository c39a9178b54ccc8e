package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"simrig/engine"
	"simrig/ops"
	"simrig/rcon"
	"simrig/rpc"
	"simrig/session"
)

// serveOp runs one frame through the middleware chain. Ops get a fresh
// context: their lifetime is the Timeout middleware's business, not the
// read loop's.
func (g *Gateway) serveOp(req *ops.Request) *ops.Response {
	return g.handler(context.Background(), req)
}

// dispatch is the innermost handler behind the middleware chain.
func (g *Gateway) dispatch(ctx context.Context, req *ops.Request) *ops.Response {
	switch req.Op {
	case ops.OpCreate:
		return g.opCreate(ctx, req)
	case ops.OpClose:
		return g.opClose(ctx, req)
	case ops.OpSave:
		return g.opSave(ctx, req)
	case ops.OpCall:
		return g.opCall(ctx, req)
	case ops.OpStep:
		return g.opStep(ctx, req)
	case ops.OpInfo:
		return g.opInfo(ctx, req)
	case ops.OpList:
		return g.opList(ctx, req)
	default:
		return ops.Fail(req.ID, ops.KindBadRequest, fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (g *Gateway) opCreate(ctx context.Context, req *ops.Request) *ops.Response {
	if g.shutdown.Load() {
		return ops.Fail(req.ID, ops.KindInternal, "gateway is shutting down")
	}
	if req.Save == "" {
		return ops.Fail(req.ID, ops.KindBadRequest, "create needs a world snapshot path in save")
	}

	cfg := g.cfg.Engine
	cfg.SavePath = req.Save
	if cfg.Logger == nil {
		cfg.Logger = g.log
	}
	inst, err := g.launch(ctx, cfg)
	if err != nil {
		return g.failFrom(req.ID, err)
	}

	id, err := g.addSession(inst)
	if err != nil {
		_ = inst.Close()
		return g.failFrom(req.ID, err)
	}
	g.log.Info("session created", zap.String("session", id))
	return ops.Ok(req.ID, g.sessionInfo(id, inst))
}

func (g *Gateway) opClose(ctx context.Context, req *ops.Request) *ops.Response {
	inst, ok := g.removeSession(req.Session)
	if !ok {
		return g.unknownSession(req)
	}
	if err := inst.Close(); err != nil {
		return g.failFrom(req.ID, err)
	}
	g.log.Info("session closed", zap.String("session", req.Session))
	return ops.Ok(req.ID, nil)
}

func (g *Gateway) opSave(ctx context.Context, req *ops.Request) *ops.Response {
	inst, ok := g.lookupSession(req.Session)
	if !ok {
		return g.unknownSession(req)
	}
	if req.Dest == "" {
		return ops.Fail(req.ID, ops.KindBadRequest, "save needs a destination path in dest")
	}
	if err := inst.Save(ctx, req.Dest); err != nil {
		return g.failFrom(req.ID, err)
	}
	return ops.Ok(req.ID, map[string]string{"dest": req.Dest})
}

func (g *Gateway) opCall(ctx context.Context, req *ops.Request) *ops.Response {
	inst, ok := g.lookupSession(req.Session)
	if !ok {
		return g.unknownSession(req)
	}
	if req.Method == "" {
		return ops.Fail(req.ID, ops.KindBadRequest, "call needs a method")
	}
	raw, err := inst.Session().CallRaw(ctx, req.Method, req.Params)
	if err != nil {
		return g.failFrom(req.ID, err)
	}
	// Raw passthrough; a null result stays an absent result.
	return &ops.Response{ID: req.ID, OK: true, Result: raw}
}

func (g *Gateway) opStep(ctx context.Context, req *ops.Request) *ops.Response {
	inst, ok := g.lookupSession(req.Session)
	if !ok {
		return g.unknownSession(req)
	}
	if req.Ticks < 0 {
		return ops.Fail(req.ID, ops.KindBadRequest, fmt.Sprintf("cannot step %d ticks", req.Ticks))
	}
	sess := inst.Session()
	if err := sess.Step(ctx, req.Ticks); err != nil {
		return g.failFrom(req.ID, err)
	}
	return ops.Ok(req.ID, map[string]int64{"tick": sess.CurrentTick()})
}

func (g *Gateway) opInfo(ctx context.Context, req *ops.Request) *ops.Response {
	inst, ok := g.lookupSession(req.Session)
	if !ok {
		return g.unknownSession(req)
	}
	return ops.Ok(req.ID, g.sessionInfo(req.Session, inst))
}

func (g *Gateway) opList(ctx context.Context, req *ops.Request) *ops.Response {
	g.mu.Lock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)

	infos := make([]ops.SessionInfo, 0, len(ids))
	for _, id := range ids {
		if inst, ok := g.lookupSession(id); ok {
			infos = append(infos, g.sessionInfo(id, inst))
		}
	}
	return ops.Ok(req.ID, infos)
}

func (g *Gateway) sessionInfo(id string, inst Instance) ops.SessionInfo {
	return ops.SessionInfo{
		Session:         id,
		GamePort:        inst.GamePort(),
		ConsolePort:     inst.ConsolePort(),
		ConsolePassword: inst.ConsolePassword(),
		WorkDir:         inst.WorkDir(),
		CurrentTick:     inst.Session().CurrentTick(),
	}
}

func (g *Gateway) unknownSession(req *ops.Request) *ops.Response {
	return ops.Fail(req.ID, ops.KindUnknownSession, fmt.Sprintf("no session %q", req.Session))
}

// failFrom classifies err into the wire taxonomy.
func (g *Gateway) failFrom(id int64, err error) *ops.Response {
	return ops.Fail(id, errorKind(err), err.Error())
}

func errorKind(err error) string {
	var callErr *session.CallError
	switch {
	case errors.Is(err, engine.ErrLaunchExhausted):
		return ops.KindLaunchExhausted
	case errors.Is(err, rcon.ErrAuthFailed):
		return ops.KindAuthFailed
	case errors.Is(err, engine.ErrSaveTimeout):
		return ops.KindSaveTimeout
	case errors.Is(err, rpc.ErrUnsupportedPayload):
		return ops.KindUnsupportedPayload
	case errors.Is(err, session.ErrUnexpectedNull):
		return ops.KindUnexpectedNull
	case errors.Is(err, session.ErrTickOvershoot):
		return ops.KindTickOvershoot
	case errors.As(err, &callErr):
		return ops.KindRPCFailure
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ops.KindTimeout
	default:
		return ops.KindInternal
	}
}
