package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
)

// call starts a child instance of another definition and parks tok until it
// ends.
func (t *txn) call(tok *state.Token, node, act *definition.Node) {
	cfg := act.Config.(*definition.CallConfig)

	if t.inst.CallDepth+1 > t.e.cfg.MaxCallDepth {
		t.handleFault(tok, node, registry.PermanentFault(registry.CodeCallDepthExceeded,
			"call depth %d exceeds %d", t.inst.CallDepth+1, t.e.cfg.MaxCallDepth))
		return
	}
	childDef, err := t.e.Definition(cfg.Definition, cfg.Version)
	if err != nil {
		t.handleFault(tok, node, registry.PermanentFault(registry.CodeDefinitionNotFound, "%v", err))
		return
	}
	inputs, err := t.e.eval.Map(t.ctx, cfg.Inputs, t.env(tok))
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}

	tok.Attempt++
	childID := uuid.NewString()
	t.park(tok, state.Wait{Kind: state.WaitCall, ChildInstanceID: childID})
	t.record(state.HistoryEntry{Kind: state.EventCallStarted, TokenID: tok.ID, NodeID: node.ID, Attempt: tok.Attempt, Detail: childID})

	req := childRequest{
		def:      childDef,
		childID:  childID,
		vars:     inputs,
		depth:    t.inst.CallDepth + 1,
		parentID: t.inst.ID,
		tokenID:  tok.ID,
	}
	t.after(func(ctx context.Context) {
		t.e.startChild(ctx, req)
	})
}

type childRequest struct {
	def      *definition.Definition
	childID  string
	vars     map[string]any
	depth    int
	parentID string
	tokenID  string
}

func (e *Engine) startChild(ctx context.Context, req childRequest) {
	inst, err := e.newInstance(req.def, req.childID, req.vars)
	if err == nil {
		inst.CallDepth = req.depth
		inst.ParentInstanceID = req.parentID
		inst.ParentTokenID = req.tokenID
		err = e.create(ctx, req.def, inst, &startInstance{vars: inst.Variables})
	}
	if err != nil {
		e.logger.Error(ctx, "starting child instance failed", "parent_id", req.parentID, "child_id", req.childID, "error", err)
		e.notifyParent(ctx, childDone{
			parentID: req.parentID,
			tokenID:  req.tokenID,
			childID:  req.childID,
			status:   state.StatusFailed,
			fault: &state.Fault{
				Category: state.CategoryInfrastructure,
				Code:     registry.CodeChildFailed,
				Message:  err.Error(),
			},
		})
	}
}

// childDone tells a parent how its child instance ended.
type childDone struct {
	parentID string
	tokenID  string
	childID  string
	status   state.Status
	vars     map[string]any
	fault    *state.Fault
}

func (e *Engine) notifyParent(ctx context.Context, done childDone) {
	if err := e.apply(ctx, done.parentID, &done); err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Error(ctx, "notifying parent failed", "parent_id", done.parentID, "child_id", done.childID, "error", err)
	}
}

func (c *childDone) apply(t *txn) error {
	tok, ok := t.inst.Tokens[c.tokenID]
	if t.inst.Status.Terminal() || !ok || tok.WaitingOn == nil || tok.WaitingOn.Kind != state.WaitCall || tok.WaitingOn.ChildInstanceID != c.childID {
		t.discard(c.tokenID, "", 0)
		return nil
	}
	node, _ := t.def.Node(tok.NodeID)
	cfg := activityNode(node).Config.(*definition.CallConfig)
	t.record(state.HistoryEntry{Kind: state.EventCallFinished, TokenID: tok.ID, NodeID: node.ID, Status: c.status, Detail: c.childID})

	switch c.status {
	case state.StatusCompleted:
		outputs, err := t.e.eval.Map(t.ctx, cfg.Outputs, c.vars)
		if err != nil {
			t.expressionFault(tok, node, err)
			return nil
		}
		t.setVariables(tok, outputs)
		t.activityDone(tok, node)
	case state.StatusCancelled:
		t.handleFault(tok, node, registry.PermanentFault(registry.CodeChildCancelled, "child instance %s was cancelled", c.childID))
	default:
		msg := fmt.Sprintf("child instance %s failed", c.childID)
		if c.fault != nil {
			msg = fmt.Sprintf("%s: %s %s", msg, c.fault.Code, c.fault.Message)
		}
		t.handleFault(tok, node, registry.NewFault(registry.CodeChildFailed, "%s", msg))
	}
	return nil
}

// resumeCall checks a child instance that a parent waits on after a
// restart: a finished child is reported again, a missing one is started.
func (e *Engine) resumeCall(ctx context.Context, parent *state.Instance, tok *state.Token) {
	childID := tok.WaitingOn.ChildInstanceID
	child, err := e.store.Load(ctx, childID)
	switch {
	case errors.Is(err, store.ErrInstanceNotFound):
		def, derr := e.Definition(parent.DefinitionID, parent.DefinitionVersion)
		if derr != nil {
			e.logger.Error(ctx, "resuming call failed", "instance_id", parent.ID, "error", derr)
			return
		}
		node, ok := def.Node(tok.NodeID)
		if !ok {
			return
		}
		cfg := activityNode(node).Config.(*definition.CallConfig)
		childDef, derr := e.Definition(cfg.Definition, cfg.Version)
		if derr != nil {
			e.notifyParent(ctx, childDone{parentID: parent.ID, tokenID: tok.ID, childID: childID, status: state.StatusFailed,
				fault: &state.Fault{Category: state.CategoryConfiguration, Code: registry.CodeDefinitionNotFound, Message: derr.Error()}})
			return
		}
		env := parent.Variables
		if tok.Group != "" {
			env = mergeLocals(parent.Variables, tok.Locals)
		}
		vars, derr := e.eval.Map(ctx, cfg.Inputs, env)
		if derr != nil {
			e.logger.Error(ctx, "resuming call failed", "instance_id", parent.ID, "error", derr)
			return
		}
		e.startChild(ctx, childRequest{def: childDef, childID: childID, vars: vars, depth: parent.CallDepth + 1, parentID: parent.ID, tokenID: tok.ID})
	case err != nil:
		e.logger.Error(ctx, "loading child failed", "child_id", childID, "error", err)
	case child.Status.Terminal():
		e.notifyParent(ctx, childDone{parentID: parent.ID, tokenID: tok.ID, childID: childID, status: child.Status, vars: child.Variables, fault: child.Fault})
	}
}

func mergeLocals(vars, locals map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+len(locals))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range locals {
		out[k] = v
	}
	return out
}
