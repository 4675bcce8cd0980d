package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
)

// execute runs the activity act for tok, which sits on node. For plain tasks
// act is node; for multi-instance children it is the wrapped activity.
func (t *txn) execute(tok *state.Token, node, act *definition.Node) {
	if act.Kind == definition.KindCallActivity {
		t.call(tok, node, act)
		return
	}
	cfg, ok := definition.ActivityOf(act.Config)
	if !ok {
		t.broken(fmt.Errorf("node %s has no activity configuration", act.ID))
		return
	}

	inputs, err := t.e.eval.Map(t.ctx, cfg.Inputs, t.env(tok))
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}

	tok.Attempt++
	retries := 0
	if rs, ok := t.inst.Retries[tok.ID]; ok {
		retries = rs.Attempt
	}
	t.record(state.HistoryEntry{
		Kind:    state.EventTaskDispatched,
		TokenID: tok.ID,
		NodeID:  node.ID,
		Attempt: tok.Attempt,
		Detail:  cfg.Handler,
	})

	d := dispatch{
		instanceID: t.inst.ID,
		tokenID:    tok.ID,
		nodeID:     node.ID,
		attempt:    tok.Attempt,
		params: registry.TaskContextParams{
			InstanceID: t.inst.ID,
			TokenID:    tok.ID,
			NodeID:     node.ID,
			Kind:       act.Kind,
			Handler:    cfg.Handler,
			Attempt:    retries + 1,
			Inputs:     inputs,
			Config:     act.Config,
			Variables:  t.env(tok),
		},
		timeout: cfg.Timeout,
	}
	t.after(func(ctx context.Context) {
		t.e.submit(d)
	})
}

type dispatch struct {
	instanceID string
	tokenID    string
	nodeID     string
	attempt    int
	params     registry.TaskContextParams
	timeout    time.Duration
}

func (d dispatch) key() string {
	return fmt.Sprintf("%s#%d", d.tokenID, d.attempt)
}

// submit hands a dispatch to the worker pool. The result, whatever it is,
// comes back as a taskResult event.
func (e *Engine) submit(d dispatch) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.track(d.instanceID, d.key(), cancel)

	deliver := func(outputs map[string]any, fault *registry.Fault) {
		e.untrack(d.instanceID, d.key())
		cancel()
		ev := &taskResult{tokenID: d.tokenID, nodeID: d.nodeID, attempt: d.attempt, outputs: outputs, fault: fault, inputs: d.params.Inputs}
		if err := e.apply(e.ctx, d.instanceID, ev); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Error(e.ctx, "applying task result failed", "instance_id", d.instanceID, "token_id", d.tokenID, "error", err)
		}
	}

	j := &job{
		name: fmt.Sprintf("%s/%s", d.instanceID, d.key()),
		run: func(context.Context) error {
			outputs, fault := e.run(ctx, d)
			deliver(outputs, fault)
			return nil
		},
		onPanic: func(v any, stack string) {
			deliver(nil, registry.NewFault(registry.CodeHandlerPanic, "%v", v))
		},
	}
	if err := e.pool.Submit(j); err != nil {
		e.logger.Error(e.ctx, "submitting task failed", "instance_id", d.instanceID, "token_id", d.tokenID, "error", err)
		go deliver(nil, registry.NewFault(registry.CodeHandlerError, "submit: %v", err))
	}
}

// run executes the handler of d. Panics become HANDLER_PANIC faults.
func (e *Engine) run(ctx context.Context, d dispatch) (outputs map[string]any, fault *registry.Fault) {
	h, err := e.registry.Lookup(d.params.Handler)
	if err != nil {
		return nil, registry.AsFault(err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	params := d.params
	params.Logger = e.logger.WithFields(map[string]interface{}{
		"instance_id": d.instanceID,
		"node_id":     d.nodeID,
		"handler":     d.params.Handler,
	})
	tc := registry.NewTaskContext(ctx, params)

	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			fault = registry.NewFault(registry.CodeHandlerPanic, "%v", r)
		}
	}()
	result, err := h.Execute(tc)
	if err != nil {
		return nil, registry.AsFault(err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, registry.AsFault(ctx.Err())
	}
	return result, nil
}

// taskResult is the outcome of one handler execution.
type taskResult struct {
	tokenID string
	nodeID  string
	attempt int
	inputs  map[string]any
	outputs map[string]any
	fault   *registry.Fault
}

func (r *taskResult) apply(t *txn) error {
	tok, ok := t.inst.Tokens[r.tokenID]
	if t.inst.Status.Terminal() || !ok || tok.NodeID != r.nodeID || tok.State != state.TokenExecuting || tok.Attempt != r.attempt {
		t.discard(r.tokenID, r.nodeID, r.attempt)
		return nil
	}
	node, _ := t.def.Node(r.nodeID)
	act := activityNode(node)

	if r.fault != nil {
		t.record(state.HistoryEntry{
			Kind:    state.EventTaskFailed,
			TokenID: tok.ID,
			NodeID:  node.ID,
			Attempt: r.attempt,
			Fault:   &state.Fault{Category: state.CategoryHandler, Code: r.fault.Code, Message: r.fault.Message, NodeID: node.ID, TokenID: tok.ID},
		})
		t.handleFault(tok, node, r.fault)
		return nil
	}

	cfg, _ := definition.ActivityOf(act.Config)
	vars := registry.MapOutputs(r.outputs, cfg.Outputs)
	t.record(state.HistoryEntry{Kind: state.EventTaskCompleted, TokenID: tok.ID, NodeID: node.ID, Attempt: r.attempt})
	t.setVariables(tok, vars)
	t.inst.Completed = append(t.inst.Completed, state.ActivityRecord{
		TokenID:     tok.ID,
		NodeID:      node.ID,
		Handler:     cfg.Handler,
		Scope:       tok.Scope(),
		Inputs:      maps.Clone(r.inputs),
		Outputs:     maps.Clone(r.outputs),
		CompletedAt: t.now,
	})
	t.activityDone(tok, node)
	return nil
}

// discard records a result nobody waits for anymore. On a terminal instance
// this only appends history.
func (t *txn) discard(tokenID, nodeID string, attempt int) {
	if t.inst.Status.Terminal() {
		t.appendOnly = true
	}
	t.record(state.HistoryEntry{Kind: state.EventResultDiscarded, TokenID: tokenID, NodeID: nodeID, Attempt: attempt})
}

// activityDone moves tok on after its activity succeeded.
func (t *txn) activityDone(tok *state.Token, node *definition.Node) {
	if tok.Group != "" {
		t.childDone(tok)
		return
	}
	if tok.State == state.TokenWaiting {
		t.fire(tok, triggerResume)
	}
	t.follow(tok)
}

func activityNode(node *definition.Node) *definition.Node {
	if mi, ok := node.Config.(*definition.MultiInstanceConfig); ok && mi.Inner != nil {
		return mi.Inner
	}
	return node
}
