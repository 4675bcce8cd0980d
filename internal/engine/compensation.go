package engine

import (
	"context"
	"fmt"

	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
)

type undo struct {
	index  int
	record state.ActivityRecord
}

type undone struct {
	index   int
	nodeID  string
	tokenID string
	err     error
	skipped bool
}

// compensate undoes the completed activities of scope, most recent first.
// An empty scope covers the whole instance. With tokenID set, that token
// waits for the run to finish before it moves to its handler target.
func (t *txn) compensate(scope, tokenID string) {
	var todo []undo
	for i := len(t.inst.Completed) - 1; i >= 0; i-- {
		rec := t.inst.Completed[i]
		if rec.Compensated || (scope != "" && rec.Scope != scope) {
			continue
		}
		todo = append(todo, undo{index: i, record: rec})
	}
	t.record(state.HistoryEntry{Kind: state.EventCompensationStarted, TokenID: tokenID, Detail: fmt.Sprintf("%d activities", len(todo))})

	if len(todo) == 0 {
		if tok, ok := t.inst.Tokens[tokenID]; ok && !t.inst.Status.Terminal() {
			t.move(tok, tok.WaitingOn.Target)
		}
		return
	}

	instanceID := t.inst.ID
	vars := t.env(nil)
	t.after(func(ctx context.Context) {
		t.e.runCompensation(instanceID, tokenID, vars, todo)
	})
}

func (e *Engine) runCompensation(instanceID, tokenID string, vars map[string]any, todo []undo) {
	deliver := func(results []undone) {
		if err := e.apply(e.ctx, instanceID, &compensationDone{tokenID: tokenID, results: results}); err != nil {
			e.logger.Error(e.ctx, "applying compensation failed", "instance_id", instanceID, "error", err)
		}
	}
	j := &job{
		name: fmt.Sprintf("%s/compensation", instanceID),
		run: func(ctx context.Context) error {
			results := make([]undone, 0, len(todo))
			for _, u := range todo {
				results = append(results, e.undo(ctx, instanceID, vars, u))
			}
			deliver(results)
			return nil
		},
	}
	if err := e.pool.Submit(j); err != nil {
		e.logger.Error(e.ctx, "submitting compensation failed", "instance_id", instanceID, "error", err)
	}
}

// undo runs the compensator of one record. Handlers without one have
// nothing to undo.
func (e *Engine) undo(ctx context.Context, instanceID string, vars map[string]any, u undo) (out undone) {
	out = undone{index: u.index, nodeID: u.record.NodeID, tokenID: u.record.TokenID}
	h, err := e.registry.Lookup(u.record.Handler)
	if err != nil {
		out.err = err
		return out
	}
	c, ok := h.(registry.Compensator)
	if !ok {
		out.skipped = true
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out.err = registry.NewFault(registry.CodeHandlerPanic, "%v", r)
		}
	}()
	tc := registry.NewTaskContext(ctx, registry.TaskContextParams{
		InstanceID: instanceID,
		TokenID:    u.record.TokenID,
		NodeID:     u.record.NodeID,
		Handler:    u.record.Handler,
		Attempt:    1,
		Inputs:     u.record.Inputs,
		Outputs:    u.record.Outputs,
		Variables:  vars,
		Logger:     e.logger.WithFields(map[string]interface{}{"instance_id": instanceID, "node_id": u.record.NodeID}),
	})
	out.err = c.Compensate(tc)
	return out
}

// compensationDone records the outcome of a compensation run. Failures are
// recorded and not retried.
type compensationDone struct {
	tokenID string
	results []undone
}

func (c *compensationDone) apply(t *txn) error {
	terminal := t.inst.Status.Terminal()
	if terminal {
		t.appendOnly = true
	}
	for _, r := range c.results {
		if r.skipped {
			continue
		}
		if r.err != nil {
			t.record(state.HistoryEntry{Kind: state.EventCompensationFailed, TokenID: r.tokenID, NodeID: r.nodeID, Detail: r.err.Error()})
			continue
		}
		if !terminal && r.index < len(t.inst.Completed) {
			t.inst.Completed[r.index].Compensated = true
		}
		t.record(state.HistoryEntry{Kind: state.EventCompensationCompleted, TokenID: r.tokenID, NodeID: r.nodeID})
	}
	if terminal || c.tokenID == "" {
		return nil
	}
	tok, ok := t.inst.Tokens[c.tokenID]
	if !ok || tok.WaitingOn == nil || tok.WaitingOn.Kind != state.WaitCompensation {
		return nil
	}
	t.move(tok, tok.WaitingOn.Target)
	return nil
}
