package engine

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
)

// items turns the value of a collection expression into a list.
func items(v any) ([]any, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return c, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("collection is a %T, not a list", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// enterMulti starts a multi-instance activation. The entering token waits on
// the group while one child token per item runs the wrapped activity.
func (t *txn) enterMulti(tok *state.Token, node *definition.Node) {
	cfg := node.Config.(*definition.MultiInstanceConfig)
	v, err := t.e.eval.Eval(t.ctx, cfg.Collection, t.env(tok))
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}
	list, err := items(v)
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}

	g := &state.Group{
		ID:         tok.ID,
		NodeID:     node.ID,
		Items:      list,
		Sequential: cfg.Sequential,
	}
	if cfg.OutputCollection != "" {
		g.Results = make([]any, len(list))
	}
	t.inst.Groups[g.ID] = g
	t.park(tok, state.Wait{ID: g.ID, Kind: state.WaitMulti})
	t.record(state.HistoryEntry{Kind: state.EventMultiStarted, TokenID: tok.ID, NodeID: node.ID, Detail: fmt.Sprintf("%d items", len(list))})

	if len(list) == 0 {
		t.finishGroup(g)
		return
	}
	if cfg.Sequential {
		t.spawn(g, cfg)
		return
	}
	for g.Next < len(g.Items) {
		t.spawn(g, cfg)
	}
}

func (t *txn) spawn(g *state.Group, cfg *definition.MultiInstanceConfig) {
	i := g.Next
	g.Next++
	child := t.newToken(g.NodeID, g.ID)
	child.Group = g.ID
	child.Index = i
	child.Locals = map[string]any{
		cfg.ItemVariable:          g.Items[i],
		cfg.IndexVariable:         i,
		definition.VarLoopCounter: i,
	}
	g.Active = append(g.Active, child.ID)
}

func (t *txn) groupOf(tok *state.Token) (*state.Group, *definition.MultiInstanceConfig, bool) {
	g, ok := t.inst.Groups[tok.Group]
	if !ok {
		return nil, nil, false
	}
	node, ok := t.def.Node(g.NodeID)
	if !ok {
		return nil, nil, false
	}
	return g, node.Config.(*definition.MultiInstanceConfig), true
}

// childDone accounts for a child whose activity succeeded.
func (t *txn) childDone(tok *state.Token) {
	g, cfg, ok := t.groupOf(tok)
	if !ok {
		t.broken(fmt.Errorf("token %s belongs to unknown group %s", tok.ID, tok.Group))
		return
	}
	if cfg.OutputElement != "" {
		v, err := t.e.eval.Eval(t.ctx, cfg.OutputElement, t.env(tok))
		if err != nil {
			t.expressionFault(tok, t.mustNode(g.NodeID), err)
			return
		}
		g.Results[tok.Index] = v
	}
	g.Completed++
	g.Active = slices.DeleteFunc(g.Active, func(id string) bool { return id == tok.ID })
	t.record(state.HistoryEntry{Kind: state.EventMultiChildDone, TokenID: tok.ID, NodeID: g.NodeID, Detail: fmt.Sprintf("%d/%d", g.Completed, len(g.Items))})
	t.retire(tok, state.EventTokenCompleted, "")

	if cfg.CompletionCondition != "" {
		env := t.env(nil)
		groupVars(g, env)
		done, err := t.e.eval.Bool(t.ctx, cfg.CompletionCondition, env)
		if err != nil {
			t.expressionFault(tok, t.mustNode(g.NodeID), err)
			return
		}
		if done {
			t.cancelChildren(g, "completion condition")
			t.finishGroup(g)
			return
		}
	}
	t.progress(g, cfg)
}

// childFailed accounts for a child whose fault was not retried further.
func (t *txn) childFailed(tok *state.Token, fault *state.Fault) {
	g, cfg, ok := t.groupOf(tok)
	if !ok {
		t.broken(fmt.Errorf("token %s belongs to unknown group %s", tok.ID, tok.Group))
		return
	}
	g.Failed++
	g.Active = slices.DeleteFunc(g.Active, func(id string) bool { return id == tok.ID })
	t.retire(tok, state.EventTokenCancelled, fault.Code)

	if cfg.KeepRemainingOnFailure {
		t.progress(g, cfg)
		return
	}

	t.cancelChildren(g, "sibling failed")
	delete(t.inst.Groups, g.ID)
	parent, ok := t.inst.Tokens[g.ID]
	if !ok {
		t.broken(fmt.Errorf("group %s lost its token", g.ID))
		return
	}
	node := t.mustNode(g.NodeID)
	t.routeFault(parent, node, &state.Fault{
		Category: fault.Category,
		Code:     fault.Code,
		Message:  fmt.Sprintf("%s: item %d: %s", registry.CodeMultiInstanceFailed, tok.Index, fault.Message),
		NodeID:   node.ID,
		TokenID:  parent.ID,
	})
}

// progress starts the next sequential child or finishes the group once no
// child is left.
func (t *txn) progress(g *state.Group, cfg *definition.MultiInstanceConfig) {
	if g.Sequential && g.Next < len(g.Items) {
		t.spawn(g, cfg)
		return
	}
	if len(g.Active) == 0 && g.Next >= len(g.Items) {
		t.finishGroup(g)
	}
}

func (t *txn) cancelChildren(g *state.Group, reason string) {
	var ids []string
	for _, id := range g.Active {
		if tok, ok := t.inst.Tokens[id]; ok {
			t.cancelToken(tok, reason)
			ids = append(ids, id)
		}
	}
	g.Active = nil
	g.Next = len(g.Items)
	if len(ids) > 0 {
		instanceID := t.inst.ID
		t.after(func(ctx context.Context) {
			t.e.abort(instanceID, ids...)
		})
	}
}

// finishGroup writes the output collection and moves the waiting token on.
func (t *txn) finishGroup(g *state.Group) {
	node := t.mustNode(g.NodeID)
	cfg := node.Config.(*definition.MultiInstanceConfig)
	delete(t.inst.Groups, g.ID)
	t.record(state.HistoryEntry{Kind: state.EventMultiCompleted, TokenID: g.ID, NodeID: g.NodeID, Detail: fmt.Sprintf("%d completed, %d failed", g.Completed, g.Failed)})

	parent, ok := t.inst.Tokens[g.ID]
	if !ok {
		t.broken(fmt.Errorf("group %s lost its token", g.ID))
		return
	}
	if cfg.OutputCollection != "" {
		results := g.Results
		if results == nil {
			results = []any{}
		}
		t.setVariables(parent, map[string]any{cfg.OutputCollection: results})
	}
	t.move(parent, t.def.Outgoing(node.ID)[0].Target)
}

func (t *txn) mustNode(id string) *definition.Node {
	n, ok := t.def.Node(id)
	if !ok {
		t.broken(fmt.Errorf("unknown node %s", id))
		return &definition.Node{ID: id}
	}
	return n
}
