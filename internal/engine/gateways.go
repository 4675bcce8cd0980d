package engine

import (
	"fmt"
	"maps"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
)

// matching returns the edges of node whose condition holds, in evaluation
// order. The default edge is only returned when nothing else matched. With
// first set, evaluation stops at the first match.
func (t *txn) matching(tok *state.Token, node *definition.Node, first bool) ([]*definition.Edge, error) {
	env := t.env(tok)
	var taken []*definition.Edge
	var fallback *definition.Edge
	for _, edge := range t.def.Outgoing(node.ID) {
		if edge.Default {
			fallback = edge
			continue
		}
		if edge.Condition == "" {
			taken = append(taken, edge)
		} else {
			ok, err := t.e.eval.Bool(t.ctx, edge.Condition, env)
			if err != nil {
				return nil, fmt.Errorf("edge %s: %w", edge.ID, err)
			}
			if ok {
				taken = append(taken, edge)
			}
		}
		if first && len(taken) > 0 {
			return taken, nil
		}
	}
	if len(taken) == 0 && fallback != nil {
		taken = append(taken, fallback)
	}
	return taken, nil
}

func (t *txn) noMatchingEdge(tok *state.Token, node *definition.Node) {
	t.terminate(&state.Fault{
		Category: state.CategoryConfiguration,
		Code:     registry.CodeNoMatchingEdge,
		Message:  fmt.Sprintf("no outgoing edge of %s matched and there is no default", node.ID),
		NodeID:   node.ID,
		TokenID:  tok.ID,
	})
}

// exclusive takes the first edge whose condition holds.
func (t *txn) exclusive(tok *state.Token, node *definition.Node) {
	taken, err := t.matching(tok, node, true)
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}
	if len(taken) == 0 {
		t.noMatchingEdge(tok, node)
		return
	}
	t.record(state.HistoryEntry{Kind: state.EventGatewayTaken, TokenID: tok.ID, NodeID: node.ID, Target: taken[0].Target, Detail: taken[0].ID})
	t.move(tok, taken[0].Target)
}

// split consumes tok and creates one child per taken edge. The fork keeps
// the consumed token id so the join can find it.
func (t *txn) split(tok *state.Token, node *definition.Node) {
	var taken []*definition.Edge
	if node.Kind == definition.KindParallelGateway {
		taken = t.def.Outgoing(node.ID)
	} else {
		var err error
		if taken, err = t.matching(tok, node, false); err != nil {
			t.expressionFault(tok, node, err)
			return
		}
	}
	if len(taken) == 0 {
		t.noMatchingEdge(tok, node)
		return
	}

	join, _ := t.def.JoinOf(node.ID)
	t.inst.Forks[tok.ID] = &state.Fork{
		ID:            tok.ID,
		Gateway:       node.ID,
		Join:          join,
		Kind:          node.Kind.String(),
		Expected:      len(taken),
		ParentTokenID: tok.ParentTokenID,
	}
	t.retire(tok, state.EventTokenConsumed, "split")

	for _, edge := range taken {
		t.record(state.HistoryEntry{Kind: state.EventGatewayTaken, TokenID: tok.ID, NodeID: node.ID, Target: edge.Target, Detail: edge.ID})
		child := t.newToken(node.ID, tok.ID)
		child.Group = tok.Group
		child.Index = tok.Index
		child.Locals = maps.Clone(tok.Locals)
		t.move(child, edge.Target)
	}
}

// arrive parks tok on the join of its fork and fires the join once every
// expected branch is there.
func (t *txn) arrive(tok *state.Token, node *definition.Node) {
	f, ok := t.inst.Forks[tok.ParentTokenID]
	if !ok || f.Join != node.ID {
		t.terminate(&state.Fault{
			Category: state.CategoryDefinition,
			Code:     registry.CodeUnbalancedJoin,
			Message:  fmt.Sprintf("token %s reached join %s without a matching split", tok.ID, node.ID),
			NodeID:   node.ID,
			TokenID:  tok.ID,
		})
		return
	}
	f.Arrived = append(f.Arrived, tok.ID)
	t.record(state.HistoryEntry{Kind: state.EventJoinArrived, TokenID: tok.ID, NodeID: node.ID, Detail: fmt.Sprintf("%d/%d", len(f.Arrived), f.Expected)})
	t.park(tok, state.Wait{ID: f.ID, Kind: state.WaitJoin})
	t.tryJoin(f)
}

func (t *txn) tryJoin(f *state.Fork) {
	if f.Expected <= 0 {
		// every branch ended early: the split token never reaches the
		// enclosing join either
		delete(t.inst.Forks, f.ID)
		if parent, ok := t.inst.Forks[f.ParentTokenID]; ok {
			parent.Expected--
			t.tryJoin(parent)
		}
		return
	}
	if len(f.Arrived) < f.Expected {
		return
	}

	var group string
	var index int
	var locals map[string]any
	for _, id := range f.Arrived {
		if tok, ok := t.inst.Tokens[id]; ok {
			group, index, locals = tok.Group, tok.Index, tok.Locals
			t.retire(tok, state.EventTokenConsumed, "join")
		}
	}
	delete(t.inst.Forks, f.ID)

	t.record(state.HistoryEntry{Kind: state.EventJoinFired, NodeID: f.Join, Detail: f.ID})
	merged := t.newToken(f.Join, f.ParentTokenID)
	merged.Group = group
	merged.Index = index
	merged.Locals = locals
	t.follow(merged)
}
