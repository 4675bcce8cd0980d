package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/state"
)

// event is anything that changes an instance: a start, a handler result, a
// fired wait, a signal, an operator command.
type event interface {
	apply(t *txn) error
}

// txn is one transition of one instance. Everything it changes lives on its
// private clone until commit.
type txn struct {
	e    *Engine
	ctx  context.Context
	def  *definition.Definition
	inst *state.Instance
	now  time.Time

	history []state.HistoryEntry
	// local effects run under the instance lock after commit, remote ones
	// after the lock is released.
	local  []func()
	remote []func(context.Context)

	// appendOnly transactions only add history to a terminal instance.
	appendOnly bool
	steps      int
	err        error
}

func (e *Engine) newTxn(ctx context.Context, def *definition.Definition, inst *state.Instance) *txn {
	return &txn{
		e:    e,
		ctx:  ctx,
		def:  def,
		inst: inst,
		now:  e.clock.Now().UTC(),
	}
}

func (t *txn) record(entry state.HistoryEntry) {
	t.inst.Seq++
	entry.InstanceID = t.inst.ID
	entry.Seq = t.inst.Seq
	entry.At = t.now
	t.history = append(t.history, entry)
}

// broken records an internal inconsistency. The transaction is abandoned.
func (t *txn) broken(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *txn) fire(tok *state.Token, trig trigger) {
	if err := fireToken(tok, trig); err != nil {
		t.broken(err)
	}
}

func (t *txn) onCommit(fn func()) {
	t.local = append(t.local, fn)
}

func (t *txn) after(fn func(ctx context.Context)) {
	t.remote = append(t.remote, fn)
}

func (t *txn) commit(expected int64) error {
	t.inst.UpdatedAt = t.now
	if t.appendOnly {
		_, err := t.e.store.AppendHistory(t.ctx, t.inst.ID, t.history...)
		return err
	}
	return t.e.store.Save(t.ctx, t.inst, expected, t.history...)
}

func (t *txn) runLocal() {
	for _, fn := range t.local {
		fn()
	}
}

func (t *txn) newToken(nodeID, parent string) *state.Token {
	tok := &state.Token{
		ID:            uuid.NewString(),
		NodeID:        nodeID,
		ParentTokenID: parent,
		State:         state.TokenReady,
		CreatedAt:     t.now,
	}
	t.inst.Tokens[tok.ID] = tok
	t.record(state.HistoryEntry{Kind: state.EventTokenCreated, TokenID: tok.ID, NodeID: nodeID})
	return tok
}

// move takes tok to target and leaves it Ready there.
func (t *txn) move(tok *state.Token, target string) {
	switch tok.State {
	case state.TokenReady:
		t.fire(tok, triggerExecute)
		t.fire(tok, triggerAdvance)
		t.fire(tok, triggerReady)
	case state.TokenWaiting:
		t.fire(tok, triggerResume)
		t.fire(tok, triggerAdvance)
		t.fire(tok, triggerReady)
	case state.TokenFaulted:
		t.fire(tok, triggerReady)
	default:
		t.fire(tok, triggerAdvance)
		t.fire(tok, triggerReady)
	}
	from := tok.NodeID
	tok.NodeID = target
	tok.WaitingOn = nil
	delete(t.inst.Retries, tok.ID)
	t.record(state.HistoryEntry{Kind: state.EventTokenAdvanced, TokenID: tok.ID, NodeID: from, Target: target})
}

// follow moves tok along the single outgoing edge of its node.
func (t *txn) follow(tok *state.Token) {
	out := t.def.Outgoing(tok.NodeID)
	if len(out) == 0 {
		t.broken(fmt.Errorf("node %s has no outgoing edge", tok.NodeID))
		return
	}
	t.move(tok, out[0].Target)
}

// retire removes tok from the live set.
func (t *txn) retire(tok *state.Token, kind state.EventKind, detail string) {
	switch {
	case kind == state.EventTokenCancelled:
		t.fire(tok, triggerCancel)
	case tok.State == state.TokenWaiting:
		t.fire(tok, triggerConsume)
	case tok.State == state.TokenReady:
		t.fire(tok, triggerExecute)
		t.fire(tok, triggerComplete)
	default:
		t.fire(tok, triggerComplete)
	}
	if w := tok.WaitingOn; w != nil && (w.Kind.Timed() || w.Kind == state.WaitSignal) {
		id := w.ID
		t.onCommit(func() { t.e.waits.Remove(id) })
	}
	delete(t.inst.Tokens, tok.ID)
	delete(t.inst.Retries, tok.ID)
	t.record(state.HistoryEntry{Kind: kind, TokenID: tok.ID, NodeID: tok.NodeID, Detail: detail})
}

// park puts tok to sleep on w. Timed and signal waits go to the waits
// service once the transaction is saved.
func (t *txn) park(tok *state.Token, w state.Wait) {
	if tok.State == state.TokenFaulted || tok.State == state.TokenExecuting {
		t.fire(tok, triggerWait)
	} else if tok.State == state.TokenReady {
		t.fire(tok, triggerExecute)
		t.fire(tok, triggerWait)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.InstanceID = t.inst.ID
	w.TokenID = tok.ID
	tok.WaitingOn = &w
	t.record(state.HistoryEntry{Kind: state.EventTokenWaiting, TokenID: tok.ID, NodeID: tok.NodeID, Detail: string(w.Kind)})
	if w.Kind.Timed() || w.Kind == state.WaitSignal {
		t.onCommit(func() { t.e.register(w) })
	}
}

func (t *txn) setVariables(tok *state.Token, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	if tok != nil && tok.Group != "" {
		if tok.Locals == nil {
			tok.Locals = map[string]any{}
		}
		for k, v := range vars {
			tok.Locals[k] = v
		}
		return
	}
	for k, v := range vars {
		t.inst.Variables[k] = v
	}
	t.record(state.HistoryEntry{Kind: state.EventVariablesSet, Variables: maps.Clone(vars)})
}

// env is what expressions evaluated for tok see: instance variables, plus
// the overlay and builtins of a multi-instance child.
func (t *txn) env(tok *state.Token) map[string]any {
	env := maps.Clone(t.inst.Variables)
	if env == nil {
		env = map[string]any{}
	}
	if tok == nil || tok.Group == "" {
		return env
	}
	if g, ok := t.inst.Groups[tok.Group]; ok {
		groupVars(g, env)
	}
	for k, v := range tok.Locals {
		env[k] = v
	}
	return env
}

func groupVars(g *state.Group, env map[string]any) {
	env[definition.VarInstances] = len(g.Items)
	env[definition.VarCompletedInstances] = g.Completed
	env[definition.VarActiveInstances] = len(g.Active)
}

// drain steps Ready tokens until none is left or the instance stops running.
func (t *txn) drain() {
	for t.err == nil && t.inst.Status == state.StatusRunning {
		tok := t.nextReady()
		if tok == nil {
			break
		}
		t.steps++
		if t.steps > t.e.cfg.MaxSteps {
			t.terminate(&state.Fault{
				Category: state.CategoryConfiguration,
				Code:     CodeStepLimit,
				Message:  fmt.Sprintf("more than %d steps without waiting", t.e.cfg.MaxSteps),
				NodeID:   tok.NodeID,
				TokenID:  tok.ID,
			})
			break
		}
		t.step(tok)
	}
	if t.err == nil && t.inst.Status == state.StatusRunning && len(t.inst.Tokens) == 0 {
		t.complete()
	}
}

func (t *txn) nextReady() *state.Token {
	var ready []*state.Token
	for _, tok := range t.inst.Tokens {
		if tok.State == state.TokenReady {
			ready = append(ready, tok)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready[0]
}

// step executes the node a Ready token sits on.
func (t *txn) step(tok *state.Token) {
	node, ok := t.def.Node(tok.NodeID)
	if !ok {
		t.broken(fmt.Errorf("token %s sits on unknown node %s", tok.ID, tok.NodeID))
		return
	}
	t.fire(tok, triggerExecute)

	if tok.Group != "" && node.Kind == definition.KindMultiInstance {
		t.execute(tok, node, node.Config.(*definition.MultiInstanceConfig).Inner)
		return
	}

	switch node.Kind {
	case definition.KindStart:
		t.follow(tok)
	case definition.KindEnd:
		t.reachEnd(tok)
	case definition.KindExclusiveGateway:
		t.exclusive(tok, node)
	case definition.KindParallelGateway, definition.KindInclusiveGateway:
		switch {
		case t.def.IsJoin(node.ID):
			t.arrive(tok, node)
		case t.def.IsSplit(node.ID):
			t.split(tok, node)
		case node.Kind == definition.KindInclusiveGateway:
			t.exclusive(tok, node)
		default:
			t.follow(tok)
		}
	case definition.KindTimer:
		t.startTimer(tok, node)
	case definition.KindSignalCatch:
		cfg := node.Config.(*definition.SignalCatchConfig)
		t.park(tok, state.Wait{Kind: state.WaitSignal, Signal: cfg.Signal})
	case definition.KindSignalThrow:
		t.throw(tok, node)
	case definition.KindMultiInstance:
		t.enterMulti(tok, node)
	default:
		if node.Kind.TaskLike() {
			t.execute(tok, node, node)
			return
		}
		t.broken(fmt.Errorf("node %s has unsupported kind %s", node.ID, node.Kind))
	}
}

func (t *txn) reachEnd(tok *state.Token) {
	t.retire(tok, state.EventTokenCompleted, "")
	// a branch that ends before its join no longer counts for it
	if f, ok := t.inst.Forks[tok.ParentTokenID]; ok {
		f.Expected--
		t.tryJoin(f)
	}
}

func (t *txn) startTimer(tok *state.Token, node *definition.Node) {
	cfg := node.Config.(*definition.TimerConfig)
	at, err := timerDeadline(cfg, t.now)
	if err != nil {
		t.terminate(&state.Fault{
			Category: state.CategoryConfiguration,
			Code:     CodeTimer,
			Message:  err.Error(),
			NodeID:   node.ID,
			TokenID:  tok.ID,
		})
		return
	}
	t.park(tok, state.Wait{Kind: state.WaitTimer, Deadline: at})
	t.record(state.HistoryEntry{Kind: state.EventTimerScheduled, TokenID: tok.ID, NodeID: node.ID, Detail: at.Format(time.RFC3339Nano)})
}

func (t *txn) throw(tok *state.Token, node *definition.Node) {
	cfg := node.Config.(*definition.SignalThrowConfig)
	payload, err := t.e.eval.Map(t.ctx, cfg.Payload, t.env(tok))
	if err != nil {
		t.expressionFault(tok, node, err)
		return
	}
	t.record(state.HistoryEntry{Kind: state.EventSignalThrown, TokenID: tok.ID, NodeID: node.ID, Detail: cfg.Signal})
	signal := cfg.Signal
	t.after(func(ctx context.Context) {
		if _, err := t.e.Broadcast(ctx, signal, payload); err != nil {
			t.e.logger.Error(ctx, "signal broadcast failed", "signal", signal, "error", err)
		}
	})
	t.follow(tok)
}

// complete ends a running instance whose last token is gone.
func (t *txn) complete() {
	if err := fireInstance(t.inst, triggerComplete); err != nil {
		t.broken(err)
		return
	}
	t.inst.EndedAt = t.now
	t.record(state.HistoryEntry{Kind: state.EventInstanceCompleted, Status: state.StatusCompleted})
	t.ended()
}

// ended schedules the bookkeeping common to every terminal status.
func (t *txn) ended() {
	id := t.inst.ID
	t.onCommit(func() {
		t.e.waits.RemoveInstance(id)
	})
	if t.inst.ParentInstanceID != "" {
		done := childDone{
			parentID: t.inst.ParentInstanceID,
			tokenID:  t.inst.ParentTokenID,
			childID:  id,
			status:   t.inst.Status,
			vars:     maps.Clone(t.inst.Variables),
			fault:    t.inst.Fault,
		}
		t.after(func(ctx context.Context) {
			t.e.notifyParent(ctx, done)
		})
	}
	t.after(func(ctx context.Context) {
		t.e.finished(id)
	})
}
