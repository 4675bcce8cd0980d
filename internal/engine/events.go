package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
	"github.com/davidroman0O/tokenflow/internal/waits"
)

func (e *Engine) newInstance(def *definition.Definition, id string, vars map[string]any) (*state.Instance, error) {
	var missing []string
	for _, name := range def.RequiredInputs() {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(ErrMissingInput, fmt.Errorf("%s: %s", def.ID, strings.Join(missing, ", ")))
	}
	inst := state.NewInstance(id, def.ID, def.Version, e.clock.Now().UTC())
	inst.Variables = def.InitialVariables(vars)
	return inst, nil
}

// StartInstance starts the latest version of a definition.
func (e *Engine) StartInstance(ctx context.Context, definitionID string, vars map[string]any) (string, error) {
	return e.StartInstanceVersion(ctx, definitionID, 0, vars)
}

func (e *Engine) StartInstanceVersion(ctx context.Context, definitionID string, version int, vars map[string]any) (string, error) {
	def, err := e.Definition(definitionID, version)
	if err != nil {
		return "", err
	}
	inst, err := e.newInstance(def, uuid.NewString(), vars)
	if err != nil {
		return "", err
	}
	if err := e.create(ctx, def, inst, &startInstance{vars: inst.Variables}); err != nil {
		return "", err
	}
	e.logger.Debug(ctx, "instance started", "instance_id", inst.ID, "definition_id", def.ID, "version", def.Version)
	return inst.ID, nil
}

type startInstance struct {
	vars map[string]any
}

func (s *startInstance) apply(t *txn) error {
	t.record(state.HistoryEntry{Kind: state.EventInstanceStarted, Status: state.StatusRunning, Variables: maps.Clone(s.vars)})
	t.newToken(t.def.Start(), "")
	return nil
}

func (e *Engine) register(w state.Wait) {
	if err := e.waits.Register(w); err != nil && !errors.Is(err, waits.ErrDuplicateWait) {
		e.logger.Error(e.ctx, "registering wait failed", "instance_id", w.InstanceID, "wait_id", w.ID, "error", err)
	}
}

func (e *Engine) onWaitFired(w state.Wait) {
	if err := e.apply(e.ctx, w.InstanceID, &waitFired{wait: w}); err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Error(e.ctx, "firing wait failed", "instance_id", w.InstanceID, "wait_id", w.ID, "error", err)
		e.restoreWaits(err, w)
	}
}

// restoreWaits puts back waits that were taken out of the index before an
// event that failed to save. The instance still points at them, so the next
// tick or signal delivers them again.
func (e *Engine) restoreWaits(err error, ws ...state.Wait) {
	if errors.Is(err, ErrClosed) || errors.Is(err, store.ErrClosed) || errors.Is(err, ErrInstanceNotFound) {
		return
	}
	for _, w := range ws {
		e.register(w)
	}
}

// waitFired is a timer or a retry delay that elapsed.
type waitFired struct {
	wait state.Wait
}

func (f *waitFired) apply(t *txn) error {
	tok, ok := t.inst.Tokens[f.wait.TokenID]
	if t.inst.Status.Terminal() || !ok || tok.WaitingOn == nil || tok.WaitingOn.ID != f.wait.ID {
		return nil
	}
	switch f.wait.Kind {
	case state.WaitTimer:
		t.record(state.HistoryEntry{Kind: state.EventTimerFired, TokenID: tok.ID, NodeID: tok.NodeID})
		t.follow(tok)
	case state.WaitRetry:
		attempt := 0
		if rs, ok := t.inst.Retries[tok.ID]; ok {
			attempt = rs.Attempt
		}
		t.record(state.HistoryEntry{Kind: state.EventTokenResumed, TokenID: tok.ID, NodeID: tok.NodeID, Attempt: attempt, Detail: "retry"})
		t.fire(tok, triggerReady)
		tok.WaitingOn = nil
	}
	return nil
}

// SignalInstance delivers a signal to the tokens of one instance waiting on
// it and returns how many were released.
func (e *Engine) SignalInstance(ctx context.Context, instanceID, signal string, payload map[string]any) (int, error) {
	ev := &signalEvent{signal: signal, payload: payload}
	if err := e.apply(ctx, instanceID, ev); err != nil {
		return 0, err
	}
	return ev.released, nil
}

// Broadcast delivers a signal to every waiting token of every instance.
// Signals are not buffered: tokens that start waiting later miss it.
func (e *Engine) Broadcast(ctx context.Context, signal string, payload map[string]any) (int, error) {
	byInstance := map[string]map[string]bool{}
	consumed := map[string][]state.Wait{}
	for _, w := range e.waits.Broadcast(signal) {
		if byInstance[w.InstanceID] == nil {
			byInstance[w.InstanceID] = map[string]bool{}
		}
		byInstance[w.InstanceID][w.ID] = true
		consumed[w.InstanceID] = append(consumed[w.InstanceID], w)
	}
	ids := make([]string, 0, len(byInstance))
	for id := range byInstance {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	var errs []error
	for _, id := range ids {
		ev := &signalEvent{signal: signal, payload: payload, waits: byInstance[id]}
		if err := e.apply(ctx, id, ev); err != nil {
			e.restoreWaits(err, consumed[id]...)
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
			continue
		}
		total += ev.released
	}
	e.logger.Debug(ctx, "signal broadcast", "signal", signal, "released", total)
	return total, errors.Join(errs...)
}

type signalEvent struct {
	signal  string
	payload map[string]any
	// waits restricts delivery to these wait ids; nil means every matching wait.
	waits    map[string]bool
	released int
}

func (s *signalEvent) apply(t *txn) error {
	s.released = 0
	if t.inst.Status.Terminal() {
		return nil
	}
	ids := make([]string, 0, len(t.inst.Tokens))
	for id := range t.inst.Tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tok := t.inst.Tokens[id]
		w := tok.WaitingOn
		if tok.State != state.TokenWaiting || w == nil || w.Kind != state.WaitSignal || w.Signal != s.signal {
			continue
		}
		if s.waits != nil && !s.waits[w.ID] {
			continue
		}
		node, _ := t.def.Node(tok.NodeID)
		cfg := node.Config.(*definition.SignalCatchConfig)
		t.record(state.HistoryEntry{Kind: state.EventSignalReceived, TokenID: tok.ID, NodeID: tok.NodeID, Detail: s.signal})
		if cfg.PayloadVariable != "" {
			payload := maps.Clone(s.payload)
			if payload == nil {
				payload = map[string]any{}
			}
			t.setVariables(tok, map[string]any{cfg.PayloadVariable: payload})
		}
		waitID := w.ID
		t.onCommit(func() { t.e.waits.Remove(waitID) })
		t.follow(tok)
		s.released++
	}
	return nil
}

// CancelInstance stops an instance: waits are dropped, in-flight handlers
// cancelled and child instances cancelled too.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, reason string) error {
	return e.apply(ctx, instanceID, &cancelInstance{reason: reason})
}

type cancelInstance struct {
	reason string
}

func (c *cancelInstance) apply(t *txn) error {
	if t.inst.Status.Terminal() {
		return errors.Join(ErrInstanceTerminal, fmt.Errorf("%s is %s", t.inst.ID, t.inst.Status))
	}
	if err := fireInstance(t.inst, triggerCancel); err != nil {
		return errors.Join(ErrInvalidTransition, err)
	}
	t.inst.EndedAt = t.now
	t.cancelTokens("cancelled")
	t.record(state.HistoryEntry{Kind: state.EventInstanceCancelled, Status: state.StatusCancelled, Detail: c.reason})
	t.ended()
	return nil
}

// Suspend stops stepping an instance. Events are still accepted.
func (e *Engine) Suspend(ctx context.Context, instanceID string) error {
	return e.apply(ctx, instanceID, transition{trig: triggerSuspend, kind: state.EventInstanceSuspended})
}

// Resume steps a suspended instance again.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	return e.apply(ctx, instanceID, transition{trig: triggerResume, kind: state.EventInstanceResumed})
}

type transition struct {
	trig trigger
	kind state.EventKind
}

func (tr transition) apply(t *txn) error {
	if t.inst.Status.Terminal() {
		return errors.Join(ErrInstanceTerminal, fmt.Errorf("%s is %s", t.inst.ID, t.inst.Status))
	}
	if err := fireInstance(t.inst, tr.trig); err != nil {
		return errors.Join(ErrInvalidTransition, err)
	}
	t.record(state.HistoryEntry{Kind: tr.kind, Status: t.inst.Status})
	return nil
}

// Recover picks up every running or suspended instance found in the store:
// waits are registered again, executions lost with the previous process are
// dispatched again and finished children are reported to their parents.
// Definitions must be deployed first.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	insts, err := e.store.List(ctx, state.StatusRunning, state.StatusSuspended)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, inst := range insts {
		if err := e.apply(ctx, inst.ID, &recoverInstance{}); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		n++
	}
	e.logger.Info(ctx, "instances recovered", "count", n)
	return n, errors.Join(errs...)
}

type recoverInstance struct{}

func (recoverInstance) apply(t *txn) error {
	ids := make([]string, 0, len(t.inst.Tokens))
	for id := range t.inst.Tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tok := t.inst.Tokens[id]
		switch tok.State {
		case state.TokenExecuting:
			if t.e.inFlight(t.inst.ID, fmt.Sprintf("%s#%d", tok.ID, tok.Attempt)) {
				continue
			}
			t.fire(tok, triggerReady)
			t.record(state.HistoryEntry{Kind: state.EventTokenResumed, TokenID: tok.ID, NodeID: tok.NodeID, Detail: "recovered"})
		case state.TokenWaiting:
			w := tok.WaitingOn
			if w == nil {
				continue
			}
			switch {
			case w.Kind.Timed() || w.Kind == state.WaitSignal:
				wait := *w
				t.onCommit(func() { t.e.register(wait) })
			case w.Kind == state.WaitCall:
				parent, child := t.inst.Clone(), tok.Clone()
				t.after(func(ctx context.Context) { t.e.resumeCall(ctx, parent, child) })
			case w.Kind == state.WaitCompensation:
				t.compensate(tok.Scope(), tok.ID)
			}
		}
	}
	return nil
}
