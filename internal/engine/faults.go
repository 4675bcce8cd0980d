package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/waits"
)

const (
	CodeStepLimit = "STEP_LIMIT"
	CodeTimer     = "TIMER_ERROR"
)

// retryBackoff yields initial*multiplier^n capped at the max delay, at most
// maxRetries times.
func retryBackoff(policy *definition.RetryConfig) retry.Backoff {
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = definition.DefaultBackoffMultiplier
	}
	var n int
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := float64(policy.InitialDelay) * math.Pow(mult, float64(n))
		n++
		if d > math.MaxInt64 {
			d = math.MaxInt64
		}
		return time.Duration(d), false
	})
	if policy.MaxDelay > 0 && policy.InitialDelay > 0 {
		b = retry.WithCappedDuration(policy.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(policy.MaxRetries), b)
}

// RetryDelay is the delay before retry number attempt (zero based), or false
// when the policy allows no such retry.
func RetryDelay(policy *definition.RetryConfig, attempt int) (time.Duration, bool) {
	if policy == nil || attempt < 0 {
		return 0, false
	}
	b := retryBackoff(policy)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			return 0, false
		}
		d = next
	}
	return d, true
}

// handleFault applies the retry policy of node to a failed execution and
// routes the fault once retries are spent.
func (t *txn) handleFault(tok *state.Token, node *definition.Node, f *registry.Fault) {
	fault := &state.Fault{
		Category: state.CategoryHandler,
		Code:     f.Code,
		Message:  f.Message,
		NodeID:   node.ID,
		TokenID:  tok.ID,
	}
	t.fire(tok, triggerFault)

	if policy := definition.RetryOf(node); policy != nil && !f.Permanent {
		rs, ok := t.inst.Retries[tok.ID]
		if !ok {
			rs = &state.RetryState{}
			t.inst.Retries[tok.ID] = rs
		}
		if delay, ok := RetryDelay(policy, rs.Attempt); ok {
			rs.Attempt++
			rs.NextRetryAt = t.now.Add(delay)
			rs.LastCode = f.Code
			rs.LastError = f.Message
			t.park(tok, state.Wait{Kind: state.WaitRetry, Deadline: rs.NextRetryAt})
			t.record(state.HistoryEntry{
				Kind:    state.EventRetryScheduled,
				TokenID: tok.ID,
				NodeID:  node.ID,
				Attempt: rs.Attempt,
				Detail:  delay.String(),
			})
			return
		}
		t.record(state.HistoryEntry{Kind: state.EventRetryExhausted, TokenID: tok.ID, NodeID: node.ID, Attempt: rs.Attempt})
	}
	delete(t.inst.Retries, tok.ID)
	t.routeFault(tok, node, fault)
}

// routeFault hands a fault that will not be retried to the error handler of
// node, or fails the instance when there is none.
func (t *txn) routeFault(tok *state.Token, node *definition.Node, fault *state.Fault) {
	if tok.State != state.TokenFaulted {
		t.fire(tok, triggerFault)
	}
	t.record(state.HistoryEntry{Kind: state.EventFaultRaised, TokenID: tok.ID, NodeID: node.ID, Fault: fault})

	if tok.Group != "" {
		t.childFailed(tok, fault)
		return
	}

	h, ok := t.def.ErrorHandlerFor(node.ID, fault.Code)
	if !ok {
		t.terminate(fault)
		return
	}
	fault.Handled = true
	t.record(state.HistoryEntry{Kind: state.EventFaultRouted, TokenID: tok.ID, NodeID: node.ID, Target: h.Target, Fault: fault})

	switch {
	case h.Terminate:
		t.terminate(fault)
		if h.Compensate && !t.def.CompensateOnFailure {
			t.compensate("", "")
		}
	case h.Compensate:
		t.park(tok, state.Wait{Kind: state.WaitCompensation, Target: h.Target})
		t.compensate(tok.Scope(), tok.ID)
	default:
		t.move(tok, h.Target)
	}
}

func (t *txn) expressionFault(tok *state.Token, node *definition.Node, err error) {
	t.terminate(&state.Fault{
		Category: state.CategoryConfiguration,
		Code:     registry.CodeExpression,
		Message:  err.Error(),
		NodeID:   node.ID,
		TokenID:  tok.ID,
	})
}

// terminate fails the instance with fault. Every live token is cancelled.
func (t *txn) terminate(fault *state.Fault) {
	if t.inst.Status.Terminal() {
		return
	}
	if err := fireInstance(t.inst, triggerFail); err != nil {
		t.broken(err)
		return
	}
	t.inst.Fault = fault
	t.inst.EndedAt = t.now
	t.cancelTokens(fault.Code)
	t.record(state.HistoryEntry{Kind: state.EventInstanceFailed, Status: state.StatusFailed, TokenID: fault.TokenID, NodeID: fault.NodeID, Fault: fault})
	t.e.logger.Warn(t.ctx, "instance failed", "instance_id", t.inst.ID, "code", fault.Code, "node_id", fault.NodeID, "message", fault.Message)

	if !fault.Handled && t.e.cfg.OnFault != nil {
		id, f := t.inst.ID, *fault
		t.after(func(ctx context.Context) {
			t.e.cfg.OnFault(id, f)
		})
	}
	if t.def.CompensateOnFailure {
		t.compensate("", "")
	}
	t.ended()
}

// cancelTokens retires every live token, stops what they were doing and
// drops forks and groups.
func (t *txn) cancelTokens(reason string) {
	ids := make([]string, 0, len(t.inst.Tokens))
	for id := range t.inst.Tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.cancelToken(t.inst.Tokens[id], reason)
	}
	t.inst.Forks = map[string]*state.Fork{}
	t.inst.Groups = map[string]*state.Group{}
	t.inst.Retries = map[string]*state.RetryState{}

	instanceID := t.inst.ID
	t.after(func(ctx context.Context) {
		t.e.abort(instanceID)
	})
}

func (t *txn) cancelToken(tok *state.Token, reason string) {
	if w := tok.WaitingOn; w != nil && w.Kind == state.WaitCall && w.ChildInstanceID != "" {
		child := w.ChildInstanceID
		t.after(func(ctx context.Context) {
			if err := t.e.CancelInstance(ctx, child, "parent "+reason); err != nil {
				t.e.logger.Debug(ctx, "child not cancelled", "child_id", child, "error", err)
			}
		})
	}
	t.retire(tok, state.EventTokenCancelled, reason)
}

func timerDeadline(cfg *definition.TimerConfig, now time.Time) (time.Time, error) {
	at, err := waits.Deadline(cfg, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("timer: %w", err)
	}
	return at, nil
}
