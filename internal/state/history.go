package state

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

type EventKind string

const (
	EventInstanceStarted   EventKind = "instance.started"
	EventInstanceSuspended EventKind = "instance.suspended"
	EventInstanceResumed   EventKind = "instance.resumed"
	EventInstanceCompleted EventKind = "instance.completed"
	EventInstanceFailed    EventKind = "instance.failed"
	EventInstanceCancelled EventKind = "instance.cancelled"

	EventTokenCreated   EventKind = "token.created"
	EventTokenAdvanced  EventKind = "token.advanced"
	EventTokenWaiting   EventKind = "token.waiting"
	EventTokenResumed   EventKind = "token.resumed"
	EventTokenCompleted EventKind = "token.completed"
	EventTokenConsumed  EventKind = "token.consumed"
	EventTokenCancelled EventKind = "token.cancelled"

	EventVariablesSet EventKind = "variables.set"

	EventTaskDispatched  EventKind = "task.dispatched"
	EventTaskCompleted   EventKind = "task.completed"
	EventTaskFailed      EventKind = "task.failed"
	EventRetryScheduled  EventKind = "task.retry.scheduled"
	EventRetryExhausted  EventKind = "task.retry.exhausted"
	EventResultDiscarded EventKind = "task.result.discarded"

	EventGatewayTaken EventKind = "gateway.taken"
	EventJoinArrived  EventKind = "join.arrived"
	EventJoinFired    EventKind = "join.fired"

	EventTimerScheduled EventKind = "timer.scheduled"
	EventTimerFired     EventKind = "timer.fired"
	EventSignalThrown   EventKind = "signal.thrown"
	EventSignalReceived EventKind = "signal.received"

	EventMultiStarted   EventKind = "multi.started"
	EventMultiChildDone EventKind = "multi.child.done"
	EventMultiCompleted EventKind = "multi.completed"

	EventCallStarted  EventKind = "call.started"
	EventCallFinished EventKind = "call.finished"

	EventFaultRaised           EventKind = "fault.raised"
	EventFaultRouted           EventKind = "fault.routed"
	EventCompensationStarted   EventKind = "compensation.started"
	EventCompensationCompleted EventKind = "compensation.completed"
	EventCompensationFailed    EventKind = "compensation.failed"
)

// HistoryEntry is one record of the append-only audit log of an instance.
type HistoryEntry struct {
	InstanceID string         `json:"instanceId"`
	Seq        int64          `json:"seq"`
	At         time.Time      `json:"at"`
	Kind       EventKind      `json:"kind"`
	TokenID    string         `json:"tokenId,omitempty"`
	NodeID     string         `json:"nodeId,omitempty"`
	Target     string         `json:"target,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Fault      *Fault         `json:"fault,omitempty"`
}

var ErrHistoryOrder = errors.New("history out of order")

// Projection is the state rebuilt from a history log.
type Projection struct {
	Status    Status
	Variables map[string]any
	// Tokens maps live token ids to the node they sit on.
	Tokens map[string]string
	// Steps is the number of entries folded.
	Steps int
}

// Replay folds the history of one instance, in sequence order, into the
// status, variables and live tokens it describes. Unknown kinds are audit-only
// and skipped.
func Replay(entries []HistoryEntry) (*Projection, error) {
	p := &Projection{
		Variables: map[string]any{},
		Tokens:    map[string]string{},
	}
	sorted := append([]HistoryEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var last int64
	for _, e := range sorted {
		if e.Seq <= last {
			return nil, errors.Join(ErrHistoryOrder, fmt.Errorf("entry %d after %d", e.Seq, last))
		}
		last = e.Seq
		p.Steps++

		switch e.Kind {
		case EventInstanceStarted:
			p.Status = StatusRunning
			p.Variables = maps.Clone(e.Variables)
			if p.Variables == nil {
				p.Variables = map[string]any{}
			}
		case EventVariablesSet:
			for k, v := range e.Variables {
				p.Variables[k] = v
			}
		case EventInstanceSuspended:
			p.Status = StatusSuspended
		case EventInstanceResumed:
			p.Status = StatusRunning
		case EventInstanceCompleted, EventInstanceFailed, EventInstanceCancelled:
			p.Status = e.Status
		case EventTokenCreated:
			p.Tokens[e.TokenID] = e.NodeID
		case EventTokenAdvanced:
			p.Tokens[e.TokenID] = e.Target
		case EventTokenCompleted, EventTokenConsumed, EventTokenCancelled:
			delete(p.Tokens, e.TokenID)
		}
	}
	return p, nil
}

// Matches reports whether the projection agrees with a stored instance.
func (p *Projection) Matches(inst *Instance) error {
	if p.Status != inst.Status {
		return fmt.Errorf("status %s, instance has %s", p.Status, inst.Status)
	}
	if len(p.Tokens) != len(inst.Tokens) {
		return fmt.Errorf("%d tokens, instance has %d", len(p.Tokens), len(inst.Tokens))
	}
	for id, node := range p.Tokens {
		tok, ok := inst.Tokens[id]
		if !ok {
			return fmt.Errorf("token %s missing from instance", id)
		}
		if tok.NodeID != node {
			return fmt.Errorf("token %s at %s, instance has %s", id, node, tok.NodeID)
		}
	}
	if len(p.Variables) != len(inst.Variables) {
		return fmt.Errorf("%d variables, instance has %d", len(p.Variables), len(inst.Variables))
	}
	for k, v := range p.Variables {
		stored, ok := inst.Variables[k]
		if !ok {
			return fmt.Errorf("variable %s missing from instance", k)
		}
		same, err := sameValue(v, stored)
		if err != nil {
			return fmt.Errorf("variable %s: %w", k, err)
		}
		if !same {
			return fmt.Errorf("variable %s is %v, instance has %v", k, v, stored)
		}
	}
	return nil
}

// sameValue compares two variable values by their JSON encoding, the form
// every store keeps them in, so 1 and 1.0 or []string and []any agree.
func sameValue(a, b any) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ja, jb), nil
}
