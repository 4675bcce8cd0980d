package state

import (
	"maps"
	"time"
)

type TokenState string

const (
	TokenReady     TokenState = "Ready"
	TokenExecuting TokenState = "Executing"
	TokenWaiting   TokenState = "Waiting"
	TokenFaulted   TokenState = "Faulted"
	TokenAdvanced  TokenState = "Advanced"
	TokenCompleted TokenState = "Completed"
	TokenCancelled TokenState = "Cancelled"
)

type WaitKind string

const (
	WaitTimer        WaitKind = "timer"
	WaitSignal       WaitKind = "signal"
	WaitRetry        WaitKind = "retry"
	WaitJoin         WaitKind = "join"
	WaitMulti        WaitKind = "multi"
	WaitCall         WaitKind = "call"
	WaitCompensation WaitKind = "compensation"
)

// Timed waits are the ones owned by the deadline heap of the waits service.
func (k WaitKind) Timed() bool {
	return k == WaitTimer || k == WaitRetry
}

// Wait describes what a suspended token is waiting on.
type Wait struct {
	ID         string    `json:"id"`
	Kind       WaitKind  `json:"kind"`
	InstanceID string    `json:"instanceId"`
	TokenID    string    `json:"tokenId"`
	Deadline   time.Time `json:"deadline,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	// ChildInstanceID is set for call activity waits.
	ChildInstanceID string `json:"childInstanceId,omitempty"`
	// Target is the node a token moves to once its compensation finishes.
	Target string `json:"target,omitempty"`
}

type Token struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"nodeId"`
	ParentTokenID string     `json:"parentTokenId,omitempty"`
	State         TokenState `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	WaitingOn     *Wait      `json:"waitingOn,omitempty"`
	// Attempt is incremented on every dispatch so late results can be detected.
	Attempt int `json:"attempt,omitempty"`

	// Multi-instance children carry a variable overlay and their position.
	Group  string         `json:"group,omitempty"`
	Index  int            `json:"index,omitempty"`
	Locals map[string]any `json:"locals,omitempty"`
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.WaitingOn != nil {
		w := *t.WaitingOn
		c.WaitingOn = &w
	}
	c.Locals = maps.Clone(t.Locals)
	return &c
}

// Scope is the compensation scope of the token: the multi-instance group it
// belongs to, or the instance itself.
func (t *Token) Scope() string {
	return t.Group
}
