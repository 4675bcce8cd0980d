package state

import (
	"maps"
	"time"
)

// Status of a workflow instance
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSuspended Status = "Suspended"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal statuses are immutable once reached.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// Fault categories, recorded on the instance and in history so an operator can
// tell why an instance stopped.
const (
	CategoryDefinition     = "definition"
	CategoryConfiguration  = "configuration"
	CategoryHandler        = "handler"
	CategoryInfrastructure = "infrastructure"
	CategoryCancellation   = "cancellation"
)

type Fault struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	NodeID   string `json:"nodeId,omitempty"`
	TokenID  string `json:"tokenId,omitempty"`
	// Handled is set when an error handler took over the fault.
	Handled bool `json:"handled,omitempty"`
}

func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.NodeID != "" {
		return f.Category + " fault " + f.Code + " at " + f.NodeID + ": " + f.Message
	}
	return f.Category + " fault " + f.Code + ": " + f.Message
}

// Fork records a parallel or inclusive split waiting for its join.
type Fork struct {
	ID            string   `json:"id"`
	Gateway       string   `json:"gateway"`
	Join          string   `json:"join"`
	Kind          string   `json:"kind"`
	Expected      int      `json:"expected"`
	Arrived       []string `json:"arrived,omitempty"`
	ParentTokenID string   `json:"parentTokenId,omitempty"`
}

// Group tracks the children of one multi-instance activation.
type Group struct {
	ID         string   `json:"id"`
	NodeID     string   `json:"nodeId"`
	Items      []any    `json:"items"`
	Sequential bool     `json:"sequential"`
	Next       int      `json:"next"`
	Active     []string `json:"active,omitempty"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	Results    []any    `json:"results,omitempty"`
}

// RetryState is attached to a token whose task execution failed.
type RetryState struct {
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	LastCode    string    `json:"lastCode,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// ActivityRecord is kept for every completed task-like execution so it can be
// compensated later.
type ActivityRecord struct {
	TokenID     string         `json:"tokenId"`
	NodeID      string         `json:"nodeId"`
	Handler     string         `json:"handler"`
	Scope       string         `json:"scope,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
	Compensated bool           `json:"compensated,omitempty"`
}

type Instance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion int            `json:"definitionVersion"`
	Status            Status         `json:"status"`
	Variables         map[string]any `json:"variables"`
	// Version is bumped on every save and checked optimistically.
	Version int64 `json:"version"`
	// Seq is the sequence number of the last history entry produced.
	Seq int64 `json:"seq"`

	Tokens    map[string]*Token      `json:"tokens"`
	Forks     map[string]*Fork       `json:"forks,omitempty"`
	Groups    map[string]*Group      `json:"groups,omitempty"`
	Retries   map[string]*RetryState `json:"retries,omitempty"`
	Completed []ActivityRecord       `json:"completed,omitempty"`
	Fault     *Fault                 `json:"fault,omitempty"`

	CallDepth        int    `json:"callDepth,omitempty"`
	ParentInstanceID string `json:"parentInstanceId,omitempty"`
	ParentTokenID    string `json:"parentTokenId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

func NewInstance(id, definitionID string, version int, now time.Time) *Instance {
	return &Instance{
		ID:                id,
		DefinitionID:      definitionID,
		DefinitionVersion: version,
		Status:            StatusRunning,
		Variables:         map[string]any{},
		Tokens:            map[string]*Token{},
		Forks:             map[string]*Fork{},
		Groups:            map[string]*Group{},
		Retries:           map[string]*RetryState{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a copy that can be mutated without touching the receiver.
// Variable values are shared: the engine replaces values, it never mutates them in place.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Variables = maps.Clone(i.Variables)
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}
	c.Tokens = make(map[string]*Token, len(i.Tokens))
	for id, t := range i.Tokens {
		c.Tokens[id] = t.Clone()
	}
	c.Forks = make(map[string]*Fork, len(i.Forks))
	for id, f := range i.Forks {
		cp := *f
		cp.Arrived = append([]string(nil), f.Arrived...)
		c.Forks[id] = &cp
	}
	c.Groups = make(map[string]*Group, len(i.Groups))
	for id, g := range i.Groups {
		cp := *g
		cp.Items = append([]any(nil), g.Items...)
		cp.Active = append([]string(nil), g.Active...)
		cp.Results = append([]any(nil), g.Results...)
		c.Groups[id] = &cp
	}
	c.Retries = make(map[string]*RetryState, len(i.Retries))
	for id, r := range i.Retries {
		cp := *r
		c.Retries[id] = &cp
	}
	c.Completed = append([]ActivityRecord(nil), i.Completed...)
	if i.Fault != nil {
		f := *i.Fault
		c.Fault = &f
	}
	return &c
}

// Normalize fills nil maps, which happens after decoding a stored instance.
func (i *Instance) Normalize() {
	if i.Variables == nil {
		i.Variables = map[string]any{}
	}
	if i.Tokens == nil {
		i.Tokens = map[string]*Token{}
	}
	if i.Forks == nil {
		i.Forks = map[string]*Fork{}
	}
	if i.Groups == nil {
		i.Groups = map[string]*Group{}
	}
	if i.Retries == nil {
		i.Retries = map[string]*RetryState{}
	}
}
