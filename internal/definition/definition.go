package definition

import "sort"

type Node struct {
	ID     string
	Name   string
	Kind   Kind
	Config NodeConfig
}

type Edge struct {
	ID        string
	Source    string
	Target    string
	Condition string
	Priority  int
	Default   bool

	order int
}

type Input struct {
	Name     string
	Required bool
	Default  any
}

type ErrorHandler struct {
	Code       string
	Target     string
	Compensate bool
	Terminate  bool
}

// CatchAll reports whether the handler matches every fault code.
func (h ErrorHandler) CatchAll() bool {
	return h.Code == "" || h.Code == "*"
}

func (h ErrorHandler) Matches(code string) bool {
	return h.CatchAll() || h.Code == code
}

// Definition is an immutable compiled graph. It is only produced by Compile
// and is safe for concurrent use.
type Definition struct {
	ID                  string
	Version             int
	Name                string
	Inputs              []Input
	Variables           map[string]any
	ErrorHandlers       []ErrorHandler
	CompensateOnFailure bool

	nodes map[string]*Node
	order []string
	out   map[string][]*Edge
	in    map[string][]*Edge
	start string
	ends  []string
	// split -> join and join -> split
	joins  map[string]string
	splits map[string]string
}

func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes returns the nodes in declaration order.
func (d *Definition) Nodes() []*Node {
	out := make([]*Node, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.nodes[id])
	}
	return out
}

// Outgoing edges of a node, sorted by priority then declaration order, with
// the default edge last.
func (d *Definition) Outgoing(id string) []*Edge {
	return d.out[id]
}

func (d *Definition) Incoming(id string) []*Edge {
	return d.in[id]
}

func (d *Definition) Start() string {
	return d.start
}

func (d *Definition) Ends() []string {
	return d.ends
}

// JoinOf returns the join paired with a forking split.
func (d *Definition) JoinOf(split string) (string, bool) {
	j, ok := d.joins[split]
	return j, ok
}

func (d *Definition) IsJoin(id string) bool {
	_, ok := d.splits[id]
	return ok
}

func (d *Definition) IsSplit(id string) bool {
	_, ok := d.joins[id]
	return ok
}

// ErrorHandlerFor finds the handler for a fault raised at node, looking at the
// node's own boundaries first and at the definition's handlers after.
func (d *Definition) ErrorHandlerFor(nodeID, code string) (ErrorHandler, bool) {
	if n, ok := d.nodes[nodeID]; ok {
		for _, b := range boundariesOf(n) {
			h := ErrorHandler(b)
			if h.Matches(code) {
				return h, true
			}
		}
	}
	for _, h := range d.ErrorHandlers {
		if h.Matches(code) {
			return h, true
		}
	}
	return ErrorHandler{}, false
}

// RequiredInputs lists inputs without default that must be supplied at start.
func (d *Definition) RequiredInputs() []string {
	var out []string
	for _, in := range d.Inputs {
		if in.Required && in.Default == nil {
			out = append(out, in.Name)
		}
	}
	return out
}

// InitialVariables merges defaults with the supplied start variables.
func (d *Definition) InitialVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(d.Variables)+len(d.Inputs)+len(vars))
	for k, v := range d.Variables {
		out[k] = v
	}
	for _, in := range d.Inputs {
		if in.Default != nil {
			out[in.Name] = in.Default
		}
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func boundariesOf(n *Node) []ErrorBoundary {
	switch c := n.Config.(type) {
	case *CallConfig:
		return c.ErrorBoundaries
	case *MultiInstanceConfig:
		if c.Inner != nil {
			return boundariesOf(c.Inner)
		}
	default:
		if a, ok := ActivityOf(c); ok {
			return a.ErrorBoundaries
		}
	}
	return nil
}

// RetryOf returns the retry policy of a node, if any.
func RetryOf(n *Node) *RetryConfig {
	switch c := n.Config.(type) {
	case *CallConfig:
		return c.Retry
	case *MultiInstanceConfig:
		if c.Inner != nil {
			return RetryOf(c.Inner)
		}
	default:
		if a, ok := ActivityOf(c); ok {
			return a.Retry
		}
	}
	return nil
}

func sortEdges(edges []*Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Default != b.Default {
			return b.Default
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.order < b.order
	})
}
