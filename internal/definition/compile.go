package definition

import (
	"fmt"
	"sort"

	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/robfig/cron/v3"
)

// DefaultBackoffMultiplier applies when a retry policy leaves it unset.
const DefaultBackoffMultiplier = 2.0

type Compiler struct {
	eval *expression.Evaluator
}

func NewCompiler(eval *expression.Evaluator) *Compiler {
	if eval == nil {
		eval = expression.New()
	}
	return &Compiler{eval: eval}
}

// Compile validates raw with a default evaluator.
func Compile(raw Raw) (*Definition, error) {
	return NewCompiler(nil).Compile(raw)
}

// Compile returns a definition or a *CompileError listing every problem found.
// It never returns a partially valid definition.
func (c *Compiler) Compile(raw Raw) (*Definition, error) {
	var diags diagnostics

	def := &Definition{
		ID:                  raw.ID,
		Version:             raw.Version,
		Name:                raw.Name,
		Variables:           map[string]any{},
		CompensateOnFailure: raw.CompensateOnFailure,
		nodes:               map[string]*Node{},
		out:                 map[string][]*Edge{},
		in:                  map[string][]*Edge{},
		joins:               map[string]string{},
		splits:              map[string]string{},
	}
	if def.ID == "" {
		diags.global("definition id is required")
	}
	if def.Version < 0 {
		diags.global("version must not be negative")
	}
	if def.Version == 0 {
		def.Version = 1
	}
	for k, v := range raw.Variables {
		def.Variables[k] = v
	}
	seenInputs := map[string]bool{}
	for _, in := range raw.Inputs {
		if in.Name == "" {
			diags.global("input without name")
			continue
		}
		if seenInputs[in.Name] {
			diags.global("duplicate input %q", in.Name)
			continue
		}
		seenInputs[in.Name] = true
		def.Inputs = append(def.Inputs, Input(in))
	}

	c.compileNodes(raw, def, &diags)
	c.compileEdges(raw, def, &diags)
	for _, h := range raw.ErrorHandlers {
		def.ErrorHandlers = append(def.ErrorHandlers, ErrorHandler(h))
	}

	// Structural checks only make sense once nodes and edges resolved.
	if len(diags) == 0 {
		checkStartEnd(def, &diags)
	}
	if len(diags) == 0 {
		checkReachability(def, &diags)
		checkOutgoing(def, &diags)
	}
	if len(diags) == 0 {
		pairJoins(def, &diags)
	}
	checkErrorTargets(def, &diags)
	if len(diags) == 0 {
		c.checkExpressions(def, &diags)
	}

	if len(diags) > 0 {
		return nil, &CompileError{DefinitionID: raw.ID, Diagnostics: diags}
	}
	return def, nil
}

func (c *Compiler) compileNodes(raw Raw, def *Definition, diags *diagnostics) {
	for i, rn := range raw.Nodes {
		if rn.ID == "" {
			diags.global("node #%d has no id", i)
			continue
		}
		if _, dup := def.nodes[rn.ID]; dup {
			diags.node(rn.ID, "duplicate node id")
			continue
		}
		kind, err := ParseKind(rn.Type)
		if err != nil {
			diags.node(rn.ID, "%v", err)
			continue
		}
		n, err := c.compileNode(rn.ID, rn.Name, kind, rn.Config)
		if err != nil {
			diags.node(rn.ID, "%v", err)
			continue
		}
		def.nodes[n.ID] = n
		def.order = append(def.order, n.ID)
	}
}

func (c *Compiler) compileNode(id, name string, kind Kind, raw map[string]any) (*Node, error) {
	cfg, err := decodeConfig(kind, raw)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	n := &Node{ID: id, Name: name, Kind: kind, Config: cfg}
	if err := c.validateConfig(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *Compiler) validateConfig(n *Node) error {
	switch cfg := n.Config.(type) {
	case *TaskConfig:
		if cfg.Handler == "" {
			return fmt.Errorf("%s requires a handler", n.Kind)
		}
	case *ScriptConfig:
		if cfg.Handler == "" {
			cfg.Handler = HandlerScript
		}
		if len(cfg.Script) == 0 {
			return fmt.Errorf("script has no assignments")
		}
		if cfg.Outputs == nil {
			cfg.Outputs = map[string]string{}
			for _, a := range cfg.Script {
				cfg.Outputs[a.Variable] = a.Variable
			}
		}
		for i, a := range cfg.Script {
			if a.Variable == "" || a.Expression == "" {
				return fmt.Errorf("script assignment #%d needs a variable and an expression", i)
			}
		}
	case *HttpConfig:
		if cfg.Handler == "" {
			cfg.Handler = HandlerHttp
		}
		if cfg.Method == "" {
			cfg.Method = "GET"
		}
		if cfg.URL == "" {
			return fmt.Errorf("http requires a url")
		}
		if cfg.Outputs == nil {
			cfg.Outputs = map[string]string{}
		}
		if cfg.ResultVariable != "" {
			cfg.Outputs[cfg.ResultVariable] = "body"
		}
		if cfg.StatusVariable != "" {
			cfg.Outputs[cfg.StatusVariable] = "status"
		}
	case *EmailConfig:
		if cfg.Handler == "" {
			cfg.Handler = HandlerEmail
		}
		if cfg.To == "" {
			return fmt.Errorf("email requires a recipient")
		}
	case *TimerConfig:
		set := 0
		if cfg.Duration != 0 {
			set++
			if cfg.Duration < 0 {
				return fmt.Errorf("timer duration must be positive")
			}
		}
		if !cfg.Date.IsZero() {
			set++
		}
		if cfg.Cron != "" {
			set++
			if _, err := cron.ParseStandard(cfg.Cron); err != nil {
				return fmt.Errorf("timer cron %q: %w", cfg.Cron, err)
			}
		}
		if set != 1 {
			return fmt.Errorf("timer needs exactly one of duration, date or cron")
		}
	case *SignalCatchConfig:
		if cfg.Signal == "" {
			return fmt.Errorf("signal catch requires a signal name")
		}
	case *SignalThrowConfig:
		if cfg.Signal == "" {
			return fmt.Errorf("signal throw requires a signal name")
		}
	case *CallConfig:
		if cfg.Definition == "" {
			return fmt.Errorf("call activity requires a definition")
		}
		if cfg.Version < 0 {
			return fmt.Errorf("call activity version must not be negative")
		}
	case *MultiInstanceConfig:
		if cfg.Collection == "" {
			return fmt.Errorf("multi-instance requires a collection expression")
		}
		if cfg.ItemVariable == "" {
			cfg.ItemVariable = "item"
		}
		if cfg.IndexVariable == "" {
			cfg.IndexVariable = "index"
		}
		if (cfg.OutputCollection == "") != (cfg.OutputElement == "") {
			return fmt.Errorf("outputCollection and outputElement go together")
		}
		inner, err := c.compileInner(n.ID, cfg.Activity)
		if err != nil {
			return err
		}
		cfg.Inner = inner
	}
	return validateRetry(n.Config)
}

// compileInner builds the activity wrapped by a multi-instance node. The
// activity map carries its own type.
func (c *Compiler) compileInner(id string, raw map[string]any) (*Node, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("multi-instance requires an activity")
	}
	rest := make(map[string]any, len(raw))
	var typ string
	for k, v := range raw {
		if k == "type" {
			typ, _ = v.(string)
			continue
		}
		rest[k] = v
	}
	kind, err := ParseKind(typ)
	if err != nil {
		return nil, fmt.Errorf("activity: %w", err)
	}
	if !kind.TaskLike() {
		return nil, fmt.Errorf("activity must be task-like, got %s", kind)
	}
	n, err := c.compileNode(id, "", kind, rest)
	if err != nil {
		return nil, fmt.Errorf("activity: %w", err)
	}
	return n, nil
}

func validateRetry(cfg NodeConfig) error {
	var r *RetryConfig
	if a, ok := ActivityOf(cfg); ok {
		r = a.Retry
	} else if call, ok := cfg.(*CallConfig); ok {
		r = call.Retry
	}
	if r == nil {
		return nil
	}
	if r.MaxRetries < 0 || r.InitialDelay < 0 || r.MaxDelay < 0 || r.BackoffMultiplier < 0 {
		return fmt.Errorf("retry values must not be negative")
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return nil
}

func (c *Compiler) compileEdges(raw Raw, def *Definition, diags *diagnostics) {
	seen := map[string]bool{}
	for i, re := range raw.Edges {
		e := &Edge{
			ID:        re.ID,
			Source:    re.Source,
			Target:    re.Target,
			Condition: re.Condition,
			Priority:  re.Priority,
			Default:   re.Default,
			order:     i,
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s#%d", e.Source, e.Target, i)
		}
		if seen[e.ID] {
			diags.edge(e.ID, "duplicate edge id")
			continue
		}
		seen[e.ID] = true
		ok := true
		if _, exists := def.nodes[e.Source]; !exists {
			diags.edge(e.ID, "unknown source %q", e.Source)
			ok = false
		}
		if _, exists := def.nodes[e.Target]; !exists {
			diags.edge(e.ID, "unknown target %q", e.Target)
			ok = false
		}
		if !ok {
			continue
		}
		def.out[e.Source] = append(def.out[e.Source], e)
		def.in[e.Target] = append(def.in[e.Target], e)
	}
	for _, edges := range def.out {
		sortEdges(edges)
	}
}

func checkStartEnd(def *Definition, diags *diagnostics) {
	var starts []string
	for _, id := range def.order {
		switch n := def.nodes[id]; n.Kind {
		case KindStart:
			starts = append(starts, id)
		case KindEnd:
			def.ends = append(def.ends, id)
			if len(def.out[id]) > 0 {
				diags.node(id, "end node has outgoing edges")
			}
		}
	}
	switch len(starts) {
	case 0:
		diags.global("no start node")
	case 1:
		def.start = starts[0]
		if len(def.in[def.start]) > 0 {
			diags.node(def.start, "start node has incoming edges")
		}
		if len(def.out[def.start]) != 1 {
			diags.node(def.start, "start node needs exactly one outgoing edge, has %d", len(def.out[def.start]))
		}
	default:
		diags.global("more than one start node: %v", starts)
	}
	if len(def.ends) == 0 {
		diags.global("no end node")
	}
}

func checkReachability(def *Definition, diags *diagnostics) {
	forward := walk(def.start, func(id string) []string {
		var next []string
		for _, e := range def.out[id] {
			next = append(next, e.Target)
		}
		return append(next, faultTargets(def, id)...)
	})
	backward := map[string]int{}
	for _, end := range def.ends {
		for id := range walk(end, func(id string) []string {
			var prev []string
			for _, e := range def.in[id] {
				prev = append(prev, e.Source)
			}
			return prev
		}) {
			backward[id] = 0
		}
	}
	for _, id := range def.order {
		if _, ok := forward[id]; !ok {
			diags.node(id, "not reachable from start")
		}
		if _, ok := backward[id]; !ok {
			diags.node(id, "cannot reach an end node")
		}
	}
}

// faultTargets lists the nodes a fault raised by id can be routed to: its own
// error boundaries, then every definition error handler.
func faultTargets(def *Definition, id string) []string {
	n, ok := def.nodes[id]
	if !ok || !(n.Kind.TaskLike() || n.Kind == KindMultiInstance) {
		return nil
	}
	var targets []string
	for _, b := range boundariesOf(n) {
		if b.Target != "" {
			targets = append(targets, b.Target)
		}
	}
	for _, h := range def.ErrorHandlers {
		if h.Target != "" {
			targets = append(targets, h.Target)
		}
	}
	return targets
}

// walk is a breadth-first traversal returning the distance of every node
// reachable from root.
func walk(root string, next func(string) []string) map[string]int {
	dist := map[string]int{root: 0}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range next(cur) {
			if _, ok := dist[n]; ok {
				continue
			}
			dist[n] = dist[cur] + 1
			queue = append(queue, n)
		}
	}
	return dist
}

func checkOutgoing(def *Definition, diags *diagnostics) {
	for _, id := range def.order {
		n := def.nodes[id]
		out := def.out[id]
		if n.Kind == KindEnd {
			continue
		}
		if !n.Kind.Gateway() {
			if len(out) != 1 {
				diags.node(id, "%s needs exactly one outgoing edge, has %d", n.Kind, len(out))
				continue
			}
			if out[0].Condition != "" || out[0].Default {
				diags.node(id, "outgoing edge %s of a %s cannot be conditional or default", out[0].ID, n.Kind)
			}
			continue
		}

		if len(out) == 0 {
			diags.node(id, "gateway without outgoing edges")
			continue
		}
		defaults := 0
		for _, e := range out {
			if !e.Default {
				continue
			}
			defaults++
			if e.Condition != "" {
				diags.node(id, "default edge %s cannot carry a condition", e.ID)
			}
		}
		if defaults > 1 {
			diags.node(id, "gateway has %d default edges", defaults)
		}
		switch n.Kind {
		case KindParallelGateway:
			for _, e := range out {
				if e.Condition != "" || e.Default {
					diags.node(id, "parallel gateway edge %s cannot be conditional or default", e.ID)
				}
			}
		case KindExclusiveGateway, KindInclusiveGateway:
			if len(out) > 1 {
				for _, e := range out {
					if !e.Default && e.Condition == "" {
						diags.node(id, "edge %s needs a condition", e.ID)
					}
				}
			}
		}
		if n.Kind.Forking() && len(out) > 1 && len(def.in[id]) > 1 {
			diags.node(id, "%s cannot both split and join", n.Kind)
		}
	}
}

// pairJoins records the join of every forking split, explicit or inferred,
// and rejects joins that no split owns.
func pairJoins(def *Definition, diags *diagnostics) {
	for _, id := range def.order {
		n := def.nodes[id]
		if !n.Kind.Forking() || len(def.out[id]) < 2 {
			continue
		}
		join := ""
		if gc, ok := n.Config.(*GatewayConfig); ok && gc.Join != "" {
			j, exists := def.nodes[gc.Join]
			switch {
			case !exists:
				diags.node(id, "join %q does not exist", gc.Join)
				continue
			case j.Kind != n.Kind:
				diags.node(id, "join %q is a %s, want %s", gc.Join, j.Kind, n.Kind)
				continue
			case len(def.in[gc.Join]) < 2:
				diags.node(id, "join %q has fewer than two incoming edges", gc.Join)
				continue
			}
			join = gc.Join
		} else {
			join = inferJoin(def, n)
			if join == "" {
				diags.node(id, "%s split has no matching join", n.Kind)
				continue
			}
		}
		if owner, taken := def.splits[join]; taken {
			diags.node(id, "join %q already paired with split %q", join, owner)
			continue
		}
		def.joins[id] = join
		def.splits[join] = id
	}
	for _, id := range def.order {
		n := def.nodes[id]
		if !n.Kind.Forking() || len(def.in[id]) < 2 {
			continue
		}
		if _, ok := def.splits[id]; !ok {
			diags.node(id, "%s join has no matching split", n.Kind)
		}
	}
}

// inferJoin picks the same-kind merge node reachable from every branch with
// the smallest longest branch distance.
func inferJoin(def *Definition, split *Node) string {
	var branches []map[string]int
	for _, e := range def.out[split.ID] {
		branches = append(branches, walk(e.Target, func(id string) []string {
			var next []string
			for _, e := range def.out[id] {
				next = append(next, e.Target)
			}
			return next
		}))
	}

	type candidate struct {
		id       string
		max, sum int
	}
	var cands []candidate
	for _, id := range def.order {
		n := def.nodes[id]
		if n.Kind != split.Kind || len(def.in[id]) < 2 || id == split.ID {
			continue
		}
		c := candidate{id: id}
		ok := true
		for _, b := range branches {
			d, reach := b[id]
			if !reach {
				ok = false
				break
			}
			c.sum += d
			if d > c.max {
				c.max = d
			}
		}
		if ok {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].max != cands[j].max {
			return cands[i].max < cands[j].max
		}
		if cands[i].sum != cands[j].sum {
			return cands[i].sum < cands[j].sum
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id
}

func checkErrorTargets(def *Definition, diags *diagnostics) {
	for i, h := range def.ErrorHandlers {
		if !h.Terminate && h.Target == "" {
			diags.global("error handler #%d needs a target or terminate", i)
			continue
		}
		if h.Target != "" {
			if _, ok := def.nodes[h.Target]; !ok {
				diags.global("error handler #%d targets unknown node %q", i, h.Target)
			}
		}
	}
	for _, id := range def.order {
		for _, b := range boundariesOf(def.nodes[id]) {
			if !b.Terminate && b.Target == "" {
				diags.node(id, "error boundary %q needs a target or terminate", b.Code)
				continue
			}
			if b.Target != "" {
				if _, ok := def.nodes[b.Target]; !ok {
					diags.node(id, "error boundary %q targets unknown node %q", b.Code, b.Target)
				}
			}
		}
	}
}

// names is every identifier an expression may reference.
func names(def *Definition) []string {
	set := map[string]struct{}{
		VarInstances:          {},
		VarCompletedInstances: {},
		VarActiveInstances:    {},
		VarLoopCounter:        {},
	}
	for _, in := range def.Inputs {
		set[in.Name] = struct{}{}
	}
	for k := range def.Variables {
		set[k] = struct{}{}
	}
	var add func(n *Node)
	add = func(n *Node) {
		if a, ok := ActivityOf(n.Config); ok {
			for k := range a.Outputs {
				set[k] = struct{}{}
			}
		}
		switch c := n.Config.(type) {
		case *SignalCatchConfig:
			if c.PayloadVariable != "" {
				set[c.PayloadVariable] = struct{}{}
			}
		case *CallConfig:
			for k := range c.Outputs {
				set[k] = struct{}{}
			}
		case *MultiInstanceConfig:
			set[c.ItemVariable] = struct{}{}
			set[c.IndexVariable] = struct{}{}
			if c.OutputCollection != "" {
				set[c.OutputCollection] = struct{}{}
			}
			if c.Inner != nil {
				add(c.Inner)
			}
		}
	}
	for _, n := range def.nodes {
		add(n)
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Compiler) checkExpressions(def *Definition, diags *diagnostics) {
	known := names(def)
	check := func(nodeID, edgeID, what, src string) {
		if src == "" {
			return
		}
		if err := c.eval.Check(src, known); err != nil {
			*diags = append(*diags, Diagnostic{NodeID: nodeID, EdgeID: edgeID, Message: fmt.Sprintf("%s: %v", what, err)})
		}
	}
	for _, id := range def.order {
		for _, e := range def.out[id] {
			check("", e.ID, "condition", e.Condition)
		}
	}
	var visit func(n *Node)
	visit = func(n *Node) {
		if a, ok := ActivityOf(n.Config); ok {
			for k, src := range a.Inputs {
				check(n.ID, "", "input "+k, src)
			}
		}
		switch cfg := n.Config.(type) {
		case *ScriptConfig:
			for _, a := range cfg.Script {
				check(n.ID, "", "script "+a.Variable, a.Expression)
			}
		case *HttpConfig:
			check(n.ID, "", "body", cfg.Body)
		case *SignalThrowConfig:
			for k, src := range cfg.Payload {
				check(n.ID, "", "payload "+k, src)
			}
		case *CallConfig:
			for k, src := range cfg.Inputs {
				check(n.ID, "", "input "+k, src)
			}
			// outputs read child variables, which belong to another definition
			for k, src := range cfg.Outputs {
				if err := c.eval.Syntax(src); err != nil {
					diags.node(n.ID, "output %s: %v", k, err)
				}
			}
		case *MultiInstanceConfig:
			check(n.ID, "", "collection", cfg.Collection)
			check(n.ID, "", "completionCondition", cfg.CompletionCondition)
			check(n.ID, "", "outputElement", cfg.OutputElement)
			if cfg.Inner != nil {
				visit(cfg.Inner)
			}
		}
	}
	for _, id := range def.order {
		visit(def.nodes[id])
	}
}
