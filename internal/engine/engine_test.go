package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/tokenflow/internal/clock"
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
)

type harness struct {
	t      *testing.T
	e      *Engine
	clock  *clock.Manual
	store  store.InstanceStore
	reg    *registry.Registry
	faults chan state.Fault
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewManual(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
		reg:    registry.New(),
		faults: make(chan state.Fault, 16),
	}
	cfg := Config{
		Registry: h.reg,
		Clock:    h.clock,
		Workers:  4,
		OnFault: func(instanceID string, f state.Fault) {
			h.faults <- f
		},
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	if cfg.Store == nil {
		mem, err := store.NewMemory()
		require.NoError(t, err)
		t.Cleanup(func() { mem.Close() })
		cfg.Store = mem
	}
	h.store = cfg.Store
	h.reg = cfg.Registry

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	h.e = e
	return h
}

func (h *harness) handle(name string, fn registry.HandlerFunc) {
	require.NoError(h.t, h.reg.RegisterFunc(name, fn))
}

func (h *harness) deploy(src string) *definition.Definition {
	h.t.Helper()
	var raw definition.Raw
	require.NoError(h.t, yaml.Unmarshal([]byte(src), &raw))
	def, err := h.e.Deploy(raw)
	require.NoError(h.t, err)
	return def
}

func (h *harness) start(definitionID string, vars map[string]any) string {
	h.t.Helper()
	id, err := h.e.StartInstance(context.Background(), definitionID, vars)
	require.NoError(h.t, err)
	return id
}

func (h *harness) wait(id string) state.Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.e.Wait(ctx, id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) instance(id string) *state.Instance {
	h.t.Helper()
	inst, err := h.e.Instance(context.Background(), id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) count(id string, kind state.EventKind) int {
	h.t.Helper()
	history, err := h.e.History(context.Background(), id)
	require.NoError(h.t, err)
	n := 0
	for _, e := range history {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// pending waits until the waits service holds a wait of kind for id.
func (h *harness) pending(id string, kind state.WaitKind) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, w := range h.e.Waits().Pending(id) {
			if w.Kind == kind {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

const approvalYAML = `
id: approval
inputs:
  - name: amount
    required: true
nodes:
  - {id: start, type: start}
  - {id: route, type: exclusiveGateway}
  - id: manager
    type: userTask
    config: {handler: approve, outputs: {approvedBy: by}}
  - id: auto
    type: serviceTask
    config: {handler: autoApprove, outputs: {approvedBy: by}}
  - {id: end, type: end}
edges:
  - {source: start, target: route}
  - {id: big, source: route, target: manager, condition: "amount > 1000"}
  - {id: small, source: route, target: auto, default: true}
  - {source: manager, target: end}
  - {source: auto, target: end}
`

func TestExclusiveRouting(t *testing.T) {
	h := newHarness(t)
	h.handle("approve", func(tc *registry.TaskContext) (map[string]any, error) {
		return map[string]any{"by": "manager"}, nil
	})
	h.handle("autoApprove", func(tc *registry.TaskContext) (map[string]any, error) {
		return map[string]any{"by": "system"}, nil
	})
	h.deploy(approvalYAML)

	small := h.start("approval", map[string]any{"amount": 500})
	big := h.start("approval", map[string]any{"amount": 5000})

	require.Equal(t, state.StatusCompleted, h.wait(small))
	require.Equal(t, state.StatusCompleted, h.wait(big))
	assert.Equal(t, "system", h.instance(small).Variables["approvedBy"])
	assert.Equal(t, "manager", h.instance(big).Variables["approvedBy"])

	inst := h.instance(small)
	assert.Empty(t, inst.Tokens)
	assert.False(t, inst.EndedAt.IsZero())
	assert.Equal(t, 1, h.count(small, state.EventGatewayTaken))

	p, err := h.e.Replay(context.Background(), big)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, p.Status)
	assert.Equal(t, "manager", p.Variables["approvedBy"])
	assert.Len(t, p.Variables, len(h.instance(big).Variables))

	// a stored value that history never produced is reported
	tampered := h.instance(big)
	tampered.Variables["approvedBy"] = "nobody"
	require.NoError(t, h.store.Save(context.Background(), tampered, tampered.Version))
	_, err = h.e.Replay(context.Background(), big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approvedBy")
}

func TestMissingInput(t *testing.T) {
	h := newHarness(t)
	h.deploy(approvalYAML)

	_, err := h.e.StartInstance(context.Background(), "approval", nil)
	require.ErrorIs(t, err, ErrMissingInput)

	_, err = h.e.StartInstance(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestDeployVersions(t *testing.T) {
	h := newHarness(t)
	first := h.deploy(approvalYAML)
	second := h.deploy(approvalYAML)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	latest, err := h.e.Definition("approval", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	var raw definition.Raw
	require.NoError(t, yaml.Unmarshal([]byte(approvalYAML), &raw))
	raw.Version = 2
	_, err = h.e.Deploy(raw)
	require.ErrorIs(t, err, ErrDefinitionExists)

	assert.Len(t, h.e.Definitions(), 2)
}

func TestNoMatchingEdge(t *testing.T) {
	h := newHarness(t)
	h.deploy(`
id: strict
inputs: [{name: amount, required: true}]
nodes:
  - {id: start, type: start}
  - {id: route, type: exclusiveGateway}
  - {id: big, type: end}
  - {id: huge, type: end}
edges:
  - {source: start, target: route}
  - {source: route, target: big, condition: "amount > 1000"}
  - {source: route, target: huge, condition: "amount > 100000"}
`)
	id := h.start("strict", map[string]any{"amount": 5})
	require.Equal(t, state.StatusFailed, h.wait(id))
	inst := h.instance(id)
	require.NotNil(t, inst.Fault)
	assert.Equal(t, registry.CodeNoMatchingEdge, inst.Fault.Code)
	assert.Equal(t, "route", inst.Fault.NodeID)
}

func TestStepLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSteps = 50 })
	h.deploy(`
id: spin
variables: {again: true}
nodes:
  - {id: start, type: start}
  - {id: check, type: exclusiveGateway}
  - {id: back, type: exclusiveGateway}
  - {id: end, type: end}
edges:
  - {source: start, target: check}
  - {source: check, target: back, condition: "again"}
  - {source: check, target: end, default: true}
  - {source: back, target: check}
`)
	id := h.start("spin", nil)
	require.Equal(t, state.StatusFailed, h.wait(id))
	assert.Equal(t, CodeStepLimit, h.instance(id).Fault.Code)
}

const parallelYAML = `
id: parallel
nodes:
  - {id: start, type: start}
  - {id: fork, type: parallelGateway}
  - {id: a, type: serviceTask, config: {handler: work, outputs: {a: done}}}
  - {id: b, type: serviceTask, config: {handler: work, outputs: {b: done}}}
  - {id: c, type: serviceTask, config: {handler: work, outputs: {c: done}}}
  - {id: join, type: parallelGateway}
  - {id: end, type: end}
edges:
  - {source: start, target: fork}
  - {source: fork, target: a}
  - {source: fork, target: b}
  - {source: fork, target: c}
  - {source: a, target: join}
  - {source: b, target: join}
  - {source: c, target: join}
  - {source: join, target: end}
`

func TestParallelJoin(t *testing.T) {
	h := newHarness(t)
	h.handle("work", func(tc *registry.TaskContext) (map[string]any, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return map[string]any{"done": tc.NodeID}, nil
	})
	h.deploy(parallelYAML)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, h.start("parallel", nil))
	}
	for _, id := range ids {
		require.Equal(t, state.StatusCompleted, h.wait(id))
		inst := h.instance(id)
		assert.Equal(t, "a", inst.Variables["a"])
		assert.Equal(t, "b", inst.Variables["b"])
		assert.Equal(t, "c", inst.Variables["c"])
		assert.Empty(t, inst.Forks)
		assert.Equal(t, 1, h.count(id, state.EventJoinFired))
		assert.Equal(t, 3, h.count(id, state.EventJoinArrived))

		_, err := h.e.Replay(context.Background(), id)
		require.NoError(t, err)
	}
}

const earlyEndYAML = `
id: early
inputs: [{name: stop, required: true}]
nodes:
  - {id: start, type: start}
  - {id: fork, type: parallelGateway}
  - {id: a, type: serviceTask, config: {handler: work, outputs: {a: done}}}
  - {id: gate, type: exclusiveGateway}
  - {id: bail, type: end}
  - {id: join, type: parallelGateway}
  - {id: end, type: end}
edges:
  - {source: start, target: fork}
  - {source: fork, target: a}
  - {source: fork, target: gate}
  - {source: gate, target: bail, condition: "stop"}
  - {source: gate, target: join, default: true}
  - {source: a, target: join}
  - {source: join, target: end}
`

const nestedEarlyEndYAML = `
id: nested
inputs: [{name: stop, required: true}]
nodes:
  - {id: start, type: start}
  - {id: outer, type: parallelGateway}
  - {id: y, type: serviceTask, config: {handler: work, outputs: {y: done}}}
  - {id: inner, type: parallelGateway}
  - {id: g1, type: exclusiveGateway}
  - {id: g2, type: exclusiveGateway}
  - {id: early1, type: end}
  - {id: early2, type: end}
  - {id: innerJoin, type: parallelGateway}
  - {id: outerJoin, type: parallelGateway}
  - {id: end, type: end}
edges:
  - {source: start, target: outer}
  - {source: outer, target: y}
  - {source: outer, target: inner}
  - {source: inner, target: g1}
  - {source: inner, target: g2}
  - {source: g1, target: early1, condition: "stop"}
  - {source: g1, target: innerJoin, default: true}
  - {source: g2, target: early2, condition: "stop"}
  - {source: g2, target: innerJoin, default: true}
  - {source: innerJoin, target: outerJoin}
  - {source: y, target: outerJoin}
  - {source: outerJoin, target: end}
`

func TestBranchEndsInsideFork(t *testing.T) {
	h := newHarness(t)
	h.handle("work", func(tc *registry.TaskContext) (map[string]any, error) {
		return map[string]any{"done": tc.NodeID}, nil
	})
	h.deploy(earlyEndYAML)
	h.deploy(nestedEarlyEndYAML)

	cases := []struct {
		definition string
		stop       bool
		arrivals   int
	}{
		{"early", false, 2},
		{"early", true, 1},
		{"nested", false, 4},
		// both inner branches end early, only y reaches the outer join
		{"nested", true, 1},
	}
	for _, c := range cases {
		name := fmt.Sprintf("%s stop=%t", c.definition, c.stop)
		id := h.start(c.definition, map[string]any{"stop": c.stop})
		require.Equal(t, state.StatusCompleted, h.wait(id), name)

		inst := h.instance(id)
		assert.Empty(t, inst.Tokens, name)
		assert.Empty(t, inst.Forks, name)
		assert.Equal(t, c.arrivals, h.count(id, state.EventJoinArrived), name)

		_, err := h.e.Replay(context.Background(), id)
		require.NoError(t, err, name)
	}
}

func TestInclusiveGateway(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	visited := map[string][]string{}
	h.handle("visit", func(tc *registry.TaskContext) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		visited[tc.InstanceID] = append(visited[tc.InstanceID], tc.NodeID)
		return nil, nil
	})
	h.deploy(`
id: inclusive
inputs: [{name: x, required: true}]
nodes:
  - {id: start, type: start}
  - {id: split, type: inclusiveGateway}
  - {id: a, type: task, config: {handler: visit}}
  - {id: b, type: task, config: {handler: visit}}
  - {id: c, type: task, config: {handler: visit}}
  - {id: merge, type: inclusiveGateway}
  - {id: end, type: end}
edges:
  - {source: start, target: split}
  - {source: split, target: a, condition: "x > 1"}
  - {source: split, target: b, condition: "x > 2"}
  - {source: split, target: c, default: true}
  - {source: a, target: merge}
  - {source: b, target: merge}
  - {source: c, target: merge}
  - {source: merge, target: end}
`)

	two := h.start("inclusive", map[string]any{"x": 3})
	none := h.start("inclusive", map[string]any{"x": 0})
	require.Equal(t, state.StatusCompleted, h.wait(two))
	require.Equal(t, state.StatusCompleted, h.wait(none))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, visited[two])
	assert.Equal(t, []string{"c"}, visited[none])
}

func fanoutYAML(id string, sequential bool, condition string) string {
	return fmt.Sprintf(`
id: %s
inputs: [{name: numbers, required: true}]
nodes:
  - {id: start, type: start}
  - id: each
    type: multiInstance
    config:
      collection: numbers
      sequential: %t
      completionCondition: %q
      outputCollection: results
      outputElement: doubled
      activity:
        type: serviceTask
        handler: double
        inputs: {n: item}
        outputs: {doubled: result}
  - {id: end, type: end}
edges:
  - {source: start, target: each}
  - {source: each, target: end}
`, id, sequential, condition)
}

type doubler struct {
	mu      sync.Mutex
	seen    []any
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (d *doubler) handle(tc *registry.TaskContext) (map[string]any, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	v, _ := tc.Input("n")
	d.mu.Lock()
	d.seen = append(d.seen, v)
	d.mu.Unlock()
	if v.(int) == 13 {
		return nil, registry.PermanentFault("BAD_ITEM", "thirteen")
	}
	time.Sleep(2 * time.Millisecond)
	return map[string]any{"result": v.(int) * 2}, nil
}

func TestMultiInstanceParallel(t *testing.T) {
	h := newHarness(t)
	d := &doubler{}
	h.handle("double", d.handle)
	h.deploy(fanoutYAML("fanout", false, ""))

	id := h.start("fanout", map[string]any{"numbers": []any{1, 2, 3}})
	require.Equal(t, state.StatusCompleted, h.wait(id))

	inst := h.instance(id)
	assert.Equal(t, []any{2, 4, 6}, inst.Variables["results"])
	assert.NotContains(t, inst.Variables, "doubled")
	assert.Empty(t, inst.Groups)
	assert.Equal(t, 3, h.count(id, state.EventMultiChildDone))
}

func TestMultiInstanceSequential(t *testing.T) {
	h := newHarness(t)
	d := &doubler{}
	h.handle("double", d.handle)
	h.deploy(fanoutYAML("sequential", true, ""))

	id := h.start("sequential", map[string]any{"numbers": []any{3, 1, 2}})
	require.Equal(t, state.StatusCompleted, h.wait(id))

	assert.Equal(t, []any{6, 2, 4}, h.instance(id).Variables["results"])
	d.mu.Lock()
	assert.Equal(t, []any{3, 1, 2}, d.seen)
	d.mu.Unlock()
	assert.Equal(t, int32(1), d.maxSeen.Load())
}

func TestMultiInstanceCompletionCondition(t *testing.T) {
	h := newHarness(t)
	d := &doubler{}
	h.handle("double", d.handle)
	h.deploy(fanoutYAML("early", true, "nrOfCompletedInstances >= 2"))

	id := h.start("early", map[string]any{"numbers": []any{1, 2, 3, 4, 5}})
	require.Equal(t, state.StatusCompleted, h.wait(id))

	assert.Equal(t, []any{2, 4, nil, nil, nil}, h.instance(id).Variables["results"])
	d.mu.Lock()
	assert.Len(t, d.seen, 2)
	d.mu.Unlock()
}

func TestMultiInstanceEmptyCollection(t *testing.T) {
	h := newHarness(t)
	h.handle("double", (&doubler{}).handle)
	h.deploy(fanoutYAML("empty", false, ""))

	id := h.start("empty", map[string]any{"numbers": []any{}})
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, []any{}, h.instance(id).Variables["results"])
}

func TestMultiInstanceChildFailure(t *testing.T) {
	h := newHarness(t)
	h.handle("double", (&doubler{}).handle)
	h.deploy(fanoutYAML("failing", false, ""))

	id := h.start("failing", map[string]any{"numbers": []any{1, 13, 3}})
	require.Equal(t, state.StatusFailed, h.wait(id))

	inst := h.instance(id)
	require.NotNil(t, inst.Fault)
	assert.Equal(t, "BAD_ITEM", inst.Fault.Code)
	assert.Equal(t, "each", inst.Fault.NodeID)
	assert.Empty(t, inst.Tokens)

	select {
	case f := <-h.faults:
		assert.Equal(t, "BAD_ITEM", f.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("fault was not reported")
	}
}

func TestRetryDelay(t *testing.T) {
	policy := &definition.RetryConfig{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d, ok := RetryDelay(policy, i)
		require.True(t, ok)
		assert.Equal(t, want, d)
	}
	_, ok := RetryDelay(policy, 3)
	assert.False(t, ok)

	capped := &definition.RetryConfig{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 3 * time.Second}
	d, ok := RetryDelay(capped, 4)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = RetryDelay(nil, 0)
	assert.False(t, ok)
}

const flakyYAML = `
id: flaky
nodes:
  - {id: start, type: start}
  - id: call
    type: serviceTask
    config:
      handler: flaky
      outputs: {answer: answer}
      retry: {maxRetries: 3, initialDelay: 1s, backoffMultiplier: 2}
  - {id: end, type: end}
edges:
  - {source: start, target: call}
  - {source: call, target: end}
`

type flaky struct {
	failures int32
	calls    atomic.Int32
	mu       sync.Mutex
	attempts []int
}

func (f *flaky) handle(tc *registry.TaskContext) (map[string]any, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.attempts = append(f.attempts, tc.Attempt)
	f.mu.Unlock()
	if n <= f.failures {
		return nil, registry.NewFault("FLAKY", "attempt %d", n)
	}
	return map[string]any{"answer": 42}, nil
}

func TestRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	f := &flaky{failures: 3}
	h.handle("flaky", f.handle)
	h.deploy(flakyYAML)

	id := h.start("flaky", nil)
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.pending(id, state.WaitRetry)
		h.clock.Advance(delay - time.Millisecond)
		assert.NotEmpty(t, h.e.Waits().Pending(id), "retry fired early")
		h.clock.Advance(time.Millisecond)
	}
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, 42, h.instance(id).Variables["answer"])
	assert.Equal(t, 3, h.count(id, state.EventRetryScheduled))

	f.mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4}, f.attempts)
	f.mu.Unlock()
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	f := &flaky{failures: 10}
	h.handle("flaky", f.handle)
	h.deploy(flakyYAML)

	id := h.start("flaky", nil)
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.pending(id, state.WaitRetry)
		h.clock.Advance(delay)
	}
	require.Equal(t, state.StatusFailed, h.wait(id))
	assert.Equal(t, int32(4), f.calls.Load())
	assert.Equal(t, 1, h.count(id, state.EventRetryExhausted))
	assert.Equal(t, "FLAKY", h.instance(id).Fault.Code)
}

func TestPermanentFaultSkipsRetry(t *testing.T) {
	h := newHarness(t)
	h.handle("flaky", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, registry.PermanentFault("INVALID", "no point retrying")
	})
	h.deploy(flakyYAML)

	id := h.start("flaky", nil)
	require.Equal(t, state.StatusFailed, h.wait(id))
	assert.Equal(t, 0, h.count(id, state.EventRetryScheduled))
	assert.Equal(t, "INVALID", h.instance(id).Fault.Code)
}

func TestUnhandledFaultIsReported(t *testing.T) {
	h := newHarness(t)
	h.handle("flaky", func(tc *registry.TaskContext) (map[string]any, error) {
		panic("boom")
	})
	h.deploy(`
id: panicky
nodes:
  - {id: start, type: start}
  - {id: call, type: serviceTask, config: {handler: flaky}}
  - {id: end, type: end}
edges:
  - {source: start, target: call}
  - {source: call, target: end}
`)
	id := h.start("panicky", nil)
	require.Equal(t, state.StatusFailed, h.wait(id))

	select {
	case f := <-h.faults:
		assert.Equal(t, registry.CodeHandlerPanic, f.Code)
		assert.Equal(t, "call", f.NodeID)
		assert.False(t, f.Handled)
	case <-time.After(5 * time.Second):
		t.Fatal("fault was not reported")
	}
	require.Eventually(t, func() bool {
		return h.e.pool.Failed() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

const paymentYAML = `
id: payment
nodes:
  - {id: start, type: start}
  - id: flight
    type: serviceTask
    config: {handler: flight}
  - id: charge
    type: serviceTask
    config:
      handler: charge
      errorBoundaries:
        - {code: DECLINED, target: notify, compensate: %t}
  - {id: notify, type: serviceTask, config: {handler: notify}}
  - {id: end, type: end}
edges:
  - {source: start, target: flight}
  - {source: flight, target: charge}
  - {source: charge, target: end}
  - {source: notify, target: end}
`

type undoLog struct {
	mu   sync.Mutex
	done []string
}

func (u *undoLog) handler(name string) registry.Compensable {
	return registry.Compensable{
		Do: func(tc *registry.TaskContext) (map[string]any, error) {
			return nil, nil
		},
		Undo: func(tc *registry.TaskContext) error {
			u.mu.Lock()
			defer u.mu.Unlock()
			u.done = append(u.done, name)
			return nil
		},
	}
}

func (u *undoLog) list() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.done...)
}

func TestErrorBoundaryRoutes(t *testing.T) {
	h := newHarness(t)
	undo := &undoLog{}
	require.NoError(t, h.reg.Register("flight", undo.handler("flight")))
	h.handle("charge", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, registry.NewFault("DECLINED", "card declined")
	})
	var notified atomic.Bool
	h.handle("notify", func(tc *registry.TaskContext) (map[string]any, error) {
		notified.Store(true)
		return nil, nil
	})
	h.deploy(fmt.Sprintf(paymentYAML, false))

	id := h.start("payment", nil)
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.True(t, notified.Load())
	assert.Empty(t, undo.list())
	assert.Equal(t, 1, h.count(id, state.EventFaultRouted))
	assert.Empty(t, h.faults)
}

func TestErrorHandlerRoutesToFaultOnlyNode(t *testing.T) {
	h := newHarness(t)
	h.handle("charge", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, registry.PermanentFault("DECLINED", "card declined")
	})
	h.handle("cleanup", func(tc *registry.TaskContext) (map[string]any, error) {
		return map[string]any{"cleaned": true}, nil
	})
	h.deploy(`
id: fallback
nodes:
  - {id: start, type: start}
  - {id: charge, type: serviceTask, config: {handler: charge}}
  - {id: cleanup, type: serviceTask, config: {handler: cleanup, outputs: {cleaned: cleaned}}}
  - {id: end, type: end}
edges:
  - {source: start, target: charge}
  - {source: charge, target: end}
  - {source: cleanup, target: end}
errorHandlers:
  - {code: "*", target: cleanup}
`)

	id := h.start("fallback", nil)
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, true, h.instance(id).Variables["cleaned"])
	assert.Equal(t, 1, h.count(id, state.EventFaultRouted))
	assert.Empty(t, h.faults)
}

func TestErrorBoundaryCompensatesThenRoutes(t *testing.T) {
	h := newHarness(t)
	undo := &undoLog{}
	require.NoError(t, h.reg.Register("flight", undo.handler("flight")))
	h.handle("charge", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, registry.NewFault("DECLINED", "card declined")
	})
	h.handle("notify", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, nil
	})
	h.deploy(fmt.Sprintf(paymentYAML, true))

	id := h.start("payment", nil)
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, []string{"flight"}, undo.list())

	inst := h.instance(id)
	require.Len(t, inst.Completed, 2)
	assert.Equal(t, "flight", inst.Completed[0].NodeID)
	assert.True(t, inst.Completed[0].Compensated)
	assert.Equal(t, "notify", inst.Completed[1].NodeID)
	assert.False(t, inst.Completed[1].Compensated)
}

func TestCompensationOrderOnTerminate(t *testing.T) {
	h := newHarness(t)
	undo := &undoLog{}
	require.NoError(t, h.reg.Register("flight", undo.handler("flight")))
	require.NoError(t, h.reg.Register("hotel", undo.handler("hotel")))
	h.handle("charge", func(tc *registry.TaskContext) (map[string]any, error) {
		return nil, registry.PermanentFault("DECLINED", "card declined")
	})
	h.deploy(`
id: trip
nodes:
  - {id: start, type: start}
  - {id: flight, type: serviceTask, config: {handler: flight}}
  - {id: hotel, type: serviceTask, config: {handler: hotel}}
  - id: charge
    type: serviceTask
    config:
      handler: charge
      errorBoundaries:
        - {code: DECLINED, compensate: true, terminate: true}
  - {id: end, type: end}
edges:
  - {source: start, target: flight}
  - {source: flight, target: hotel}
  - {source: hotel, target: charge}
  - {source: charge, target: end}
`)

	id := h.start("trip", nil)
	require.Equal(t, state.StatusFailed, h.wait(id))
	require.Eventually(t, func() bool {
		return h.count(id, state.EventCompensationCompleted) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hotel", "flight"}, undo.list())

	inst := h.instance(id)
	assert.True(t, inst.Fault.Handled)
	assert.Equal(t, state.StatusFailed, inst.Status)
	assert.Empty(t, h.faults)
}

func TestTimer(t *testing.T) {
	h := newHarness(t)
	h.deploy(`
id: sleepy
nodes:
  - {id: start, type: start}
  - {id: nap, type: timer, config: {duration: 1h}}
  - {id: end, type: end}
edges:
  - {source: start, target: nap}
  - {source: nap, target: end}
`)
	id := h.start("sleepy", nil)
	h.pending(id, state.WaitTimer)

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, state.StatusRunning, h.instance(id).Status)

	h.clock.Advance(31 * time.Minute)
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, 1, h.count(id, state.EventTimerFired))
	assert.Empty(t, h.e.Waits().Pending(id))
}

const waiterYAML = `
id: waiter
nodes:
  - {id: start, type: start}
  - {id: listen, type: signalCatch, config: {signal: go, payloadVariable: payload}}
  - {id: after, type: task, config: {handler: noop}}
  - {id: end, type: end}
edges:
  - {source: start, target: listen}
  - {source: listen, target: after}
  - {source: after, target: end}
`

const bystanderYAML = `
id: bystander
nodes:
  - {id: start, type: start}
  - {id: listen, type: signalCatch, config: {signal: stop, payloadVariable: payload}}
  - {id: end, type: end}
edges:
  - {source: start, target: listen}
  - {source: listen, target: end}
`

func noop(tc *registry.TaskContext) (map[string]any, error) {
	return nil, nil
}

func TestSignalBroadcast(t *testing.T) {
	h := newHarness(t)
	h.handle("noop", noop)
	h.deploy(waiterYAML)

	n, err := h.e.Broadcast(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.deploy(bystanderYAML)
	first := h.start("waiter", nil)
	second := h.start("waiter", nil)
	other := h.start("bystander", nil)
	h.pending(first, state.WaitSignal)
	h.pending(second, state.WaitSignal)
	h.pending(other, state.WaitSignal)

	n, err = h.e.Broadcast(context.Background(), "go", map[string]any{"by": "ops"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{first, second} {
		require.Equal(t, state.StatusCompleted, h.wait(id))
		assert.Equal(t, map[string]any{"by": "ops"}, h.instance(id).Variables["payload"])
	}

	// a catch on another signal name does not move
	bystander := h.instance(other)
	assert.Equal(t, state.StatusRunning, bystander.Status)
	assert.NotContains(t, bystander.Variables, "payload")
	assert.Zero(t, h.count(other, state.EventSignalReceived))
	waits := h.e.Waits().Pending(other)
	require.Len(t, waits, 1)
	assert.Equal(t, "stop", waits[0].Signal)
}

func TestSignalThrowReachesOtherInstances(t *testing.T) {
	h := newHarness(t)
	h.handle("noop", noop)
	h.deploy(waiterYAML)
	h.deploy(`
id: thrower
nodes:
  - {id: start, type: start}
  - {id: shout, type: signalThrow, config: {signal: go, payload: {from: "'thrower'"}}}
  - {id: end, type: end}
edges:
  - {source: start, target: shout}
  - {source: shout, target: end}
`)
	waiter := h.start("waiter", nil)
	h.pending(waiter, state.WaitSignal)

	h.deploy(bystanderYAML)
	other := h.start("bystander", nil)
	h.pending(other, state.WaitSignal)

	thrower := h.start("thrower", nil)
	require.Equal(t, state.StatusCompleted, h.wait(thrower))
	require.Equal(t, state.StatusCompleted, h.wait(waiter))
	assert.Equal(t, map[string]any{"from": "thrower"}, h.instance(waiter).Variables["payload"])

	assert.Equal(t, state.StatusRunning, h.instance(other).Status)
	assert.Len(t, h.e.Waits().Pending(other), 1)
}

// unavailableStore refuses every write while down is set.
type unavailableStore struct {
	store.InstanceStore
	down atomic.Bool
}

func (s *unavailableStore) Save(ctx context.Context, inst *state.Instance, expectedVersion int64, history ...state.HistoryEntry) error {
	if s.down.Load() {
		return fmt.Errorf("disk unavailable")
	}
	return s.InstanceStore.Save(ctx, inst, expectedVersion, history...)
}

func TestWaitsSurviveFailedSave(t *testing.T) {
	mem, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	st := &unavailableStore{InstanceStore: mem}

	h := newHarness(t, func(cfg *Config) { cfg.Store = st })
	h.handle("noop", noop)
	h.deploy(waiterYAML)
	h.deploy(`
id: sleepy
nodes:
  - {id: start, type: start}
  - {id: nap, type: timer, config: {duration: 1h}}
  - {id: end, type: end}
edges:
  - {source: start, target: nap}
  - {source: nap, target: end}
`)
	sleeper := h.start("sleepy", nil)
	listener := h.start("waiter", nil)
	h.pending(sleeper, state.WaitTimer)
	h.pending(listener, state.WaitSignal)

	st.down.Store(true)
	h.clock.Advance(2 * time.Hour)
	_, err = h.e.Broadcast(context.Background(), "go", nil)
	require.Error(t, err)

	assert.Equal(t, state.StatusRunning, h.instance(sleeper).Status)
	assert.Equal(t, state.StatusRunning, h.instance(listener).Status)
	require.Len(t, h.e.Waits().Pending(sleeper), 1, "timer wait is back in the index")
	require.Len(t, h.e.Waits().Pending(listener), 1, "signal wait is back in the index")

	st.down.Store(false)
	h.clock.Advance(time.Second)
	require.Equal(t, state.StatusCompleted, h.wait(sleeper))
	assert.Equal(t, 1, h.count(sleeper, state.EventTimerFired))

	n, err := h.e.Broadcast(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, state.StatusCompleted, h.wait(listener))
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handle("noop", func(tc *registry.TaskContext) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	h.deploy(waiterYAML)
	ctx := context.Background()

	id := h.start("waiter", nil)
	h.pending(id, state.WaitSignal)
	require.NoError(t, h.e.Suspend(ctx, id))
	require.ErrorIs(t, h.e.Suspend(ctx, id), ErrInvalidTransition)

	n, err := h.e.SignalInstance(ctx, id, "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := h.instance(id)
	assert.Equal(t, state.StatusSuspended, inst.Status)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, h.e.Resume(ctx, id))
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, map[string]any{}, h.instance(id).Variables["payload"])
}

const holdYAML = `
id: hold
nodes:
  - {id: start, type: start}
  - {id: hold, type: serviceTask, config: {handler: hold}}
  - {id: end, type: end}
edges:
  - {source: start, target: hold}
  - {source: hold, target: end}
`

func TestCancel(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	stopped := make(chan struct{})
	h.handle("hold", func(tc *registry.TaskContext) (map[string]any, error) {
		close(started)
		<-tc.Done()
		close(stopped)
		return nil, tc.Err()
	})
	h.deploy(holdYAML)
	ctx := context.Background()

	id := h.start("hold", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, h.e.CancelInstance(ctx, id, "operator"))
	assert.Equal(t, state.StatusCancelled, h.wait(id))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
	require.Eventually(t, func() bool {
		return h.count(id, state.EventResultDiscarded) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.e.CancelInstance(ctx, id, "again"), ErrInstanceTerminal)
	assert.Empty(t, h.instance(id).Tokens)
}

const incrementYAML = `
id: increment
inputs: [{name: x, required: true}]
nodes:
  - {id: start, type: start}
  - {id: inc, type: serviceTask, config: {handler: inc, inputs: {x: x}, outputs: {y: y}}}
  - {id: end, type: end}
edges:
  - {source: start, target: inc}
  - {source: inc, target: end}
`

func TestCallActivity(t *testing.T) {
	h := newHarness(t)
	h.handle("inc", func(tc *registry.TaskContext) (map[string]any, error) {
		x, _ := tc.Input("x")
		return map[string]any{"y": x.(int) + 1}, nil
	})
	h.deploy(incrementYAML)
	h.deploy(`
id: caller
inputs: [{name: amount, required: true}]
nodes:
  - {id: start, type: start}
  - id: sub
    type: callActivity
    config: {definition: increment, inputs: {x: amount}, outputs: {total: y}}
  - {id: end, type: end}
edges:
  - {source: start, target: sub}
  - {source: sub, target: end}
`)

	id := h.start("caller", map[string]any{"amount": 41})
	require.Equal(t, state.StatusCompleted, h.wait(id))
	assert.Equal(t, 42, h.instance(id).Variables["total"])

	all, err := h.e.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, inst := range all {
		if inst.ID == id {
			continue
		}
		assert.Equal(t, id, inst.ParentInstanceID)
		assert.Equal(t, 1, inst.CallDepth)
		assert.Equal(t, state.StatusCompleted, inst.Status)
	}
}

func TestCallDepthExceeded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxCallDepth = 2 })
	h.deploy(`
id: recurse
nodes:
  - {id: start, type: start}
  - {id: again, type: callActivity, config: {definition: recurse}}
  - {id: end, type: end}
edges:
  - {source: start, target: again}
  - {source: again, target: end}
`)
	id := h.start("recurse", nil)
	require.Equal(t, state.StatusFailed, h.wait(id))
	assert.Equal(t, registry.CodeChildFailed, h.instance(id).Fault.Code)

	require.Eventually(t, func() bool {
		failed, err := h.e.List(context.Background(), state.StatusFailed)
		return err == nil && len(failed) == 3
	}, 5*time.Second, 5*time.Millisecond)

	failed, err := h.e.List(context.Background(), state.StatusFailed)
	require.NoError(t, err)
	deepest := 0
	for _, inst := range failed {
		if inst.CallDepth == 2 {
			assert.Equal(t, registry.CodeCallDepthExceeded, inst.Fault.Code)
			deepest++
		}
	}
	assert.Equal(t, 1, deepest)
}

func TestCancelParentCancelsChild(t *testing.T) {
	h := newHarness(t)
	h.handle("hold", func(tc *registry.TaskContext) (map[string]any, error) {
		<-tc.Done()
		return nil, tc.Err()
	})
	h.deploy(holdYAML)
	h.deploy(`
id: wrapper
nodes:
  - {id: start, type: start}
  - {id: sub, type: callActivity, config: {definition: hold}}
  - {id: end, type: end}
edges:
  - {source: start, target: sub}
  - {source: sub, target: end}
`)
	ctx := context.Background()
	id := h.start("wrapper", nil)

	var child string
	require.Eventually(t, func() bool {
		running, err := h.e.List(ctx, state.StatusRunning)
		if err != nil {
			return false
		}
		for _, inst := range running {
			if inst.ParentInstanceID == id {
				child = inst.ID
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.e.CancelInstance(ctx, id, "operator"))
	assert.Equal(t, state.StatusCancelled, h.wait(id))
	assert.Equal(t, state.StatusCancelled, h.wait(child))
}

func TestRecover(t *testing.T) {
	mem, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	shared := func(c *Config) { c.Store = mem }

	before := newHarness(t, shared)
	started := make(chan struct{})
	before.handle("hold", func(tc *registry.TaskContext) (map[string]any, error) {
		close(started)
		<-tc.Done()
		return nil, tc.Err()
	})
	before.deploy(holdYAML)
	before.deploy(`
id: sleepy
nodes:
  - {id: start, type: start}
  - {id: nap, type: timer, config: {duration: 10m}}
  - {id: end, type: end}
edges:
  - {source: start, target: nap}
  - {source: nap, target: end}
`)
	busy := before.start("hold", nil)
	sleeping := before.start("sleepy", nil)
	before.pending(sleeping, state.WaitTimer)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	require.NoError(t, before.e.Close())

	after := newHarness(t, shared)
	after.handle("hold", noop)
	after.deploy(holdYAML)
	after.deploy(`
id: sleepy
nodes:
  - {id: start, type: start}
  - {id: nap, type: timer, config: {duration: 10m}}
  - {id: end, type: end}
edges:
  - {source: start, target: nap}
  - {source: nap, target: end}
`)
	n, err := after.e.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Equal(t, state.StatusCompleted, after.wait(busy))
	after.pending(sleeping, state.WaitTimer)
	after.clock.Advance(time.Hour)
	require.Equal(t, state.StatusCompleted, after.wait(sleeping))
}
