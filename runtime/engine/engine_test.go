package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/store/memory"
	"github.com/n3nlabs/n3n/runtime/values"
)

func registerFunc(t *testing.T, reg *handler.Registry, typ string, fn func(ctx context.Context, hctx *handler.Context) (handler.Result, error)) {
	t.Helper()
	require.NoError(t, reg.Register(handler.NewFunc(handler.Metadata{Type: typ, Label: typ}, fn)))
}

func echo(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
	return handler.Result{Output: hctx.Input.Clone()}, nil
}

type testRig struct {
	engine *Engine
	store  *memory.Store
	reg    *handler.Registry
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	s := memory.New()
	reg := handler.NewRegistry(nil)
	registerFunc(t, reg, flow.TypeTrigger, echo)

	e, err := New(Options{
		Store:    s,
		Registry: reg,
		Workers:  4,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &testRig{engine: e, store: s, reg: reg}
}

// seedVersion stores a published version and returns its id.
func (rig *testRig) seedVersion(t *testing.T, def flow.Definition, settings values.Map) string {
	t.Helper()
	ctx := context.Background()
	fid := fmt.Sprintf("flow-%s", t.Name())
	vid := fid + "-v1"
	require.NoError(t, rig.store.CreateFlow(ctx, &flow.Flow{ID: fid, Name: t.Name(), OwnerID: "u1"}))
	require.NoError(t, rig.store.CreateFlowVersion(ctx, &flow.FlowVersion{
		ID: vid, FlowID: fid, Version: "1.0.0", Status: flow.VersionDraft,
		Definition: def, Settings: settings,
	}))
	require.NoError(t, rig.store.PublishFlowVersion(ctx, fid, vid))
	return vid
}

// start admits an execution and returns its id plus a subscription opened
// before admission so no event is missed.
func (rig *testRig) start(t *testing.T, versionID string, input values.Map) (string, *hub.Subscription) {
	t.Helper()
	sub := rig.engine.Hub().Subscribe()
	id, err := rig.engine.StartExecution(context.Background(), StartRequest{
		FlowVersionID: versionID,
		Input:         input,
	})
	require.NoError(t, err)
	return id, sub
}

// await drains the subscription until the execution completes, returning all
// of its events in order.
func await(t *testing.T, sub *hub.Subscription, executionID string) []hub.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	var events []hub.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed before execution %s completed: %v", executionID, sub.Err())
			}
			if e.ExecutionID() != executionID {
				continue
			}
			events = append(events, e)
			if _, done := e.(*hub.ExecutionCompleted); done {
				sub.Close()
				return events
			}
		case <-deadline:
			t.Fatalf("execution %s did not complete in time", executionID)
		}
	}
}

func nodeRecords(t *testing.T, s *memory.Store, executionID string) map[string]*flow.NodeExecution {
	t.Helper()
	recs, err := s.ListNodeExecutions(context.Background(), executionID)
	require.NoError(t, err)
	out := map[string]*flow.NodeExecution{}
	for _, rec := range recs {
		out[rec.NodeID] = rec
	}
	return out
}

func linearDef(types map[string]string) flow.Definition {
	def := flow.Definition{
		Nodes: []flow.Node{{ID: "start", Type: flow.TypeTrigger}},
	}
	prev := "start"
	for _, id := range []string{"a", "b", "c"} {
		typ, ok := types[id]
		if !ok {
			typ = "echo"
		}
		def.Nodes = append(def.Nodes, flow.Node{ID: id, Type: typ})
		def.Edges = append(def.Edges, flow.Edge{ID: "e-" + prev + "-" + id, Source: prev, Target: id})
		prev = id
	}
	return def
}

func TestLinearExecutionCompletes(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	vid := rig.seedVersion(t, linearDef(nil), nil)

	id, sub := rig.start(t, vid, values.Map{"greeting": "hi"})
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	exec, err := rig.store.FindExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	recs := nodeRecords(t, rig.store, id)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		require.Equal(t, flow.NodeCompleted, rec.Status)
	}
	// Trigger input flows through the chain.
	require.Equal(t, "hi", recs["c"].OutputData.StringOr("greeting", ""))
}

func TestConditionSkipsDeadBranchAndJoinRunsOnce(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	var joinRuns atomic.Int32
	registerFunc(t, rig.reg, "join", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		joinRuns.Add(1)
		return handler.Result{Output: hctx.Input.Clone()}, nil
	})
	registerFunc(t, rig.reg, flow.TypeCondition, func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		v, _ := hctx.Input.Bool("take")
		return handler.Result{Output: values.Map{"result": v}}, nil
	})

	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "start", Type: flow.TypeTrigger},
			{ID: "cond", Type: flow.TypeCondition},
			{ID: "yes", Type: "echo"},
			{ID: "no", Type: "echo"},
			{ID: "join", Type: "join"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "yes", SourceHandle: flow.ConditionTrue},
			{ID: "e3", Source: "cond", Target: "no", SourceHandle: flow.ConditionFalse},
			{ID: "e4", Source: "yes", Target: "join"},
			{ID: "e5", Source: "no", Target: "join"},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, values.Map{"take": true})
	await(t, sub, id)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeCompleted, recs["yes"].Status)
	require.Equal(t, flow.NodeSkipped, recs["no"].Status)
	require.Equal(t, flow.NodeCompleted, recs["join"].Status)
	require.Equal(t, int32(1), joinRuns.Load(), "join must run exactly once")

	exec, err := rig.store.FindExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionCompleted, exec.Status)
}

func TestAbortFailsExecution(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "boom", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{}, fault.New(fault.HandlerError, "upstream said no")
	})
	vid := rig.seedVersion(t, linearDef(map[string]string{"b": "boom"}), nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionFailed, last.Data.Status)
	require.Contains(t, last.Data.ErrorMessage, "upstream said no")

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["b"].Status)
	// The node after the failure never starts under abort.
	require.NotContains(t, recs, "c")
}

func TestContinuePolicySkipsSubtree(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "boom", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{}, fault.New(fault.HandlerError, "nope")
	})

	def := linearDef(map[string]string{"b": "boom"})
	for i := range def.Nodes {
		if def.Nodes[i].ID == "b" {
			def.Nodes[i].Data.Config = values.Map{"onFailure": "continue"}
		}
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["b"].Status)
	require.Equal(t, flow.NodeSkipped, recs["c"].Status)
}

func TestIsolatePolicyLetsIndependentBranchFinish(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "boom", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{}, fault.New(fault.HandlerError, "nope")
	})

	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "start", Type: flow.TypeTrigger},
			{ID: "bad", Type: "boom", Data: flow.NodeData{Config: values.Map{"onFailure": "isolate"}}},
			{ID: "after-bad", Type: "echo"},
			{ID: "good", Type: "echo"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "bad"},
			{ID: "e2", Source: "start", Target: "good"},
			{ID: "e3", Source: "bad", Target: "after-bad"},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["bad"].Status)
	require.Equal(t, flow.NodeSkipped, recs["after-bad"].Status)
	require.Equal(t, flow.NodeCompleted, recs["good"].Status)
}

func TestTransientFailureRetriesWithinBudget(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	var calls atomic.Int32
	registerFunc(t, rig.reg, "flaky", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		if calls.Add(1) < 3 {
			return handler.Result{}, fault.New(fault.Transient, "try again")
		}
		return handler.Result{Output: values.Map{"ok": true}}, nil
	})

	settings := values.Map{"retry": map[string]any{"maxAttempts": 5, "baseMs": 1, "ceilingMs": 5}}
	vid := rig.seedVersion(t, linearDef(map[string]string{"b": "flaky"}), settings)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)
	require.Equal(t, int32(3), calls.Load())

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeCompleted, recs["b"].Status)
	require.Equal(t, 3, recs["b"].Attempts)
}

func TestTransientBudgetExhaustionFails(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "flaky", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{}, fault.New(fault.Transient, "still down")
	})

	settings := values.Map{"retry": map[string]any{"maxAttempts": 2, "baseMs": 1, "ceilingMs": 2}}
	vid := rig.seedVersion(t, linearDef(map[string]string{"b": "flaky"}), settings)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionFailed, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["b"].Status)
	require.Equal(t, 2, recs["b"].Attempts)
}

func TestExecutionWithoutInputCompletes(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	// A handler that emits no output at all; its successor still assembles.
	registerFunc(t, rig.reg, "quiet", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{}, nil
	})
	vid := rig.seedVersion(t, linearDef(map[string]string{"b": "quiet"}), nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		require.Equal(t, flow.NodeCompleted, rec.Status)
	}
}

func TestCancelExecutionIsIdempotent(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	started := make(chan struct{})
	registerFunc(t, rig.reg, "slow", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		close(started)
		<-ctx.Done()
		return handler.Result{}, ctx.Err()
	})
	vid := rig.seedVersion(t, linearDef(map[string]string{"b": "slow"}), nil)

	ctx := context.Background()
	id, sub := rig.start(t, vid, nil)
	<-started

	require.NoError(t, rig.engine.CancelExecution(ctx, id, "user pressed stop"))
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCancelled, last.Data.Status)
	require.Contains(t, last.Data.ErrorMessage, "user pressed stop")

	// Cancelling again, after terminal, is a no-op.
	require.NoError(t, rig.engine.CancelExecution(ctx, id, "again"))
	exec, err := rig.store.FindExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionCancelled, exec.Status)
	require.Contains(t, exec.ErrorMessage, "user pressed stop")

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeCancelled, recs["b"].Status)
}

func TestNodeTimeoutFailsNode(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "slow", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		select {
		case <-ctx.Done():
			return handler.Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return handler.Result{Output: values.Map{}}, nil
		}
	})

	def := linearDef(map[string]string{"b": "slow"})
	for i := range def.Nodes {
		if def.Nodes[i].ID == "b" {
			def.Nodes[i].Data.Config = values.Map{"timeoutMs": 20}
		}
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionFailed, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["b"].Status)
}

func TestLoopExecutesBodyPerItem(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "double", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		n, _ := hctx.Input.Int("item")
		return handler.Result{Output: values.Map{"value": n * 2}}, nil
	})

	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "start", Type: flow.TypeTrigger},
			{ID: "each", Type: flow.TypeLoop},
			{ID: "body", Type: "double"},
			{ID: "done", Type: "echo"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "each"},
			{ID: "e2", Source: "each", Target: "body", SourceHandle: flow.LoopBody},
			{ID: "e3", Source: "each", Target: "done", SourceHandle: flow.LoopAfter},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, values.Map{"items": []any{1, 2, 3}})
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeCompleted, recs["each"].Status)
	results, ok := recs["each"].OutputData.Slice("results")
	require.True(t, ok)
	require.Len(t, results, 3)
	first, ok := results[0].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, first["value"])

	// One record per iteration under the composite id.
	for i := 0; i < 3; i++ {
		composite := fmt.Sprintf("each:%d:body", i)
		require.Contains(t, recs, composite)
		require.Equal(t, flow.NodeCompleted, recs[composite].Status)
	}
	// The after branch sees the aggregate.
	require.EqualValues(t, 3, recs["done"].OutputData.IntOr("count", 0))
}

func TestLoopAbortsOnIterationFailureByDefault(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "picky", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		if n, _ := hctx.Input.Int("item"); n == 2 {
			return handler.Result{}, fault.New(fault.HandlerError, "refused item 2")
		}
		return handler.Result{Output: values.Map{"ok": true}}, nil
	})

	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "start", Type: flow.TypeTrigger},
			{ID: "each", Type: flow.TypeLoop},
			{ID: "body", Type: "picky"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "each"},
			{ID: "e2", Source: "each", Target: "body", SourceHandle: flow.LoopBody},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, values.Map{"items": []any{1, 2, 3}})
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionFailed, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeFailed, recs["each"].Status)
	require.Contains(t, recs["each"].ErrorMessage, "iteration 1")
	require.Equal(t, flow.NodeCompleted, recs["each:0:body"].Status)
	require.Equal(t, flow.NodeFailed, recs["each:1:body"].Status)
	// Iteration 2 never starts once the loop aborts.
	require.NotContains(t, recs, "each:2:body")
}

func TestLoopContinuePolicyDropsFailedItems(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)
	registerFunc(t, rig.reg, "picky", func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		if n, _ := hctx.Input.Int("item"); n == 2 {
			return handler.Result{}, fault.New(fault.HandlerError, "refused item 2")
		}
		return handler.Result{Output: values.Map{"kept": true}}, nil
	})

	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "start", Type: flow.TypeTrigger},
			{ID: "each", Type: flow.TypeLoop, Data: flow.NodeData{Config: values.Map{"onFailure": "continue"}}},
			{ID: "body", Type: "picky"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "each"},
			{ID: "e2", Source: "each", Target: "body", SourceHandle: flow.LoopBody},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, values.Map{"items": []any{1, 2, 3}})
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionCompleted, last.Data.Status)

	recs := nodeRecords(t, rig.store, id)
	require.Equal(t, flow.NodeCompleted, recs["each"].Status)
	results, _ := recs["each"].OutputData.Slice("results")
	require.Len(t, results, 2)
	require.Equal(t, flow.NodeFailed, recs["each:1:body"].Status)
}

func TestStartExecutionRejectsInvalidDefinition(t *testing.T) {
	rig := newRig(t)
	def := flow.Definition{
		Nodes: []flow.Node{
			{ID: "a", Type: flow.TypeTrigger},
			{ID: "b", Type: "echo"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "missing"},
		},
	}
	vid := rig.seedVersion(t, def, nil)

	_, err := rig.engine.StartExecution(context.Background(), StartRequest{FlowVersionID: vid})
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestStartExecutionUnknownVersion(t *testing.T) {
	rig := newRig(t)
	_, err := rig.engine.StartExecution(context.Background(), StartRequest{FlowVersionID: "nope"})
	require.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestUnknownHandlerAbortsRegardlessOfPolicy(t *testing.T) {
	rig := newRig(t)
	registerFunc(t, rig.reg, "echo", echo)

	def := linearDef(map[string]string{"b": "no-such-type"})
	for i := range def.Nodes {
		if def.Nodes[i].ID == "b" {
			def.Nodes[i].Data.Config = values.Map{"onFailure": "continue"}
		}
	}
	vid := rig.seedVersion(t, def, nil)

	id, sub := rig.start(t, vid, nil)
	events := await(t, sub, id)

	last := events[len(events)-1].(*hub.ExecutionCompleted)
	require.Equal(t, flow.ExecutionFailed, last.Data.Status)
}
