package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/values"
)

// runLoopNode executes the loop's body subgraph once per input item and
// accumulates the iteration outputs. Body nodes produce one record per
// iteration under the composite id <loopID>:<iteration>:<bodyNodeID>; only
// the loop node itself appears in the aggregate. The loop's own onFailure
// policy governs a failed iteration: abort fails the loop with that error,
// continue and isolate drop the item and move on.
func (r *run) runLoopNode(ctx context.Context, node flow.Node, input values.Map) (values.Map, error) {
	itemsKey := node.Data.Config.StringOr("itemsKey", "items")
	items, ok := input.Slice(itemsKey)
	if !ok {
		return nil, fault.Newf(fault.Validation, "loop %s input has no %q collection", node.ID, itemsKey)
	}

	heads, body := r.graph.LoopBody(node.ID)
	order := make([]string, 0, len(body))
	for id := range body {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		return r.graph.TopoIndex(order[i]) < r.graph.TopoIndex(order[j])
	})

	policy := flow.OnFailureOf(node)
	results := make([]any, 0, len(items))
	for i, item := range items {
		if r.ctx.Err() != nil {
			return nil, context.Cause(r.ctx)
		}
		out, err := r.runIteration(ctx, node.ID, i, item, heads, body, order)
		if err != nil {
			if policy == flow.FailAbort {
				return nil, fault.Wrap(fault.KindOf(err), fmt.Sprintf("iteration %d failed", i), err)
			}
			continue
		}
		results = append(results, map[string]any(out))
	}
	return values.Map{"results": results, "count": len(results)}, nil
}

// runIteration walks the body subgraph in topological order for one item.
// Conditions inside the body route per iteration; a body node failure fails
// the whole iteration.
func (r *run) runIteration(ctx context.Context, loopID string, iter int, item any, heads []string, body map[string]bool, order []string) (values.Map, error) {
	iterOutputs := map[string]values.Map{}
	iterStatus := map[string]flow.NodeStatus{}
	iterDead := map[string]bool{}

	for _, bodyID := range order {
		composite := fmt.Sprintf("%s:%d:%s", loopID, iter, bodyID)
		if !r.iterReachable(bodyID, heads, body, iterDead) {
			iterStatus[bodyID] = flow.NodeSkipped
			rec := &flow.NodeExecution{ExecutionID: r.exec.ID, NodeID: composite, Status: flow.NodeSkipped}
			if err := r.e.store.CreateNodeExecution(ctx, rec); err != nil {
				r.e.logger.Error(ctx, "record iteration skip", "execution_id", r.exec.ID, "node_id", composite, "error", err)
			}
			r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, composite, flow.NodeSkipped, 0, ""))
			continue
		}

		bnode, _ := r.graph.Node(bodyID)
		input := r.iterationInput(loopID, bodyID, item, body, iterOutputs, iterDead)
		output, err := r.runBodyNode(ctx, composite, bnode, input)
		if err != nil {
			iterStatus[bodyID] = flow.NodeFailed
			return nil, err
		}
		iterStatus[bodyID] = flow.NodeCompleted
		iterOutputs[bodyID] = output

		if bnode.Type == flow.TypeCondition {
			chosen := flow.ConditionFalse
			if v, _ := output.Bool("result"); v {
				chosen = flow.ConditionTrue
			}
			for _, edge := range r.graph.Successors(bodyID) {
				if edge.SourceHandle != chosen {
					iterDead[edge.ID] = true
				}
			}
		}
	}

	return iterationResult(r, body, iterStatus, iterOutputs, iterDead), nil
}

// runBodyNode pushes one body task through the worker pool and waits for it,
// retrying transient failures under the node's policy.
func (r *run) runBodyNode(ctx context.Context, composite string, node flow.Node, input values.Map) (values.Map, error) {
	now := r.e.clock()
	rec := &flow.NodeExecution{
		ExecutionID: r.exec.ID,
		NodeID:      composite,
		Status:      flow.NodeRunning,
		StartedAt:   &now,
		InputData:   input,
		Attempts:    1,
	}
	if err := r.e.store.CreateNodeExecution(ctx, rec); err != nil {
		r.e.logger.Error(ctx, "record iteration start", "execution_id", r.exec.ID, "node_id", composite, "error", err)
	}
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, composite, flow.NodeRunning, 1, ""))

	policy := flow.SettingsRetryPolicy(r.version.Settings, node)
	attempt := 1
	var res nodeResult
	for {
		reply := make(chan nodeResult, 1)
		r.e.dispatch <- task{
			engine:   r.e,
			ctx:      r.ctx,
			execID:   r.exec.ID,
			recordID: composite,
			node:     node,
			input:    input,
			attempt:  attempt,
			timeout:  r.nodeTimeout(node),
			reply:    reply,
		}
		res = <-reply
		if res.err == nil || !fault.Retryable(res.err) || attempt >= policy.MaxAttempts || r.ctx.Err() != nil {
			break
		}
		if err := r.sleep(policy.Backoff(attempt)); err != nil {
			res.err = err
			break
		}
		attempt++
		rec.Attempts = attempt
		r.persistNode(ctx, rec)
		r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, composite, flow.NodeRunning, attempt, ""))
	}

	done := r.e.clock()
	rec.CompletedAt = &done
	rec.Attempts = attempt
	if res.err != nil {
		rec.Status = flow.NodeFailed
		if fault.KindOf(res.err) == fault.Cancelled {
			rec.Status = flow.NodeCancelled
		}
		rec.ErrorMessage = res.err.Error()
		r.persistNode(ctx, rec)
		r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, composite, rec.Status, attempt, rec.ErrorMessage))
		return nil, res.err
	}
	rec.Status = flow.NodeCompleted
	rec.OutputData = res.output
	r.persistNode(ctx, rec)
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, composite, flow.NodeCompleted, attempt, ""))
	r.e.hub.Publish(hub.NewNodeOutput(r.exec.ID, composite, res.output))
	return res.output, nil
}

// iterationInput assembles a body node's input: the loop hands each head the
// current item, body predecessors contribute their iteration outputs under
// the same keying rules as the main scheduler.
func (r *run) iterationInput(loopID, bodyID string, item any, body map[string]bool, iterOutputs map[string]values.Map, iterDead map[string]bool) values.Map {
	out := values.Map{}
	var single values.Map
	live, total := 0, 0
	for _, edge := range r.graph.Predecessors(bodyID) {
		if iterDead[edge.ID] {
			continue
		}
		total++
		var src values.Map
		switch {
		case edge.Source == loopID && edge.SourceHandle == flow.LoopBody:
			src = itemInput(item)
		case body[edge.Source]:
			src = iterOutputs[edge.Source]
		default:
			src = r.outputs[edge.Source]
		}
		if src == nil {
			continue
		}
		key := edge.TargetHandle
		if key == "" {
			key = edge.Source
		}
		out[key] = map[string]any(src.Clone())
		single = src
		live++
	}
	if total == 1 && live == 1 {
		flat := single.Clone()
		for k, v := range out {
			flat[k] = v
		}
		return flat
	}
	return out
}

// iterReachable reports whether a body node still has a live path from the
// loop's body heads after per-iteration condition routing.
func (r *run) iterReachable(target string, heads []string, body map[string]bool, iterDead map[string]bool) bool {
	seen := map[string]bool{}
	queue := append([]string(nil), heads...)
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		for _, edge := range r.graph.Successors(id) {
			if iterDead[edge.ID] || !body[edge.Target] || seen[edge.Target] {
				continue
			}
			seen[edge.Target] = true
			queue = append(queue, edge.Target)
		}
	}
	return false
}

// iterationResult merges the outputs of the body's completed leaves. A single
// leaf yields its output directly; multiple leaves are keyed by node id.
func iterationResult(r *run, body map[string]bool, iterStatus map[string]flow.NodeStatus, iterOutputs map[string]values.Map, iterDead map[string]bool) values.Map {
	var leaves []string
	for id := range body {
		if iterStatus[id] != flow.NodeCompleted {
			continue
		}
		leaf := true
		for _, edge := range r.graph.Successors(id) {
			if !iterDead[edge.ID] && body[edge.Target] {
				leaf = false
				break
			}
		}
		if leaf {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	if len(leaves) == 1 {
		return iterOutputs[leaves[0]].Clone()
	}
	out := values.Map{}
	for _, id := range leaves {
		out[id] = map[string]any(iterOutputs[id].Clone())
	}
	return out
}

// itemInput shapes one collection item as a node input map.
func itemInput(item any) values.Map {
	if m, ok := item.(map[string]any); ok {
		return values.Map(m).Clone()
	}
	return values.Map{"item": item}
}

// sleep waits for the backoff or the execution's end, whichever comes first.
func (r *run) sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
}
