package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/n3nlabs/n3n/runtime/dag"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/values"
)

// run is the per-execution coordinator. It owns the ready/inflight/done
// bookkeeping and is the only goroutine that writes this execution's records
// or publishes its events, which keeps both in transition order.
type run struct {
	e       *Engine
	exec    *flow.Execution
	version *flow.FlowVersion
	graph   *dag.Graph

	ctx     context.Context
	cancel  context.CancelCauseFunc
	release context.CancelFunc

	results     chan nodeResult
	maxInflight int
	inflight    int

	status    map[string]flow.NodeStatus
	outputs   map[string]values.Map
	records   map[string]*flow.NodeExecution
	deadEdges map[string]bool
	// loopOwned nodes belong to a loop body and are executed per iteration,
	// never by the main scheduler.
	loopOwned map[string]bool

	ready   []string
	inReady map[string]bool
	aborted bool
	failMsg string
}

func newRun(e *Engine, exec *flow.Execution, v *flow.FlowVersion, g *dag.Graph) *run {
	timeout := flow.SettingsExecutionTimeout(v.Settings)
	if timeout <= 0 {
		timeout = e.execTimeout
	}
	base, cancel := context.WithCancelCause(context.Background())
	ctx, release := context.WithTimeout(base, timeout)

	r := &run{
		e:           e,
		exec:        exec,
		version:     v,
		graph:       g,
		ctx:         ctx,
		cancel:      cancel,
		release:     release,
		maxInflight: flow.SettingsMaxConcurrency(v.Settings),
		status:      map[string]flow.NodeStatus{},
		outputs:     map[string]values.Map{},
		records:     map[string]*flow.NodeExecution{},
		deadEdges:   map[string]bool{},
		loopOwned:   map[string]bool{},
		inReady:     map[string]bool{},
	}
	for _, id := range g.NodeIDs() {
		if n, _ := g.Node(id); n.Type == flow.TypeLoop {
			_, body := g.LoopBody(id)
			for bodyID := range body {
				r.loopOwned[bodyID] = true
			}
		}
	}
	for _, id := range g.NodeIDs() {
		if !r.loopOwned[id] {
			r.status[id] = flow.NodePending
		}
	}
	r.results = make(chan nodeResult, 2*len(g.NodeIDs())+8)
	return r
}

func (r *run) loop() {
	defer r.e.wgRuns.Done()
	ctx := context.Background()

	if r.ctx.Err() != nil {
		r.complete(ctx)
		return
	}
	r.setExecStatus(ctx, flow.ExecutionRunning, "")
	for _, id := range r.graph.Entries() {
		r.pushReady(id)
	}

	for {
		for r.runnable() && len(r.ready) > 0 && r.inflight < r.maxInflight {
			r.startNode(ctx, r.popReady())
		}
		if r.inflight == 0 {
			break
		}
		select {
		case res := <-r.results:
			r.handleResult(ctx, res)
		case <-r.ctx.Done():
			for r.inflight > 0 {
				r.handleResult(ctx, <-r.results)
			}
		}
	}
	r.complete(ctx)
}

func (r *run) runnable() bool {
	return !r.aborted && r.ctx.Err() == nil
}

// startNode transitions a node to running and hands it to the worker pool.
// Loop nodes never reach the pool; their iterations are driven here so body
// tasks cannot starve the pool of the slot the loop itself would hold.
func (r *run) startNode(ctx context.Context, id string) {
	node, _ := r.graph.Node(id)
	input := r.assembleInput(id)
	rec := r.openRecord(ctx, id, input)

	if node.Type == flow.TypeLoop {
		output, err := r.runLoopNode(ctx, node, input)
		r.finishNode(ctx, id, node, rec, output, err, rec.Attempts)
		return
	}

	r.inflight++
	r.e.dispatch <- task{
		engine:   r.e,
		ctx:      r.ctx,
		execID:   r.exec.ID,
		recordID: id,
		node:     node,
		input:    input,
		attempt:  1,
		timeout:  r.nodeTimeout(node),
		reply:    r.results,
	}
}

func (r *run) handleResult(ctx context.Context, res nodeResult) {
	r.inflight--
	id := res.recordID
	node, _ := r.graph.Node(id)
	rec := r.records[id]

	if res.err != nil && fault.Retryable(res.err) && r.runnable() {
		policy := flow.SettingsRetryPolicy(r.version.Settings, node)
		if res.attempt < policy.MaxAttempts {
			r.retryNode(ctx, id, node, rec, res.attempt, policy.Backoff(res.attempt))
			return
		}
	}
	r.finishNode(ctx, id, node, rec, res.output, res.err, res.attempt)
}

// retryNode holds the node in running state and re-dispatches after backoff.
// The timer goroutine reports a cancellation result if the execution ends
// first, so the coordinator's inflight count always drains.
func (r *run) retryNode(ctx context.Context, id string, node flow.Node, rec *flow.NodeExecution, attempt int, backoff time.Duration) {
	rec.Attempts = attempt + 1
	r.persistNode(ctx, rec)
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeRunning, rec.Attempts, ""))

	r.inflight++
	t := task{
		engine:   r.e,
		ctx:      r.ctx,
		execID:   r.exec.ID,
		recordID: id,
		node:     node,
		input:    rec.InputData,
		attempt:  attempt + 1,
		timeout:  r.nodeTimeout(node),
		reply:    r.results,
	}
	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.e.dispatch <- t
		case <-r.ctx.Done():
			r.results <- nodeResult{recordID: id, err: context.Cause(r.ctx), attempt: t.attempt}
		}
	}()
}

// finishNode records a node's terminal state, publishes it, and advances the
// schedule: successor promotion on success, failure policy otherwise.
func (r *run) finishNode(ctx context.Context, id string, node flow.Node, rec *flow.NodeExecution, output values.Map, err error, attempt int) {
	now := r.e.clock()
	rec.CompletedAt = &now
	rec.Attempts = attempt

	if err == nil {
		rec.Status = flow.NodeCompleted
		rec.OutputData = output
		r.status[id] = flow.NodeCompleted
		r.outputs[id] = output
		r.persistNode(ctx, rec)
		r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeCompleted, attempt, ""))
		r.e.hub.Publish(hub.NewNodeOutput(r.exec.ID, id, output))
		if node.Type == flow.TypeCondition {
			r.routeCondition(ctx, id, output)
		}
		r.promoteSuccessors(id)
		return
	}

	kind := fault.KindOf(err)
	if kind == fault.Cancelled {
		rec.Status = flow.NodeCancelled
		rec.ErrorMessage = err.Error()
		r.status[id] = flow.NodeCancelled
		r.persistNode(ctx, rec)
		r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeCancelled, attempt, rec.ErrorMessage))
		return
	}

	rec.Status = flow.NodeFailed
	rec.ErrorMessage = err.Error()
	r.status[id] = flow.NodeFailed
	r.persistNode(ctx, rec)
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeFailed, attempt, rec.ErrorMessage))
	r.e.logger.Warn(ctx, "node failed", "execution_id", r.exec.ID, "node_id", id, "kind", string(kind), "error", err.Error())

	// Structural faults abort regardless of the node's own policy.
	policy := flow.OnFailureOf(node)
	if kind == fault.Validation || kind == fault.UnknownHandler {
		policy = flow.FailAbort
	}
	switch policy {
	case flow.FailContinue:
		for _, edge := range r.graph.Successors(id) {
			r.deadEdges[edge.ID] = true
		}
		r.applyReachability(ctx)
	case flow.FailIsolate:
		for _, edge := range r.graph.Successors(id) {
			if r.status[edge.Target] == flow.NodePending {
				r.markSkipped(ctx, edge.Target)
				r.promoteSuccessors(edge.Target)
			}
		}
	default:
		r.aborted = true
		if r.failMsg == "" {
			r.failMsg = "node " + id + " failed: " + err.Error()
		}
	}
}

// routeCondition kills the branch the predicate did not choose and skips
// every pending node left without a surviving path.
func (r *run) routeCondition(ctx context.Context, id string, output values.Map) {
	chosen := flow.ConditionFalse
	if v, _ := output.Bool("result"); v {
		chosen = flow.ConditionTrue
	}
	changed := false
	for _, edge := range r.graph.Successors(id) {
		if edge.SourceHandle != chosen {
			r.deadEdges[edge.ID] = true
			changed = true
		}
	}
	if changed {
		r.applyReachability(ctx)
	}
}

// applyReachability skips pending nodes that lost every path from the entry
// after edges died, then promotes their successors (skipped satisfies
// readiness).
func (r *run) applyReachability(ctx context.Context) {
	reach := r.graph.Reachable(r.deadEdges)
	var skipped []string
	for id, st := range r.status {
		if st == flow.NodePending && !reach[id] {
			skipped = append(skipped, id)
		}
	}
	sort.Strings(skipped)
	for _, id := range skipped {
		r.markSkipped(ctx, id)
	}
	for _, id := range skipped {
		r.promoteSuccessors(id)
	}
}

func (r *run) markSkipped(ctx context.Context, id string) {
	r.status[id] = flow.NodeSkipped
	rec := &flow.NodeExecution{
		ExecutionID: r.exec.ID,
		NodeID:      id,
		Status:      flow.NodeSkipped,
	}
	r.records[id] = rec
	if err := r.e.store.CreateNodeExecution(ctx, rec); err != nil {
		r.e.logger.Error(ctx, "record node skip", "execution_id", r.exec.ID, "node_id", id, "error", err)
	}
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeSkipped, 0, ""))
}

// promoteSuccessors pushes successors whose remaining predecessors are all
// satisfied into the ready set. Dead edges do not gate readiness.
func (r *run) promoteSuccessors(id string) {
	for _, edge := range r.graph.Successors(id) {
		if r.deadEdges[edge.ID] {
			continue
		}
		target := edge.Target
		if r.status[target] != flow.NodePending || r.loopOwned[target] || r.inReady[target] {
			continue
		}
		if r.predsSatisfied(target) {
			r.pushReady(target)
		}
	}
}

func (r *run) predsSatisfied(id string) bool {
	for _, edge := range r.graph.Predecessors(id) {
		if r.deadEdges[edge.ID] {
			continue
		}
		if !r.status[edge.Source].Satisfied() {
			return false
		}
	}
	return true
}

func (r *run) pushReady(id string) {
	if r.inReady[id] {
		return
	}
	r.inReady[id] = true
	r.ready = append(r.ready, id)
}

// popReady removes the ready node with the lowest topological index.
func (r *run) popReady() string {
	best := 0
	for i := 1; i < len(r.ready); i++ {
		if r.graph.TopoIndex(r.ready[i]) < r.graph.TopoIndex(r.ready[best]) {
			best = i
		}
	}
	id := r.ready[best]
	r.ready = append(r.ready[:best], r.ready[best+1:]...)
	delete(r.inReady, id)
	return id
}

// assembleInput merges predecessor outputs keyed by the incoming edge's
// target handle (falling back to the predecessor's id). A single predecessor
// additionally flattens into the top level. Entry nodes receive the
// execution's trigger input.
func (r *run) assembleInput(id string) values.Map {
	preds := r.graph.Predecessors(id)
	if len(preds) == 0 {
		return r.exec.InputData.Clone()
	}
	out := values.Map{}
	var single values.Map
	live := 0
	for _, edge := range preds {
		if r.deadEdges[edge.ID] {
			continue
		}
		src, ok := r.outputs[edge.Source]
		if !ok {
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
	if len(preds) == 1 && live == 1 {
		// Clone preserves nil; a handler that emitted no output still
		// needs a writable map here.
		flat := single.Clone()
		if flat == nil {
			flat = values.Map{}
		}
		for k, v := range out {
			flat[k] = v
		}
		return flat
	}
	return out
}

// openRecord creates the running node record and announces it.
func (r *run) openRecord(ctx context.Context, id string, input values.Map) *flow.NodeExecution {
	now := r.e.clock()
	rec := &flow.NodeExecution{
		ExecutionID: r.exec.ID,
		NodeID:      id,
		Status:      flow.NodeRunning,
		StartedAt:   &now,
		InputData:   input,
		Attempts:    1,
	}
	r.records[id] = rec
	r.status[id] = flow.NodeRunning
	if err := r.e.store.CreateNodeExecution(ctx, rec); err != nil {
		r.e.logger.Error(ctx, "record node start", "execution_id", r.exec.ID, "node_id", id, "error", err)
	}
	r.e.hub.Publish(hub.NewNodeStatus(r.exec.ID, id, flow.NodeRunning, 1, ""))
	return rec
}

func (r *run) persistNode(ctx context.Context, rec *flow.NodeExecution) {
	if err := r.e.store.UpdateNodeExecution(ctx, rec); err != nil {
		r.e.logger.Error(ctx, "record node transition", "execution_id", r.exec.ID, "node_id", rec.NodeID, "error", err)
	}
}

func (r *run) setExecStatus(ctx context.Context, status flow.ExecutionStatus, errMsg string) {
	r.exec.Status = status
	r.exec.ErrorMessage = errMsg
	if err := r.e.store.UpdateExecution(ctx, r.exec); err != nil {
		r.e.logger.Error(ctx, "record execution transition", "execution_id", r.exec.ID, "error", err)
	}
	r.e.hub.Publish(hub.NewExecutionStatus(r.exec.ID, status, errMsg))
}

// complete finalizes the execution: pending leftovers are resolved, the
// terminal status is derived, and the record, events, and hub snapshot are
// closed out.
func (r *run) complete(ctx context.Context) {
	defer r.release()
	defer r.e.dropRun(r.exec.ID)

	status := flow.ExecutionCompleted
	errMsg := ""
	switch {
	case r.ctx.Err() != nil:
		cause := context.Cause(r.ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			status = flow.ExecutionFailed
			errMsg = "execution timed out"
		} else {
			status = flow.ExecutionCancelled
			if cause != nil {
				errMsg = cause.Error()
			}
		}
	case r.aborted:
		status = flow.ExecutionFailed
		errMsg = r.failMsg
	default:
		// Joins behind a non-aborting failure can never become ready; they
		// are skipped rather than left dangling.
		var stalled []string
		for id, st := range r.status {
			if st == flow.NodePending {
				stalled = append(stalled, id)
			}
		}
		sort.Strings(stalled)
		for _, id := range stalled {
			r.markSkipped(ctx, id)
		}
	}

	now := r.e.clock()
	r.exec.Status = status
	r.exec.ErrorMessage = errMsg
	r.exec.CompletedAt = &now
	r.exec.DurationMS = now.Sub(r.exec.StartedAt).Milliseconds()
	if err := r.e.store.UpdateExecution(ctx, r.exec); err != nil {
		r.e.logger.Error(ctx, "record execution completion", "execution_id", r.exec.ID, "error", err)
	}
	r.e.hub.Publish(hub.NewExecutionStatus(r.exec.ID, status, errMsg))
	r.e.hub.Publish(hub.NewExecutionCompleted(r.exec.ID, status, r.exec.DurationMS, errMsg))
	r.e.hub.Release(r.exec.ID)
	r.e.logger.Info(ctx, "execution finished", "execution_id", r.exec.ID, "status", string(status), "duration_ms", r.exec.DurationMS)
}

func (r *run) nodeTimeout(node flow.Node) time.Duration {
	if d := flow.SettingsNodeTimeout(r.version.Settings, node); d > 0 {
		return d
	}
	return r.e.nodeTimeout
}
