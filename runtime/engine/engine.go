// Package engine executes published flow definitions. Each execution gets a
// private coordinator that walks the graph in dependency order; node work is
// dispatched to a global worker pool that bounds total in-flight work across
// executions. State transitions are written through the store and published
// to the hub in transition order.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3nlabs/n3n/runtime/dag"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/values"
)

// Defaults applied when Options leave the corresponding field zero.
const (
	DefaultWorkers     = 8
	DefaultQueueDepth  = 64
	DefaultNodeTimeout = time.Minute
	DefaultExecTimeout = 10 * time.Minute
)

type (
	// Options configures an Engine.
	Options struct {
		// Store persists executions and node records. Required.
		Store store.Store
		// Registry resolves node types to handlers. Required.
		Registry *handler.Registry
		// Hub receives execution events. Nil means the engine creates its
		// own; retrieve it with Hub.
		Hub *hub.Hub
		// Credentials resolves credential references for handlers. Optional.
		Credentials handler.CredentialResolver
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// Workers bounds in-flight node work across all executions.
		Workers int
		// QueueDepth bounds executions admitted but not yet started.
		QueueDepth int
		// DefaultNodeTimeout applies to nodes without their own timeout.
		DefaultNodeTimeout time.Duration
		// DefaultExecTimeout applies to executions without their own timeout.
		DefaultExecTimeout time.Duration
		// Clock is optional; nil means time.Now.
		Clock func() time.Time
		// NewID is optional; nil means uuid.
		NewID func() string
	}

	// StartRequest describes one execution admission.
	StartRequest struct {
		FlowVersionID string
		TriggerType   flow.TriggerType
		TriggeredBy   string
		Input         values.Map
		// EntryNode overrides entry detection in the definition.
		EntryNode string
	}

	// Engine admits, schedules, and supervises executions.
	Engine struct {
		store       store.Store
		registry    *handler.Registry
		hub         *hub.Hub
		credentials handler.CredentialResolver
		logger      telemetry.Logger
		clock       func() time.Time
		newID       func() string

		nodeTimeout time.Duration
		execTimeout time.Duration

		dispatch chan task
		admit    chan *run

		mu     sync.Mutex
		runs   map[string]*run
		closed bool

		wgRuns    sync.WaitGroup
		wgWorkers sync.WaitGroup
	}

	// task is one unit of node work handed to the worker pool.
	task struct {
		engine   *Engine
		ctx      context.Context
		execID   string
		recordID string
		node     flow.Node
		input    values.Map
		attempt  int
		timeout  time.Duration
		reply    chan<- nodeResult
	}

	// nodeResult reports one finished task back to its coordinator.
	nodeResult struct {
		recordID string
		output   values.Map
		err      error
		attempt  int
	}
)

// New constructs and starts an engine. Stop it with Close.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.Validation, "store is required")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.Validation, "registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Hub == nil {
		opts.Hub = hub.New(opts.Logger)
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.DefaultNodeTimeout <= 0 {
		opts.DefaultNodeTimeout = DefaultNodeTimeout
	}
	if opts.DefaultExecTimeout <= 0 {
		opts.DefaultExecTimeout = DefaultExecTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	e := &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		hub:         opts.Hub,
		credentials: opts.Credentials,
		logger:      opts.Logger,
		clock:       opts.Clock,
		newID:       opts.NewID,
		nodeTimeout: opts.DefaultNodeTimeout,
		execTimeout: opts.DefaultExecTimeout,
		dispatch:    make(chan task, opts.Workers),
		admit:       make(chan *run, opts.QueueDepth),
		runs:        map[string]*run{},
	}
	for i := 0; i < opts.Workers; i++ {
		e.wgWorkers.Add(1)
		go e.worker()
	}
	e.wgRuns.Add(1)
	go e.admitLoop()
	return e, nil
}

// Hub returns the event hub executions publish to.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// StartExecution admits one execution. Admission is synchronous; the returned
// id is valid immediately, the work itself runs asynchronously.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (string, error) {
	if req.FlowVersionID == "" {
		return "", fault.New(fault.Validation, "flow version id is required")
	}
	v, err := e.store.FindFlowVersion(ctx, req.FlowVersionID)
	if err != nil {
		return "", err
	}

	var parseOpts []dag.Option
	if req.EntryNode != "" {
		parseOpts = append(parseOpts, dag.WithEntryNode(req.EntryNode))
	}
	res, g := dag.Parse(v.Definition, parseOpts...)
	if !res.Valid {
		return "", fault.Newf(fault.Validation, "definition is not executable: %s", res.Errors[0].Message)
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = flow.TriggerManual
	}
	// Triggers without input data admit with an empty map, never nil: the
	// input flows into node assembly, which writes into it.
	input := req.Input.Clone()
	if input == nil {
		input = values.Map{}
	}
	exec := &flow.Execution{
		ID:            e.newID(),
		FlowVersionID: v.ID,
		Status:        flow.ExecutionPending,
		StartedAt:     e.clock(),
		TriggerType:   trigger,
		TriggeredBy:   req.TriggeredBy,
		InputData:     input,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	r := newRun(e, exec, v, g)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fault.New(fault.Cancelled, "engine is shutting down")
	}
	e.runs[exec.ID] = r
	e.mu.Unlock()

	e.hub.Publish(hub.NewExecutionCreated(exec.ID, v.ID, trigger, exec.InputData))
	e.hub.Publish(hub.NewExecutionStatus(exec.ID, flow.ExecutionPending, ""))

	select {
	case e.admit <- r:
	default:
		e.dropRun(exec.ID)
		r.release()
		now := e.clock()
		exec.Status = flow.ExecutionFailed
		exec.ErrorMessage = "execution queue is full"
		exec.CompletedAt = &now
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			e.logger.Error(ctx, "record rejected execution", "execution_id", exec.ID, "error", err)
		}
		e.hub.Publish(hub.NewExecutionStatus(exec.ID, flow.ExecutionFailed, exec.ErrorMessage))
		e.hub.Publish(hub.NewExecutionCompleted(exec.ID, flow.ExecutionFailed, 0, exec.ErrorMessage))
		e.hub.Release(exec.ID)
		return "", fault.New(fault.Transient, "execution queue is full")
	}

	e.logger.Info(ctx, "execution admitted", "execution_id", exec.ID, "flow_version_id", v.ID, "trigger", string(trigger))
	return exec.ID, nil
}

// CancelExecution requests cancellation. Idempotent: cancelling a terminal or
// unknown-but-recorded execution is a no-op; a truly unknown id is NotFound.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	e.mu.Lock()
	r, active := e.runs[executionID]
	e.mu.Unlock()
	if active {
		r.cancel(fault.New(fault.Cancelled, reason))
		return nil
	}

	exec, err := e.store.FindExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	// Recorded but not supervised (engine restart); finalize directly.
	now := e.clock()
	exec.Status = flow.ExecutionCancelled
	exec.ErrorMessage = reason
	exec.CompletedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.hub.Publish(hub.NewExecutionStatus(executionID, flow.ExecutionCancelled, reason))
	e.hub.Publish(hub.NewExecutionCompleted(executionID, flow.ExecutionCancelled, exec.DurationMS, reason))
	e.hub.Release(executionID)
	return nil
}

// Close stops admission and waits for in-flight executions. When ctx expires
// first, remaining executions are cancelled and Close keeps waiting for them
// to unwind.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.admit)

	done := make(chan struct{})
	go func() {
		e.wgRuns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.mu.Lock()
		for _, r := range e.runs {
			r.cancel(fault.New(fault.Cancelled, "engine is shutting down"))
		}
		e.mu.Unlock()
		<-done
	}

	close(e.dispatch)
	e.wgWorkers.Wait()
	return ctx.Err()
}

func (e *Engine) admitLoop() {
	defer e.wgRuns.Done()
	for r := range e.admit {
		e.wgRuns.Add(1)
		go r.loop()
	}
}

func (e *Engine) worker() {
	defer e.wgWorkers.Done()
	for t := range e.dispatch {
		t.execute()
	}
}

func (e *Engine) dropRun(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
}

// execute runs the task's handler under its node timeout and reports back.
func (t task) execute() {
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	hctx := &handler.Context{
		ExecutionID:  t.execID,
		NodeID:       t.recordID,
		Config:       t.node.Data.Config,
		Input:        t.input,
		CredentialID: t.node.Data.CredentialID,
		Credentials:  t.engine.credentials,
	}
	res, err := t.engine.registry.Dispatch(ctx, t.node.Type, hctx)
	t.reply <- nodeResult{recordID: t.recordID, output: res.Output, err: err, attempt: t.attempt}
}
