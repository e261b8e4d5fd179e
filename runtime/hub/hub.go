package hub

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/telemetry"
)

// KindOverflow is the fault kind a subscription closes with when dropping
// more events would lose an execution status transition.
const KindOverflow fault.Kind = "OVERFLOW"

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 256

// retainTerminal bounds how many terminal execution snapshots stay around
// for late subscribers before the oldest are evicted.
const retainTerminal = 1024

type (
	// Hub routes execution events to subscribers. Publish never blocks on a
	// consumer: each subscription owns a bounded queue drained by its own
	// pump goroutine, and queue pressure is resolved by the overflow
	// policy, not by backpressure onto the publisher.
	Hub struct {
		mu       sync.Mutex
		subs     atomic.Value // []*Subscription
		state    map[string]*execState
		retained []string // terminal execution ids, oldest first
		logger   telemetry.Logger
	}

	// execState is the per-execution snapshot served to late subscribers.
	execState struct {
		created   *ExecutionCreated
		status    *ExecutionStatus
		nodes     map[string]*NodeStatus
		completed *ExecutionCompleted
	}

	// Subscription is one consumer's bounded view of the event stream.
	Subscription struct {
		executionID string
		buffer      int

		mu     sync.Mutex
		cond   *sync.Cond
		queue  []Event
		closed bool
		err    error

		done chan struct{}
		out  chan Event

		closeOnce sync.Once
	}

	// SubscribeOption configures a subscription.
	SubscribeOption func(*Subscription)
)

// WithExecution restricts the subscription to one execution and entitles it
// to a snapshot of that execution's current state before live events.
func WithExecution(executionID string) SubscribeOption {
	return func(s *Subscription) { s.executionID = executionID }
}

// WithBuffer overrides the queue depth (default 256).
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// New constructs an empty hub. A nil logger means no-op.
func New(logger telemetry.Logger) *Hub {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	h := &Hub{state: map[string]*execState{}, logger: logger}
	h.subs.Store([]*Subscription{})
	return h
}

// Subscribe registers a consumer. Per-execution subscribers receive a
// synthetic snapshot first: the created event, the latest execution status,
// the latest status per node, and the completion event when the execution is
// already terminal. Live events follow in publish order.
func (h *Hub) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		buffer: DefaultBuffer,
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	h.mu.Lock()
	if s.executionID != "" {
		if st, ok := h.state[s.executionID]; ok {
			for _, e := range st.snapshot() {
				s.enqueue(e)
			}
		}
	}
	current := h.subs.Load().([]*Subscription)
	next := make([]*Subscription, len(current)+1)
	copy(next, current)
	next[len(current)] = s
	h.subs.Store(next)
	h.mu.Unlock()

	go s.pump()
	return s
}

// Publish updates the snapshot state and fans the event out to matching
// subscribers. It never blocks on consumers. Absorption and fan-out happen
// under one lock so a subscriber registering concurrently sees the event
// either in its snapshot or live, never both.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.absorb(e)
	for _, s := range h.subs.Load().([]*Subscription) {
		if s.executionID == "" || s.executionID == e.ExecutionID() {
			s.enqueueLocked(e)
		}
	}
}

// Release retires an execution's snapshot state. Terminal snapshots stay
// available to late subscribers until the retention window evicts them;
// state without a completion event is dropped immediately.
func (h *Hub) Release(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.state[executionID]
	if !ok {
		return
	}
	if st.completed == nil {
		delete(h.state, executionID)
		return
	}
	h.retained = append(h.retained, executionID)
	if len(h.retained) > retainTerminal {
		delete(h.state, h.retained[0])
		h.retained = h.retained[1:]
	}
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	current := h.subs.Load().([]*Subscription)
	next := make([]*Subscription, 0, len(current))
	for _, other := range current {
		if other != s {
			next = append(next, other)
		}
	}
	h.subs.Store(next)
	h.mu.Unlock()
	s.close(nil)
}

// absorb folds an event into the per-execution snapshot state. Caller holds
// h.mu.
func (h *Hub) absorb(e Event) {
	st, ok := h.state[e.ExecutionID()]
	if !ok {
		st = &execState{nodes: map[string]*NodeStatus{}}
		h.state[e.ExecutionID()] = st
	}
	switch ev := e.(type) {
	case *ExecutionCreated:
		st.created = ev
	case *ExecutionStatus:
		st.status = ev
	case *NodeStatus:
		st.nodes[ev.Data.NodeID] = ev
	case *ExecutionCompleted:
		st.completed = ev
	}
}

// snapshot renders the synthetic event sequence for a late subscriber.
func (st *execState) snapshot() []Event {
	var out []Event
	if st.created != nil {
		out = append(out, st.created)
	}
	if st.status != nil {
		out = append(out, st.status)
	}
	ids := make([]string, 0, len(st.nodes))
	for id := range st.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, st.nodes[id])
	}
	if st.completed != nil {
		out = append(out, st.completed)
	}
	return out
}

// Events returns the subscriber's delivery channel. The channel closes when
// the subscription ends; check Err afterwards for an overflow disconnect.
func (s *Subscription) Events() <-chan Event { return s.out }

// Err reports why the subscription ended, if abnormal. An OVERFLOW fault
// means the consumer fell too far behind to preserve status transitions.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Queued events are discarded.
func (s *Subscription) Close() { s.close(nil) }

func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
		s.cond.Broadcast()
	})
}

// enqueueLocked takes the subscription lock and enqueues.
func (s *Subscription) enqueueLocked(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.enqueue(e)
	overflowed := s.closed
	s.mu.Unlock()
	if overflowed {
		// close must run outside s.mu; the pump also takes the lock.
		s.close(fault.New(KindOverflow, "subscriber fell behind, status events would be lost"))
	}
}

// enqueue applies the overflow policy when the queue is full. Caller holds
// s.mu. Preference order: evict the oldest node.output, then coalesce
// superseded node.status entries, then drop an incoming node.output; the
// subscription is marked closed only when dropping anything further would
// lose an execution status transition.
func (s *Subscription) enqueue(e Event) {
	if len(s.queue) < s.buffer {
		s.queue = append(s.queue, e)
		s.cond.Signal()
		return
	}
	if s.evictOldestOutput() || s.coalesceNodeStatus() {
		s.queue = append(s.queue, e)
		s.cond.Signal()
		return
	}
	if e.Type() == EventNodeOutput {
		return
	}
	s.closed = true
}

func (s *Subscription) evictOldestOutput() bool {
	for i, queued := range s.queue {
		if queued.Type() == EventNodeOutput {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// coalesceNodeStatus removes the oldest node.status entry superseded by a
// later one for the same node. Terminal per-node transitions survive since
// only superseded entries are eligible.
func (s *Subscription) coalesceNodeStatus() bool {
	latest := map[string]int{}
	for i, queued := range s.queue {
		if ns, ok := queued.(*NodeStatus); ok {
			latest[ns.Data.NodeID] = i
		}
	}
	for i, queued := range s.queue {
		if ns, ok := queued.(*NodeStatus); ok && latest[ns.Data.NodeID] != i {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pump drains the queue into the delivery channel, preserving order.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Terminal reports whether an event announces a terminal execution state.
func Terminal(e Event) bool {
	switch ev := e.(type) {
	case *ExecutionCompleted:
		return true
	case *ExecutionStatus:
		return ev.Data.Status.Terminal()
	}
	return false
}
