// Package memory provides an in-memory implementation of the store
// interface. It is suitable for development, tests, and single-node runs
// where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store"
)

// Store holds everything in maps guarded by one mutex. It is safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	flows     map[string]*flow.Flow
	versions  map[string]*flow.FlowVersion
	execs     map[string]*flow.Execution
	nodeExecs map[string]map[string]*flow.NodeExecution
	devices   map[string]*flow.DeviceKey
	tokens    map[string]*flow.RegistrationToken
	webhooks  map[string]*flow.Webhook
	imports   map[string]*flow.ImportRecord
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		flows:     map[string]*flow.Flow{},
		versions:  map[string]*flow.FlowVersion{},
		execs:     map[string]*flow.Execution{},
		nodeExecs: map[string]map[string]*flow.NodeExecution{},
		devices:   map[string]*flow.DeviceKey{},
		tokens:    map[string]*flow.RegistrationToken{},
		webhooks:  map[string]*flow.Webhook{},
		imports:   map[string]*flow.ImportRecord{},
	}
}

// CreateFlow implements store.Store.
func (s *Store) CreateFlow(ctx context.Context, f *flow.Flow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[f.ID]; exists {
		return fault.Newf(fault.Conflict, "flow %s already exists", f.ID)
	}
	s.flows[f.ID] = cloneFlow(f)
	return nil
}

// FindFlow implements store.Store.
func (s *Store) FindFlow(ctx context.Context, id string) (*flow.Flow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "flow %s not found", id)
	}
	return cloneFlow(f), nil
}

// FlowNameTaken implements store.Store.
func (s *Store) FlowNameTaken(ctx context.Context, ownerID, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flows {
		if f.OwnerID == ownerID && f.Name == name && !f.Deleted {
			return true, nil
		}
	}
	return false, nil
}

// CreateFlowVersion implements store.Store.
func (s *Store) CreateFlowVersion(ctx context.Context, v *flow.FlowVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[v.FlowID]; !ok {
		return fault.Newf(fault.NotFound, "flow %s not found", v.FlowID)
	}
	if _, exists := s.versions[v.ID]; exists {
		return fault.Newf(fault.Conflict, "flow version %s already exists", v.ID)
	}
	s.versions[v.ID] = cloneVersion(v)
	return nil
}

// FindFlowVersion implements store.Store.
func (s *Store) FindFlowVersion(ctx context.Context, id string) (*flow.FlowVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "flow version %s not found", id)
	}
	return cloneVersion(v), nil
}

// FindPublishedVersion implements store.Store.
func (s *Store) FindPublishedVersion(ctx context.Context, flowID string) (*flow.FlowVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.FlowID == flowID && v.Status == flow.VersionPublished {
			return cloneVersion(v), nil
		}
	}
	return nil, fault.Newf(fault.NotFound, "flow %s has no published version", flowID)
}

// PublishFlowVersion implements store.Store.
func (s *Store) PublishFlowVersion(ctx context.Context, flowID, versionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok || v.FlowID != flowID {
		return fault.Newf(fault.NotFound, "flow version %s not found", versionID)
	}
	if v.Status != flow.VersionDraft {
		return fault.Newf(fault.Conflict, "flow version %s is %s, not draft", versionID, v.Status)
	}
	for _, other := range s.versions {
		if other.FlowID == flowID && other.Status == flow.VersionPublished {
			other.Status = flow.VersionSuperseded
		}
	}
	v.Status = flow.VersionPublished
	return nil
}

// ListPublishedVersions implements store.Store.
func (s *Store) ListPublishedVersions(ctx context.Context) ([]*flow.FlowVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*flow.FlowVersion
	for _, v := range s.versions {
		if v.Status == flow.VersionPublished {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateExecution implements store.Store.
func (s *Store) CreateExecution(ctx context.Context, e *flow.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[e.ID]; exists {
		return fault.Newf(fault.Conflict, "execution %s already exists", e.ID)
	}
	s.execs[e.ID] = cloneExecution(e)
	return nil
}

// UpdateExecution implements store.Store.
func (s *Store) UpdateExecution(ctx context.Context, e *flow.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return fault.Newf(fault.NotFound, "execution %s not found", e.ID)
	}
	s.execs[e.ID] = cloneExecution(e)
	return nil
}

// FindExecution implements store.Store.
func (s *Store) FindExecution(ctx context.Context, id string) (*flow.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "execution %s not found", id)
	}
	return cloneExecution(e), nil
}

// CreateNodeExecution implements store.Store.
func (s *Store) CreateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodeExecs[ne.ExecutionID]
	if byNode == nil {
		byNode = map[string]*flow.NodeExecution{}
		s.nodeExecs[ne.ExecutionID] = byNode
	}
	if _, exists := byNode[ne.NodeID]; exists {
		return fault.Newf(fault.Conflict, "node execution %s/%s already exists", ne.ExecutionID, ne.NodeID)
	}
	byNode[ne.NodeID] = cloneNodeExecution(ne)
	return nil
}

// UpdateNodeExecution implements store.Store.
func (s *Store) UpdateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodeExecs[ne.ExecutionID]
	if _, ok := byNode[ne.NodeID]; !ok {
		return fault.Newf(fault.NotFound, "node execution %s/%s not found", ne.ExecutionID, ne.NodeID)
	}
	byNode[ne.NodeID] = cloneNodeExecution(ne)
	return nil
}

// ListNodeExecutions implements store.Store.
func (s *Store) ListNodeExecutions(ctx context.Context, executionID string) ([]*flow.NodeExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodeExecs[executionID]
	out := make([]*flow.NodeExecution, 0, len(byNode))
	for _, ne := range byNode {
		out = append(out, cloneNodeExecution(ne))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// StoreDeviceKey implements store.Store.
func (s *Store) StoreDeviceKey(ctx context.Context, k *flow.DeviceKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.devices[k.DeviceID]; exists {
		return fault.Newf(fault.Conflict, "device %s already paired", k.DeviceID)
	}
	s.devices[k.DeviceID] = cloneDeviceKey(k)
	return nil
}

// FindDeviceKey implements store.Store.
func (s *Store) FindDeviceKey(ctx context.Context, deviceID string) (*flow.DeviceKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.devices[deviceID]
	if !ok {
		return nil, fault.Newf(fault.UnknownDevice, "device %s not paired", deviceID)
	}
	return cloneDeviceKey(k), nil
}

// UpdateDeviceKey implements store.Store.
func (s *Store) UpdateDeviceKey(ctx context.Context, k *flow.DeviceKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[k.DeviceID]; !ok {
		return fault.Newf(fault.UnknownDevice, "device %s not paired", k.DeviceID)
	}
	s.devices[k.DeviceID] = cloneDeviceKey(k)
	return nil
}

// DeleteDeviceKey implements store.Store.
func (s *Store) DeleteDeviceKey(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return fault.Newf(fault.UnknownDevice, "device %s not paired", deviceID)
	}
	delete(s.devices, deviceID)
	return nil
}

// ListDeviceKeys implements store.Store.
func (s *Store) ListDeviceKeys(ctx context.Context, userID string) ([]*flow.DeviceKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*flow.DeviceKey
	for _, k := range s.devices {
		if k.UserID == userID {
			out = append(out, cloneDeviceKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// CreateRegistrationToken implements store.Store.
func (s *Store) CreateRegistrationToken(ctx context.Context, t *flow.RegistrationToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[t.TokenHash]; exists {
		return fault.New(fault.Conflict, "token already exists")
	}
	cp := *t
	s.tokens[t.TokenHash] = &cp
	return nil
}

// ConsumeRegistrationToken implements store.Store.
func (s *Store) ConsumeRegistrationToken(ctx context.Context, tokenHash string) (*flow.RegistrationToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown registration token")
	}
	if t.Status != flow.TokenPending {
		return nil, fault.Newf(fault.Conflict, "registration token is %s", t.Status)
	}
	t.Status = flow.TokenRegistered
	cp := *t
	return &cp, nil
}

// BlockRegistrationToken implements store.Store.
func (s *Store) BlockRegistrationToken(ctx context.Context, tokenHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return fault.New(fault.NotFound, "unknown registration token")
	}
	t.Status = flow.TokenBlocked
	return nil
}

// CreateWebhook implements store.Store.
func (s *Store) CreateWebhook(ctx context.Context, w *flow.Webhook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.webhooks[w.ID]; exists {
		return fault.Newf(fault.Conflict, "webhook %s already exists", w.ID)
	}
	cp := *w
	s.webhooks[w.ID] = &cp
	return nil
}

// FindWebhook implements store.Store.
func (s *Store) FindWebhook(ctx context.Context, path, method string) (*flow.Webhook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.webhooks {
		if w.Active && w.Path == path && w.Method == method {
			cp := *w
			return &cp, nil
		}
	}
	return nil, fault.Newf(fault.NotFound, "no active webhook for %s %s", method, path)
}

// CreateImportRecord implements store.Store.
func (s *Store) CreateImportRecord(ctx context.Context, r *flow.ImportRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.imports[r.ID]; exists {
		return fault.Newf(fault.Conflict, "import record %s already exists", r.ID)
	}
	cp := *r
	if r.CredentialMappings != nil {
		cp.CredentialMappings = make(map[string]string, len(r.CredentialMappings))
		for k, v := range r.CredentialMappings {
			cp.CredentialMappings[k] = v
		}
	}
	s.imports[r.ID] = &cp
	return nil
}

// Transact implements store.Store. Transactions serialize; on error every
// write fn performed is rolled back by restoring a snapshot. Writers racing
// a transaction that rolls back are undone with it, which is acceptable for
// an in-memory store.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	flows     map[string]*flow.Flow
	versions  map[string]*flow.FlowVersion
	execs     map[string]*flow.Execution
	nodeExecs map[string]map[string]*flow.NodeExecution
	devices   map[string]*flow.DeviceKey
	tokens    map[string]*flow.RegistrationToken
	webhooks  map[string]*flow.Webhook
	imports   map[string]*flow.ImportRecord
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		flows:     map[string]*flow.Flow{},
		versions:  map[string]*flow.FlowVersion{},
		execs:     map[string]*flow.Execution{},
		nodeExecs: map[string]map[string]*flow.NodeExecution{},
		devices:   map[string]*flow.DeviceKey{},
		tokens:    map[string]*flow.RegistrationToken{},
		webhooks:  map[string]*flow.Webhook{},
		imports:   map[string]*flow.ImportRecord{},
	}
	for k, v := range s.flows {
		snap.flows[k] = cloneFlow(v)
	}
	for k, v := range s.versions {
		snap.versions[k] = cloneVersion(v)
	}
	for k, v := range s.execs {
		snap.execs[k] = cloneExecution(v)
	}
	for k, byNode := range s.nodeExecs {
		m := map[string]*flow.NodeExecution{}
		for n, ne := range byNode {
			m[n] = cloneNodeExecution(ne)
		}
		snap.nodeExecs[k] = m
	}
	for k, v := range s.devices {
		snap.devices[k] = cloneDeviceKey(v)
	}
	for k, v := range s.tokens {
		cp := *v
		snap.tokens[k] = &cp
	}
	for k, v := range s.webhooks {
		cp := *v
		snap.webhooks[k] = &cp
	}
	for k, v := range s.imports {
		cp := *v
		snap.imports[k] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = snap.flows
	s.versions = snap.versions
	s.execs = snap.execs
	s.nodeExecs = snap.nodeExecs
	s.devices = snap.devices
	s.tokens = snap.tokens
	s.webhooks = snap.webhooks
	s.imports = snap.imports
}

func cloneFlow(f *flow.Flow) *flow.Flow {
	cp := *f
	return &cp
}

func cloneVersion(v *flow.FlowVersion) *flow.FlowVersion {
	cp := *v
	cp.Definition = cloneDefinition(v.Definition)
	cp.Settings = v.Settings.Clone()
	return &cp
}

func cloneDefinition(d flow.Definition) flow.Definition {
	cp := flow.Definition{
		Nodes: make([]flow.Node, len(d.Nodes)),
		Edges: append([]flow.Edge(nil), d.Edges...),
	}
	for i, n := range d.Nodes {
		cp.Nodes[i] = n
		cp.Nodes[i].Data.Config = n.Data.Config.Clone()
	}
	if d.Viewport != nil {
		vp := *d.Viewport
		cp.Viewport = &vp
	}
	return cp
}

func cloneExecution(e *flow.Execution) *flow.Execution {
	cp := *e
	cp.InputData = e.InputData.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneNodeExecution(ne *flow.NodeExecution) *flow.NodeExecution {
	cp := *ne
	cp.InputData = ne.InputData.Clone()
	cp.OutputData = ne.OutputData.Clone()
	if ne.StartedAt != nil {
		t := *ne.StartedAt
		cp.StartedAt = &t
	}
	if ne.CompletedAt != nil {
		t := *ne.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneDeviceKey(k *flow.DeviceKey) *flow.DeviceKey {
	cp := *k
	cp.EncKeyC2S = append([]byte(nil), k.EncKeyC2S...)
	cp.EncKeyS2C = append([]byte(nil), k.EncKeyS2C...)
	cp.AuthKey = append([]byte(nil), k.AuthKey...)
	return &cp
}
