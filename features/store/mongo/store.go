package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store"
)

// Default collection names.
const (
	flowsCollection      = "flows"
	versionsCollection   = "flow_versions"
	executionsCollection = "executions"
	nodeExecsCollection  = "node_executions"
	deviceKeysCollection = "device_keys"
	tokensCollection     = "registration_tokens"
	webhooksCollection   = "webhooks"
	importsCollection    = "import_records"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "store-mongo"
)

// Options configures the Mongo store.
type Options struct {
	// Client is the connected driver client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Timeout bounds each operation (default 5s).
	Timeout time.Duration
}

// Store is the MongoDB-backed store.Store. It also implements health.Pinger
// so the server can surface database reachability.
type Store struct {
	mongo     *mongodriver.Client
	flows     collection
	versions  collection
	execs     collection
	nodeExecs collection
	devices   collection
	tokens    collection
	webhooks  collection
	imports   collection
	timeout   time.Duration
}

var _ store.Store = (*Store)(nil)

// New connects the store to the given database and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.Validation, "mongo client is required")
	}
	if opts.Database == "" {
		return nil, fault.New(fault.Validation, "database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := newStoreWithCollections(storeCollections{
		flows:     mongoCollection{coll: db.Collection(flowsCollection)},
		versions:  mongoCollection{coll: db.Collection(versionsCollection)},
		execs:     mongoCollection{coll: db.Collection(executionsCollection)},
		nodeExecs: mongoCollection{coll: db.Collection(nodeExecsCollection)},
		devices:   mongoCollection{coll: db.Collection(deviceKeysCollection)},
		tokens:    mongoCollection{coll: db.Collection(tokensCollection)},
		webhooks:  mongoCollection{coll: db.Collection(webhooksCollection)},
		imports:   mongoCollection{coll: db.Collection(importsCollection)},
	}, timeout)
	s.mongo = opts.Client

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type storeCollections struct {
	flows     collection
	versions  collection
	execs     collection
	nodeExecs collection
	devices   collection
	tokens    collection
	webhooks  collection
	imports   collection
}

func newStoreWithCollections(c storeCollections, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		flows:     c.flows,
		versions:  c.versions,
		execs:     c.execs,
		nodeExecs: c.nodeExecs,
		devices:   c.devices,
		tokens:    c.tokens,
		webhooks:  c.webhooks,
		imports:   c.imports,
		timeout:   timeout,
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{s.versions, mongodriver.IndexModel{
			Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "status", Value: 1}},
		}},
		{s.nodeExecs, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.devices, mongodriver.IndexModel{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		}},
		{s.webhooks, mongodriver.IndexModel{
			Keys: bson.D{{Key: "path", Value: 1}, {Key: "method", Value: 1}, {Key: "active", Value: 1}},
		}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateFlow implements store.Store.
func (s *Store) CreateFlow(ctx context.Context, f *flow.Flow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.flows.InsertOne(ctx, fromFlow(f)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "flow %s already exists", f.ID)
		}
		return err
	}
	return nil
}

// FindFlow implements store.Store.
func (s *Store) FindFlow(ctx context.Context, id string) (*flow.Flow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc flowDocument
	if err := s.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.NotFound, "flow %s not found", id)
		}
		return nil, err
	}
	return doc.toFlow(), nil
}

// FlowNameTaken implements store.Store.
func (s *Store) FlowNameTaken(ctx context.Context, ownerID, name string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc flowDocument
	err := s.flows.FindOne(ctx, bson.M{"owner_id": ownerID, "name": name, "deleted": false}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateFlowVersion implements store.Store.
func (s *Store) CreateFlowVersion(ctx context.Context, v *flow.FlowVersion) error {
	if _, err := s.FindFlow(ctx, v.FlowID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.versions.InsertOne(ctx, fromVersion(v)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "flow version %s already exists", v.ID)
		}
		return err
	}
	return nil
}

// FindFlowVersion implements store.Store.
func (s *Store) FindFlowVersion(ctx context.Context, id string) (*flow.FlowVersion, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc versionDocument
	if err := s.versions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.NotFound, "flow version %s not found", id)
		}
		return nil, err
	}
	return doc.toVersion(), nil
}

// FindPublishedVersion implements store.Store.
func (s *Store) FindPublishedVersion(ctx context.Context, flowID string) (*flow.FlowVersion, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"flow_id": flowID, "status": string(flow.VersionPublished)}
	var doc versionDocument
	if err := s.versions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.NotFound, "flow %s has no published version", flowID)
		}
		return nil, err
	}
	return doc.toVersion(), nil
}

// PublishFlowVersion implements store.Store. The demote and promote run in
// one transaction so readers never observe two published versions.
func (s *Store) PublishFlowVersion(ctx context.Context, flowID, versionID string) error {
	return s.Transact(ctx, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		var doc versionDocument
		if err := s.versions.FindOne(ctx, bson.M{"_id": versionID}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return fault.Newf(fault.NotFound, "flow version %s not found", versionID)
			}
			return err
		}
		if doc.FlowID != flowID {
			return fault.Newf(fault.NotFound, "flow version %s not found", versionID)
		}
		if doc.Status != string(flow.VersionDraft) {
			return fault.Newf(fault.Conflict, "flow version %s is %s, not draft", versionID, doc.Status)
		}

		demote := bson.M{"$set": bson.M{"status": string(flow.VersionSuperseded)}}
		if _, err := s.versions.UpdateMany(ctx,
			bson.M{"flow_id": flowID, "status": string(flow.VersionPublished)}, demote); err != nil {
			return err
		}

		promote := bson.M{"$set": bson.M{"status": string(flow.VersionPublished)}}
		res, err := s.versions.UpdateOne(ctx,
			bson.M{"_id": versionID, "status": string(flow.VersionDraft)}, promote)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fault.Newf(fault.Conflict, "flow version %s changed state during publish", versionID)
		}
		return nil
	})
}

// ListPublishedVersions implements store.Store.
func (s *Store) ListPublishedVersions(ctx context.Context) ([]*flow.FlowVersion, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.versions.Find(ctx,
		bson.M{"status": string(flow.VersionPublished)},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*flow.FlowVersion
	for cur.Next(ctx) {
		var doc versionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toVersion())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExecution implements store.Store.
func (s *Store) CreateExecution(ctx context.Context, e *flow.Execution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.execs.InsertOne(ctx, fromExecution(e)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "execution %s already exists", e.ID)
		}
		return err
	}
	return nil
}

// UpdateExecution implements store.Store.
func (s *Store) UpdateExecution(ctx context.Context, e *flow.Execution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.execs.ReplaceOne(ctx, bson.M{"_id": e.ID}, fromExecution(e))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.NotFound, "execution %s not found", e.ID)
	}
	return nil
}

// FindExecution implements store.Store.
func (s *Store) FindExecution(ctx context.Context, id string) (*flow.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	if err := s.execs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.NotFound, "execution %s not found", id)
		}
		return nil, err
	}
	return doc.toExecution(), nil
}

// CreateNodeExecution implements store.Store. The unique compound index on
// (execution_id, node_id) enforces the one-record-per-node rule.
func (s *Store) CreateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.nodeExecs.InsertOne(ctx, fromNodeExecution(ne)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "node execution %s/%s already exists", ne.ExecutionID, ne.NodeID)
		}
		return err
	}
	return nil
}

// UpdateNodeExecution implements store.Store.
func (s *Store) UpdateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"execution_id": ne.ExecutionID, "node_id": ne.NodeID}
	res, err := s.nodeExecs.ReplaceOne(ctx, filter, fromNodeExecution(ne))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.NotFound, "node execution %s/%s not found", ne.ExecutionID, ne.NodeID)
	}
	return nil
}

// ListNodeExecutions implements store.Store.
func (s *Store) ListNodeExecutions(ctx context.Context, executionID string) ([]*flow.NodeExecution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodeExecs.Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "node_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	out := []*flow.NodeExecution{}
	for cur.Next(ctx) {
		var doc nodeExecutionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toNodeExecution())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreDeviceKey implements store.Store.
func (s *Store) StoreDeviceKey(ctx context.Context, k *flow.DeviceKey) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.devices.InsertOne(ctx, fromDeviceKey(k)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "device %s already paired", k.DeviceID)
		}
		return err
	}
	return nil
}

// FindDeviceKey implements store.Store.
func (s *Store) FindDeviceKey(ctx context.Context, deviceID string) (*flow.DeviceKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc deviceKeyDocument
	if err := s.devices.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.UnknownDevice, "device %s not paired", deviceID)
		}
		return nil, err
	}
	return doc.toDeviceKey(), nil
}

// UpdateDeviceKey implements store.Store.
func (s *Store) UpdateDeviceKey(ctx context.Context, k *flow.DeviceKey) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.devices.ReplaceOne(ctx, bson.M{"_id": k.DeviceID}, fromDeviceKey(k))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.UnknownDevice, "device %s not paired", k.DeviceID)
	}
	return nil
}

// DeleteDeviceKey implements store.Store.
func (s *Store) DeleteDeviceKey(ctx context.Context, deviceID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.devices.DeleteOne(ctx, bson.M{"_id": deviceID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fault.Newf(fault.UnknownDevice, "device %s not paired", deviceID)
	}
	return nil
}

// ListDeviceKeys implements store.Store.
func (s *Store) ListDeviceKeys(ctx context.Context, userID string) ([]*flow.DeviceKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.devices.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*flow.DeviceKey
	for cur.Next(ctx) {
		var doc deviceKeyDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDeviceKey())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRegistrationToken implements store.Store.
func (s *Store) CreateRegistrationToken(ctx context.Context, t *flow.RegistrationToken) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.tokens.InsertOne(ctx, fromToken(t)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.New(fault.Conflict, "token already exists")
		}
		return err
	}
	return nil
}

// ConsumeRegistrationToken implements store.Store. The conditional
// FindOneAndUpdate makes the pending to registered flip atomic; at most one
// concurrent caller matches.
func (s *Store) ConsumeRegistrationToken(ctx context.Context, tokenHash string) (*flow.RegistrationToken, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": tokenHash, "status": string(flow.TokenPending)}
	update := bson.M{"$set": bson.M{"status": string(flow.TokenRegistered)}}
	var doc tokenDocument
	err := s.tokens.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.toToken(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, err
	}
	// Lost the conditional match: distinguish an unknown hash from a token
	// already consumed or blocked.
	var existing tokenDocument
	if err := s.tokens.FindOne(ctx, bson.M{"_id": tokenHash}).Decode(&existing); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.New(fault.NotFound, "unknown registration token")
		}
		return nil, err
	}
	return nil, fault.Newf(fault.Conflict, "registration token is %s", existing.Status)
}

// BlockRegistrationToken implements store.Store.
func (s *Store) BlockRegistrationToken(ctx context.Context, tokenHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": string(flow.TokenBlocked)}}
	res, err := s.tokens.UpdateOne(ctx, bson.M{"_id": tokenHash}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.NotFound, "unknown registration token")
	}
	return nil
}

// CreateWebhook implements store.Store.
func (s *Store) CreateWebhook(ctx context.Context, w *flow.Webhook) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.webhooks.InsertOne(ctx, fromWebhook(w)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "webhook %s already exists", w.ID)
		}
		return err
	}
	return nil
}

// FindWebhook implements store.Store.
func (s *Store) FindWebhook(ctx context.Context, path, method string) (*flow.Webhook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"path": path, "method": method, "active": true}
	var doc webhookDocument
	if err := s.webhooks.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fault.Newf(fault.NotFound, "no active webhook for %s %s", method, path)
		}
		return nil, err
	}
	return doc.toWebhook(), nil
}

// CreateImportRecord implements store.Store.
func (s *Store) CreateImportRecord(ctx context.Context, r *flow.ImportRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.imports.InsertOne(ctx, fromImportRecord(r)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fault.Newf(fault.Conflict, "import record %s already exists", r.ID)
		}
		return err
	}
	return nil
}

// Transact implements store.Store using a driver session transaction. The
// session propagates to the nested store calls through the context. Without a
// client (fake-backed stores in tests) fn runs directly.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.mongo == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := s.mongo.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}
