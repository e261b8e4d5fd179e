package mongo

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection is an in-memory collection. Documents round-trip through
// real bson marshalling so decode sees the same shapes a server would
// produce. Filters are evaluated as flat equality, which is all the store
// issues.
type fakeCollection struct {
	mu      sync.Mutex
	docs    []bson.M
	unique  [][]string
	indexes int
}

func newFakeCollection(unique ...[]string) *fakeCollection {
	return &fakeCollection{unique: unique}
}

func asDoc(v any) bson.M {
	data, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

func matches(doc bson.M, filter any) bool {
	for k, want := range asDoc(filter) {
		if !reflect.DeepEqual(doc[k], want) {
			return false
		}
	}
	return true
}

var errDuplicateKey = mongodriver.WriteException{
	WriteErrors: mongodriver.WriteErrors{{Code: 11000, Message: "duplicate key"}},
}

func (c *fakeCollection) InsertOne(ctx context.Context, doc any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := asDoc(doc)
	for _, keys := range c.unique {
		for _, existing := range c.docs {
			same := true
			for _, k := range keys {
				if !reflect.DeepEqual(existing[k], d[k]) {
					same = false
					break
				}
			}
			if same {
				return nil, errDuplicateKey
			}
		}
	}
	c.docs = append(c.docs, d)
	return &mongodriver.InsertOneResult{InsertedID: d["_id"]}, nil
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bson.M
	for _, doc := range c.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	if key := sortKey(opts); key != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i][key]) < fmt.Sprint(out[j][key])
		})
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func sortKey(opts []*options.FindOptions) string {
	if len(opts) == 0 || opts[0] == nil || opts[0].Sort == nil {
		return ""
	}
	if d, ok := opts[0].Sort.(bson.D); ok && len(d) > 0 {
		return d[0].Key
	}
	return ""
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs[i] = applySet(doc, update)
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs[i] = applySet(doc, update)
			n++
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: n, ModifiedCount: n}, nil
}

func (c *fakeCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs[i] = applySet(doc, update)
			return fakeSingleResult{doc: c.docs[i]}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			repl := asDoc(replacement)
			if _, ok := repl["_id"]; !ok {
				repl["_id"] = doc["_id"]
			}
			c.docs[i] = repl
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return &mongodriver.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexes}
}

func applySet(doc bson.M, update any) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	u := asDoc(update)
	if set, ok := u["$set"].(bson.M); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc bson.M
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	data, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, val)
}

type fakeCursor struct {
	docs []bson.M
	idx  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	data, err := bson.Marshal(c.docs[c.idx])
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(ctx context.Context) error { return nil }
