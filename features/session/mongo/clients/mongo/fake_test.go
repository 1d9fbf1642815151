package mongo

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// fakeCollection stores documents as raw BSON so that encoding and decoding
// go through the driver codecs. It understands equality filters, $gt
// conditions, $set and $setOnInsert updates, sort on top-level fields and
// limit.
type fakeCollection struct {
	mu           sync.Mutex
	docs         []bson.D
	indexCreated int
	// writes counts the write calls, successful or not.
	writes int
	// failNext, when set, is returned by the next write.
	failNext error
}

// fakeTransactor serializes units of work and restores every collection
// when fn fails.
type fakeTransactor struct {
	mu    sync.Mutex
	colls []*fakeCollection
	runs  int
}

func newFakeCollections() (collections, []*fakeCollection) {
	fakes := []*fakeCollection{{}, {}, {}, {}}
	return collections{sessions: fakes[0], events: fakes[1], apps: fakes[2], users: fakes[3]}, fakes
}

func (t *fakeTransactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	snapshots := make([][]bson.D, len(t.colls))
	for i, c := range t.colls {
		snapshots[i] = c.snapshot()
	}
	if err := fn(ctx); err != nil {
		for i, c := range t.colls {
			c.restore(snapshots[i])
		}
		return mapError(err)
	}
	return nil
}

func (c *fakeCollection) snapshot() []bson.D {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bson.D(nil), c.docs...)
}

func (c *fakeCollection) restore(docs []bson.D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = docs
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fo options.FindOptions
	for _, o := range opts {
		for _, set := range o.List() {
			if err := set(&fo); err != nil {
				return nil, err
			}
		}
	}
	var out []bson.D
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			out = append(out, doc)
		}
	}
	if keys, ok := fo.Sort.(bson.D); ok {
		sort.SliceStable(out, func(i, j int) bool {
			for _, key := range keys {
				cmp := compareValues(lookup(out[i], key.Key), lookup(out[j], key.Key))
				if key.Value.(int) < 0 {
					cmp = -cmp
				}
				if cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
	}
	if fo.Limit != nil && *fo.Limit > 0 && int64(len(out)) > *fo.Limit {
		out = out[:*fo.Limit]
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, document any,
	_ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	doc, err := toD(document)
	if err != nil {
		return nil, err
	}
	id := lookup(doc, "_id")
	for _, existing := range c.docs {
		if valuesEqual(lookup(existing, "_id"), id) {
			return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{
				Code:    11000,
				Message: "E11000 duplicate key error",
			}}}
		}
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: id, Acknowledged: true}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	var uo options.UpdateOneOptions
	for _, o := range opts {
		for _, set := range o.List() {
			if err := set(&uo); err != nil {
				return nil, err
			}
		}
	}
	set, err := updateFields(update, "$set")
	if err != nil {
		return nil, err
	}
	onInsert, err := updateFields(update, "$setOnInsert")
	if err != nil {
		return nil, err
	}
	f := filter.(bson.M)
	for i, doc := range c.docs {
		if matches(doc, f) {
			if len(set) == 0 {
				return &mongodriver.UpdateResult{MatchedCount: 1, Acknowledged: true}, nil
			}
			c.docs[i] = applySet(doc, set)
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1, Acknowledged: true}, nil
		}
	}
	if uo.Upsert == nil || !*uo.Upsert {
		return &mongodriver.UpdateResult{Acknowledged: true}, nil
	}
	var doc bson.D
	for k, v := range f {
		if _, isCond := v.(bson.M); isCond {
			continue
		}
		d, err := toD(bson.M{k: v})
		if err != nil {
			return nil, err
		}
		doc = append(doc, d...)
	}
	doc = applySet(applySet(doc, onInsert), set)
	c.docs = append(c.docs, doc)
	return &mongodriver.UpdateResult{UpsertedCount: 1, UpsertedID: lookup(doc, "_id"), Acknowledged: true}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	for i, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			c.docs = append(c.docs[:i:i], c.docs[i+1:]...)
			return &mongodriver.DeleteResult{DeletedCount: 1, Acknowledged: true}, nil
		}
	}
	return &mongodriver.DeleteResult{Acknowledged: true}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	var kept []bson.D
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return &mongodriver.DeleteResult{DeletedCount: n, Acknowledged: true}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

func (c *fakeCollection) takeFailure() error {
	err := c.failNext
	c.failNext = nil
	return err
}

func (c *fakeCollection) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// insertRaw stores doc as is, bypassing the codecs used by InsertOne.
func (c *fakeCollection) insertRaw(doc bson.D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, doc)
}

func (c *fakeCollection) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	keys, ok := model.Keys.(bson.D)
	if !ok || len(keys) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	v.parent.indexCreated++
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Key
	}
	return strings.Join(names, "_"), nil
}

type fakeSingleResult struct {
	doc bson.D
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return decodeD(r.doc, val)
}

type fakeCursor struct {
	docs []bson.D
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	return decodeD(c.docs[c.idx], val)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func updateFields(update any, op string) (bson.D, error) {
	v, ok := update.(bson.M)[op]
	if !ok {
		return nil, nil
	}
	return toD(v)
}

func toD(v any) (bson.D, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeD(doc bson.D, val any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func applySet(doc bson.D, set bson.D) bson.D {
	out := append(bson.D(nil), doc...)
	for _, e := range set {
		replaced := false
		for i := range out {
			if out[i].Key == e.Key {
				out[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, e)
		}
	}
	return out
}

func lookup(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func matches(doc bson.D, filter bson.M) bool {
	for key, want := range filter {
		got := lookup(doc, key)
		if cond, ok := want.(bson.M); ok {
			gt, ok := cond["$gt"]
			if !ok || got == nil || compareValues(got, gt) <= 0 {
				return false
			}
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values by their BSON encoding.
func valuesEqual(a, b any) bool {
	ta, da, errA := bson.MarshalValue(a)
	tb, db, errB := bson.MarshalValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return ta == tb && bytes.Equal(da, db)
}

func compareValues(a, b any) int {
	ra, rb := rawValue(a), rawValue(b)
	if ta, ok := ra.TimeOK(); ok {
		if tb, ok := rb.TimeOK(); ok {
			return ta.Compare(tb)
		}
	}
	if ia, ok := ra.AsInt64OK(); ok {
		if ib, ok := rb.AsInt64OK(); ok {
			switch {
			case ia < ib:
				return -1
			case ia > ib:
				return 1
			}
			return 0
		}
	}
	if sa, ok := ra.StringValueOK(); ok {
		if sb, ok := rb.StringValueOK(); ok {
			return strings.Compare(sa, sb)
		}
	}
	return 0
}

func rawValue(v any) bson.RawValue {
	t, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{}
	}
	return bson.RawValue{Type: t, Value: data}
}
