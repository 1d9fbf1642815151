package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/state"
)

// tx implements session.Tx over the collections. Inside Update the ctx
// carries the transaction session so every call joins the transaction.
type tx struct {
	colls collections
}

func (t *tx) ApplicationState(ctx context.Context, app string) (state.Map, error) {
	st, _, err := findState(ctx, t.colls.apps, bson.M{"_id": app})
	return st, err
}

func (t *tx) UserState(ctx context.Context, app, user string) (state.Map, error) {
	st, _, err := findState(ctx, t.colls.users, userStateFilter(app, user))
	return st, err
}

func (t *tx) UpsertApplicationStateDelta(ctx context.Context, app string, delta state.Map, at time.Time) (state.Map, error) {
	return applyStateDelta(ctx, t.colls.apps, bson.M{"_id": app}, delta, at)
}

func (t *tx) UpsertUserStateDelta(ctx context.Context, app, user string, delta state.Map, at time.Time) (state.Map, error) {
	return applyStateDelta(ctx, t.colls.users, userStateFilter(app, user), delta, at)
}

// applyStateDelta writes a tier document only when delta changes it or the
// document does not exist yet. Concurrent transactions writing the same tier
// document conflict, so an empty delta on an existing tier is a plain read.
func applyStateDelta(ctx context.Context, coll collection, filter bson.M, delta state.Map, at time.Time) (state.Map, error) {
	cur, found, err := findState(ctx, coll, filter)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		if found {
			return cur, nil
		}
		update := bson.M{
			"$setOnInsert": bson.M{
				"state":       map[string]any{},
				"update_time": at.UTC(),
			},
		}
		if _, err := coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
			return nil, mapError(err)
		}
		return cur, nil
	}
	next := cur.Apply(delta)
	update := bson.M{
		"$set": bson.M{
			"state":       map[string]any(next),
			"update_time": at.UTC(),
		},
	}
	if _, err := coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return nil, mapError(err)
	}
	return next, nil
}

// findState returns the state stored in the tier document matching filter
// and whether the document exists. A missing document yields an empty map.
func findState(ctx context.Context, coll collection, filter bson.M) (state.Map, bool, error) {
	var doc stateDocument
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return state.Map{}, false, nil
		}
		return nil, false, mapError(err)
	}
	return normalizeState(doc.State), true, nil
}

func userStateFilter(app, user string) bson.M {
	return bson.M{"_id": userStateID{AppName: app, UserID: user}}
}

func (t *tx) InsertSession(ctx context.Context, rec session.SessionRecord) error {
	if _, err := t.colls.sessions.InsertOne(ctx, fromSessionRecord(rec)); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *tx) LoadSession(ctx context.Context, app, user, id string) (session.SessionRecord, error) {
	var doc sessionDocument
	if err := t.colls.sessions.FindOne(ctx, ownedSession(app, user, id)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.SessionRecord{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
		}
		return session.SessionRecord{}, mapError(err)
	}
	return doc.toSessionRecord(), nil
}

func (t *tx) UpdateSession(ctx context.Context, rec session.SessionRecord, expected time.Time) error {
	filter := ownedSession(rec.AppName, rec.UserID, rec.ID)
	filter["update_time"] = expected.UTC()
	update := bson.M{
		"$set": bson.M{
			"state":       map[string]any(rec.State.Clone()),
			"update_time": rec.UpdateTime.UTC(),
			"event_seq":   rec.EventSeq,
		},
	}
	res, err := t.colls.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: session %q was updated concurrently", session.ErrConflict, rec.ID)
	}
	return nil
}

func (t *tx) ListSessions(ctx context.Context, app, user string) ([]session.Summary, error) {
	filter := bson.M{"app_name": app, "user_id": user}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"state": 0})
	cur, err := t.colls.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.Summary
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSummary())
	}
	if err := cur.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (t *tx) DeleteSession(ctx context.Context, app, user, id string) (bool, error) {
	res, err := t.colls.sessions.DeleteOne(ctx, ownedSession(app, user, id))
	if err != nil {
		return false, mapError(err)
	}
	return res.DeletedCount > 0, nil
}

func (t *tx) AppendEvent(ctx context.Context, rec session.EventRecord) error {
	doc, err := fromEventRecord(rec)
	if err != nil {
		return err
	}
	if _, err := t.colls.events.InsertOne(ctx, doc); err != nil {
		return mapError(err)
	}
	return nil
}

// ListEvents honors q.Newest by reading newest first with a limit and
// reversing the page. Content that cannot be decoded is reported on the
// record rather than failing the listing.
func (t *tx) ListEvents(ctx context.Context, app, user, sessionID string, q session.EventQuery) ([]session.EventRecord, error) {
	filter := sessionEvents(app, user, sessionID)
	if !q.After.IsZero() {
		filter["timestamp"] = bson.M{"$gt": q.After.UTC()}
	}
	dir := 1
	opts := options.Find()
	if q.Newest > 0 {
		dir = -1
		opts.SetLimit(int64(q.Newest))
	}
	opts.SetSort(bson.D{{Key: "timestamp", Value: dir}, {Key: "seq", Value: dir}})

	cur, err := t.colls.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.EventRecord
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEventRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, mapError(err)
	}
	if dir < 0 {
		slices.Reverse(out)
	}
	return out, nil
}

func (t *tx) DeleteEvents(ctx context.Context, app, user, sessionID string) (int64, error) {
	res, err := t.colls.events.DeleteMany(ctx, sessionEvents(app, user, sessionID))
	if err != nil {
		return 0, mapError(err)
	}
	return res.DeletedCount, nil
}

func ownedSession(app, user, id string) bson.M {
	return bson.M{"_id": id, "app_name": app, "user_id": user}
}

func sessionEvents(app, user, sessionID string) bson.M {
	return bson.M{"session_id": sessionID, "app_name": app, "user_id": user}
}
