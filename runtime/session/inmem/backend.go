// Package inmem provides an in-memory implementation of session.Backend.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/state"
)

type (
	// Backend is an in-memory implementation of session.Backend.
	// It is safe for concurrent use. Units of work run by Update are
	// serialized.
	Backend struct {
		mu   sync.RWMutex
		data *tables
	}

	// tables holds every record set. Records stored in the maps are never
	// mutated in place: writes replace them, so a shallow copy of the maps is
	// an independent snapshot.
	tables struct {
		apps     map[string]state.Map
		users    map[userKey]state.Map
		sessions map[string]session.SessionRecord
		events   map[string][]session.EventRecord
		eventIDs map[string]struct{}
	}

	userKey struct {
		app  string
		user string
	}

	tx struct {
		data     *tables
		readOnly bool
	}
)

var errReadOnly = errors.New("write in read-only unit of work")

// New returns an empty Backend.
func New() *Backend {
	return &Backend{data: newTables()}
}

// Name implements health.Pinger.
func (b *Backend) Name() string {
	return "inmem-sessions"
}

// Ping implements health.Pinger. The in-memory backend is always available.
func (b *Backend) Ping(context.Context) error {
	return nil
}

// View implements session.Backend.
func (b *Backend) View(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(ctx, &tx{data: b.data, readOnly: true})
}

// Update implements session.Backend. fn runs against a staged copy of the
// data which replaces the current data only when fn returns nil.
func (b *Backend) Update(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := b.data.clone()
	if err := fn(ctx, &tx{data: staged}); err != nil {
		return err
	}
	b.data = staged
	return nil
}

func newTables() *tables {
	return &tables{
		apps:     make(map[string]state.Map),
		users:    make(map[userKey]state.Map),
		sessions: make(map[string]session.SessionRecord),
		events:   make(map[string][]session.EventRecord),
		eventIDs: make(map[string]struct{}),
	}
}

func (t *tables) clone() *tables {
	return &tables{
		apps:     maps.Clone(t.apps),
		users:    maps.Clone(t.users),
		sessions: maps.Clone(t.sessions),
		events:   maps.Clone(t.events),
		eventIDs: maps.Clone(t.eventIDs),
	}
}

func (t *tx) ApplicationState(_ context.Context, app string) (state.Map, error) {
	return t.data.apps[app].Clone(), nil
}

func (t *tx) UserState(_ context.Context, app, user string) (state.Map, error) {
	return t.data.users[userKey{app, user}].Clone(), nil
}

func (t *tx) UpsertApplicationStateDelta(_ context.Context, app string, delta state.Map, _ time.Time) (state.Map, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	next := t.data.apps[app].Apply(delta)
	t.data.apps[app] = next
	return next.Clone(), nil
}

func (t *tx) UpsertUserStateDelta(_ context.Context, app, user string, delta state.Map, _ time.Time) (state.Map, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	key := userKey{app, user}
	next := t.data.users[key].Apply(delta)
	t.data.users[key] = next
	return next.Clone(), nil
}

func (t *tx) InsertSession(_ context.Context, rec session.SessionRecord) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.data.sessions[rec.ID]; ok {
		return fmt.Errorf("%w: session %q", session.ErrConflict, rec.ID)
	}
	t.data.sessions[rec.ID] = cloneSessionRecord(rec)
	return nil
}

func (t *tx) LoadSession(_ context.Context, app, user, id string) (session.SessionRecord, error) {
	rec, ok := t.data.sessions[id]
	if !ok || rec.AppName != app || rec.UserID != user {
		return session.SessionRecord{}, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	return cloneSessionRecord(rec), nil
}

func (t *tx) UpdateSession(_ context.Context, rec session.SessionRecord, expected time.Time) error {
	if t.readOnly {
		return errReadOnly
	}
	cur, ok := t.data.sessions[rec.ID]
	if !ok || cur.AppName != rec.AppName || cur.UserID != rec.UserID {
		return fmt.Errorf("%w: %q", session.ErrNotFound, rec.ID)
	}
	if !cur.UpdateTime.Equal(expected) {
		return fmt.Errorf("%w: session %q was updated concurrently", session.ErrConflict, rec.ID)
	}
	cur.State = rec.State.Clone()
	cur.UpdateTime = rec.UpdateTime
	cur.EventSeq = rec.EventSeq
	t.data.sessions[rec.ID] = cur
	return nil
}

func (t *tx) ListSessions(_ context.Context, app, user string) ([]session.Summary, error) {
	var out []session.Summary
	for _, rec := range t.data.sessions {
		if rec.AppName == app && rec.UserID == user {
			out = append(out, rec.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) DeleteSession(_ context.Context, app, user, id string) (bool, error) {
	if t.readOnly {
		return false, errReadOnly
	}
	rec, ok := t.data.sessions[id]
	if !ok || rec.AppName != app || rec.UserID != user {
		return false, nil
	}
	delete(t.data.sessions, id)
	return true, nil
}

func (t *tx) AppendEvent(_ context.Context, rec session.EventRecord) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.data.eventIDs[rec.ID]; ok {
		return fmt.Errorf("%w: event %q", session.ErrConflict, rec.ID)
	}
	t.data.eventIDs[rec.ID] = struct{}{}
	// Copy before appending so the slice shared with the previous snapshot
	// is never written.
	t.data.events[rec.SessionID] = append(slices.Clone(t.data.events[rec.SessionID]), rec)
	return nil
}

func (t *tx) ListEvents(_ context.Context, app, user, sessionID string, q session.EventQuery) ([]session.EventRecord, error) {
	var out []session.EventRecord
	for _, rec := range t.data.events[sessionID] {
		if rec.AppName != app || rec.UserID != user {
			continue
		}
		if !q.After.IsZero() && !rec.Timestamp.After(q.After) {
			continue
		}
		out = append(out, cloneEventRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	if q.Newest > 0 && len(out) > q.Newest {
		out = out[len(out)-q.Newest:]
	}
	return out, nil
}

func (t *tx) DeleteEvents(_ context.Context, app, user, sessionID string) (int64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	var kept []session.EventRecord
	var n int64
	for _, rec := range t.data.events[sessionID] {
		if rec.AppName != app || rec.UserID != user {
			kept = append(kept, rec)
			continue
		}
		delete(t.data.eventIDs, rec.ID)
		n++
	}
	if len(kept) == 0 {
		delete(t.data.events, sessionID)
	} else {
		t.data.events[sessionID] = kept
	}
	return n, nil
}

func cloneSessionRecord(rec session.SessionRecord) session.SessionRecord {
	rec.State = rec.State.Clone()
	return rec
}

func cloneEventRecord(rec session.EventRecord) session.EventRecord {
	rec.Actions.StateDelta = rec.Actions.StateDelta.Clone()
	rec.Actions.ArtifactDelta = maps.Clone(rec.Actions.ArtifactDelta)
	rec.LongRunningToolIDs = slices.Clone(rec.LongRunningToolIDs)
	rec.GroundingMetadata = maps.Clone(rec.GroundingMetadata)
	rec.CustomMetadata = maps.Clone(rec.CustomMetadata)
	return rec
}
