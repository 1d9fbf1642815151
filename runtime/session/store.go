package session

import (
	"context"
	"time"

	"goa.design/clue/health"

	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/state"
)

type (
	// Backend is a transactional store for session data.
	//
	// View runs fn against the current data without a transaction. Update
	// runs fn inside one atomic unit of work: every write performed through
	// the Tx commits together when fn returns nil, and none is visible when
	// fn returns an error or the commit fails. Backends do not retry fn.
	Backend interface {
		health.Pinger

		View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
		Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	}

	// Tx exposes the record sets of a Backend to one unit of work. The ctx
	// passed to Tx methods must be the one handed to the View or Update
	// callback.
	Tx interface {
		StateStore
		Records
		EventLog
	}

	// StateStore persists the application and user state tiers.
	StateStore interface {
		// ApplicationState returns the state of app, or an empty map when it
		// was never written.
		ApplicationState(ctx context.Context, app string) (state.Map, error)
		// UserState returns the state of user in app, or an empty map when it
		// was never written.
		UserState(ctx context.Context, app, user string) (state.Map, error)
		// UpsertApplicationStateDelta applies delta to the state of app,
		// creating the record when absent, and returns the new state.
		UpsertApplicationStateDelta(ctx context.Context, app string, delta state.Map, at time.Time) (state.Map, error)
		// UpsertUserStateDelta applies delta to the state of user in app,
		// creating the record when absent, and returns the new state.
		UpsertUserStateDelta(ctx context.Context, app, user string, delta state.Map, at time.Time) (state.Map, error)
	}

	// Records persists session records.
	Records interface {
		// InsertSession stores a new session record. Returns ErrConflict when
		// the id is already in use.
		InsertSession(ctx context.Context, rec SessionRecord) error
		// LoadSession returns the record of a session owned by app and user.
		// Returns ErrNotFound when missing.
		LoadSession(ctx context.Context, app, user, id string) (SessionRecord, error)
		// UpdateSession replaces the state, update time and event sequence of
		// a session, provided its stored update time still equals expected.
		// Returns ErrConflict otherwise.
		UpdateSession(ctx context.Context, rec SessionRecord, expected time.Time) error
		// ListSessions returns the summaries of the sessions of user in app.
		ListSessions(ctx context.Context, app, user string) ([]Summary, error)
		// DeleteSession removes a session record and reports whether one
		// existed.
		DeleteSession(ctx context.Context, app, user, id string) (bool, error)
	}

	// EventLog persists session events.
	EventLog interface {
		// AppendEvent stores rec. Returns ErrConflict when the event id is
		// already in use.
		AppendEvent(ctx context.Context, rec EventRecord) error
		// ListEvents returns the events of a session matching q in ascending
		// (Timestamp, Seq) order.
		ListEvents(ctx context.Context, app, user, sessionID string, q EventQuery) ([]EventRecord, error)
		// DeleteEvents removes every event of a session and returns how many
		// were removed.
		DeleteEvents(ctx context.Context, app, user, sessionID string) (int64, error)
	}

	// EventQuery filters ListEvents.
	EventQuery struct {
		// After keeps events strictly after this time when non-zero.
		After time.Time
		// Newest keeps only the N most recent matching events when positive.
		Newest int
	}

	// SessionRecord is the persisted form of a session.
	SessionRecord struct {
		ID         string
		AppName    string
		UserID     string
		State      state.Map
		CreateTime time.Time
		UpdateTime time.Time
		// EventSeq is the sequence number of the last appended event. It
		// orders events sharing a timestamp.
		EventSeq int64
	}

	// EventRecord is the persisted form of an event.
	EventRecord struct {
		ID                 string
		SessionID          string
		AppName            string
		UserID             string
		InvocationID       string
		Author             string
		Branch             string
		Content            *content.Stored
		Actions            Actions
		Timestamp          time.Time
		Seq                int64
		Partial            bool
		TurnComplete       bool
		Interrupted        bool
		ErrorCode          string
		ErrorMessage       string
		LongRunningToolIDs []string
		GroundingMetadata  map[string]any
		CustomMetadata     map[string]string
		// Decode is set by backends that could only partially read the
		// stored content. It takes precedence over the content codec result.
		Decode content.DecodeResult
	}

	// Feed receives committed changes. Feed errors never undo a commit.
	Feed interface {
		// EventAppended is called after an event was committed.
		EventAppended(ctx context.Context, sess Summary, ev *Event) error
		// SessionDeleted is called after a session was deleted.
		SessionDeleted(ctx context.Context, sess Summary) error
	}
)

// Summary returns the metadata of rec.
func (rec SessionRecord) Summary() Summary {
	return Summary{ID: rec.ID, AppName: rec.AppName, UserID: rec.UserID, LastUpdateTime: rec.UpdateTime}
}
