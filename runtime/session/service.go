package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agent-sessions/runtime/session/state"
	"goa.design/agent-sessions/runtime/telemetry"
)

// tokenResolution is the precision of stored update times. Durable backends
// keep millisecond timestamps, so tokens are truncated to match.
const tokenResolution = time.Millisecond

// Service manages session lifecycle on top of a Backend. It holds no locks
// and is safe for concurrent use; consistency relies on the Backend's
// transactions and on the optimistic concurrency token.
type Service struct {
	backend Backend
	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics
	now     func() time.Time
	newID   func() string
	feed    Feed
}

// NewService returns a Service persisting to backend.
func NewService(backend Backend, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		backend: backend,
		logger:  o.logger,
		tracer:  o.tracer,
		metrics: o.metrics,
		now:     o.now,
		newID:   o.newID,
		feed:    o.feed,
	}, nil
}

// CreateSession creates a session owned by user in app. A session id is
// generated when sessionID is empty. initial is split by tier: application
// and user keys update their tiers, session keys become the initial session
// state and temporary keys are dropped. All writes commit together.
//
// CreateSession returns an error wrapping ErrDuplicateSession when
// sessionID is already in use.
func (s *Service) CreateSession(ctx context.Context, appName, userID, sessionID string, initial state.Map) (_ *Session, err error) {
	if err := requireOwner(appName, userID); err != nil {
		return nil, err
	}
	ctx, _, done := s.observe(ctx, "create_session")
	defer func() { done(err) }()

	if sessionID == "" {
		sessionID = s.newID()
	}
	deltas := state.Split(initial)
	now := s.now().UTC().Truncate(tokenResolution)
	rec := SessionRecord{
		ID:         sessionID,
		AppName:    appName,
		UserID:     userID,
		State:      deltas.Session,
		CreateTime: now,
		UpdateTime: now,
	}

	var appState, userState state.Map
	err = s.backend.Update(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if appState, err = tx.UpsertApplicationStateDelta(ctx, appName, deltas.App, now); err != nil {
			return err
		}
		if userState, err = tx.UpsertUserStateDelta(ctx, appName, userID, deltas.User, now); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, rec); err != nil {
			if errors.Is(err, ErrConflict) {
				return fmt.Errorf("%w: id %q (user %q, app %q)", ErrDuplicateSession, sessionID, userID, appName)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "create session aborted", "app", appName, "user", userID, "session", sessionID, "err", err)
		return nil, err
	}

	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          state.Merge(appState, userState, deltas.Session),
		Events:         []*Event{},
		CreateTime:     now,
		LastUpdateTime: now,
	}, nil
}

// GetSession returns the session with its merged state and events. It
// returns nil and no error when the session does not exist. cfg optionally
// restricts the returned events.
func (s *Service) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (_ *Session, err error) {
	ctx, span, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	var q EventQuery
	if cfg != nil {
		q.After = cfg.AfterTimestamp
		if cfg.NumRecentEvents > 0 {
			q.Newest = cfg.NumRecentEvents
		}
	}

	var (
		rec       SessionRecord
		appState  state.Map
		userState state.Map
		records   []EventRecord
		found     = true
	)
	err = s.backend.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rec, err = tx.LoadSession(ctx, appName, userID, sessionID)
		if errors.Is(err, ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if appState, err = tx.ApplicationState(ctx, appName); err != nil {
			return err
		}
		if userState, err = tx.UserState(ctx, appName, userID); err != nil {
			return err
		}
		records, err = tx.ListEvents(ctx, appName, userID, sessionID, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	return &Session{
		ID:             rec.ID,
		AppName:        rec.AppName,
		UserID:         rec.UserID,
		State:          state.Merge(appState, userState, rec.State),
		Events:         s.decodeEvents(ctx, span, records),
		CreateTime:     rec.CreateTime,
		LastUpdateTime: rec.UpdateTime,
	}, nil
}

// ListSessions returns the summaries of the sessions of user in app. The
// summaries carry no state or events; use GetSession to hydrate one.
func (s *Service) ListSessions(ctx context.Context, appName, userID string) (_ []Summary, err error) {
	ctx, _, done := s.observe(ctx, "list_sessions")
	defer func() { done(err) }()

	var out []Summary
	err = s.backend.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListSessions(ctx, appName, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a session and all its events in one unit of work.
// Deleting a session that does not exist is not an error.
func (s *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) (err error) {
	ctx, _, done := s.observe(ctx, "delete_session")
	defer func() { done(err) }()

	var (
		found   bool
		deleted int64
	)
	err = s.backend.Update(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if found, err = tx.DeleteSession(ctx, appName, userID, sessionID); err != nil {
			return err
		}
		deleted, err = tx.DeleteEvents(ctx, appName, userID, sessionID)
		return err
	})
	if err != nil {
		s.logger.Error(ctx, "delete session aborted", "app", appName, "user", userID, "session", sessionID, "err", err)
		return err
	}
	if !found {
		s.logger.Warn(ctx, "deleted session not found", "app", appName, "user", userID, "session", sessionID)
		return nil
	}
	s.logger.Debug(ctx, "session deleted", "session", sessionID, "events", deleted)
	if s.feed != nil {
		sum := Summary{ID: sessionID, AppName: appName, UserID: userID}
		if ferr := s.feed.SessionDeleted(ctx, sum); ferr != nil {
			s.logger.Warn(ctx, "feed session deleted failed", "session", sessionID, "err", ferr)
		}
	}
	return nil
}

// AppendEvent records ev in sess and applies its state delta.
//
// Partial events and events without content parts are not persisted: the event
// is returned unchanged and no error is reported. Otherwise the stored
// session is reloaded, its update time compared with sess.LastUpdateTime,
// the delta applied to each tier and the event inserted, all in one unit of
// work. AppendEvent returns an error wrapping ErrNotFound when the session
// no longer exists and one wrapping ErrStaleSession when it changed since
// sess was read. It never retries.
//
// On success sess is updated in place: LastUpdateTime advances, ev is
// appended to Events and the persisted part of the delta is applied to
// State.
func (s *Service) AppendEvent(ctx context.Context, sess *Session, ev *Event) (_ *Event, err error) {
	if sess == nil {
		return nil, errors.New("session is required")
	}
	if ev == nil {
		return nil, errors.New("event is required")
	}
	if ev.Partial || ev.Content.IsEmpty() {
		s.logger.Debug(ctx, "event not persisted", "session", sess.ID, "event", ev.ID, "partial", ev.Partial)
		s.metrics.IncCounter("session.events.skipped", 1)
		return ev, nil
	}
	ctx, span, done := s.observe(ctx, "append_event")
	defer func() { done(err) }()

	if ev.ID == "" {
		ev.ID = s.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	deltas := state.Split(ev.Actions.StateDelta)

	var (
		committed time.Time
		seq       int64
	)
	err = s.backend.Update(ctx, func(ctx context.Context, tx Tx) error {
		rec, err := tx.LoadSession(ctx, sess.AppName, sess.UserID, sess.ID)
		if err != nil {
			return err
		}
		if rec.UpdateTime.After(sess.LastUpdateTime) {
			return fmt.Errorf("%w: session %q stored update time %s is newer than %s",
				ErrStaleSession, sess.ID, rec.UpdateTime.Format(time.RFC3339Nano), sess.LastUpdateTime.Format(time.RFC3339Nano))
		}
		committed = s.nextToken(rec.UpdateTime)
		if len(deltas.App) > 0 {
			if _, err := tx.UpsertApplicationStateDelta(ctx, rec.AppName, deltas.App, committed); err != nil {
				return err
			}
		}
		if len(deltas.User) > 0 {
			if _, err := tx.UpsertUserStateDelta(ctx, rec.AppName, rec.UserID, deltas.User, committed); err != nil {
				return err
			}
		}
		expected := rec.UpdateTime
		rec.State = rec.State.Apply(deltas.Session)
		rec.UpdateTime = committed
		rec.EventSeq++
		seq = rec.EventSeq
		if err := tx.UpdateSession(ctx, rec, expected); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, toEventRecord(rec, ev)); err != nil {
			if errors.Is(err, ErrConflict) {
				return fmt.Errorf("event %q: %w", ev.ID, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "append event aborted", "session", sess.ID, "event", ev.ID, "err", err)
		return nil, err
	}

	span.AddEvent("event.committed", "event", ev.ID, "seq", seq, "token", committed.Format(time.RFC3339Nano))
	sess.LastUpdateTime = committed
	if len(ev.Actions.StateDelta) > 0 {
		sess.State = sess.ensureState().Apply(ev.Actions.StateDelta.WithoutTemp())
	}
	sess.Events = append(sess.Events, ev)
	s.metrics.IncCounter("session.events.appended", 1)

	if s.feed != nil {
		if ferr := s.feed.EventAppended(ctx, sess.Summary(), ev); ferr != nil {
			s.logger.Warn(ctx, "feed event appended failed", "session", sess.ID, "event", ev.ID, "err", ferr)
		}
	}
	return ev, nil
}

// ListEvents returns every event of a session in ascending timestamp order.
// Events whose content could not be fully decoded are still returned; their
// Decode field reports the failure.
func (s *Service) ListEvents(ctx context.Context, appName, userID, sessionID string) (_ []*Event, err error) {
	ctx, span, done := s.observe(ctx, "list_events")
	defer func() { done(err) }()

	var records []EventRecord
	err = s.backend.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		records, err = tx.ListEvents(ctx, appName, userID, sessionID, EventQuery{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.decodeEvents(ctx, span, records), nil
}

// nextToken returns the update time committed by an append: the current
// time, or one tick after prev when the clock has not moved past it.
func (s *Service) nextToken(prev time.Time) time.Time {
	next := s.now().UTC().Truncate(tokenResolution)
	if floor := prev.Add(tokenResolution); next.Before(floor) {
		next = floor
	}
	return next
}

func (s *Service) decodeEvents(ctx context.Context, span telemetry.Span, records []EventRecord) []*Event {
	events := make([]*Event, 0, len(records))
	for _, rec := range records {
		ev := fromEventRecord(rec)
		if ev.Decode.Err != nil {
			s.logger.Warn(ctx, "event content decoded with errors", "event", ev.ID, "status", string(ev.Decode.Status), "err", ev.Decode.Err)
			s.metrics.IncCounter("session.events.malformed", 1, "status", string(ev.Decode.Status))
			span.AddEvent("event.decode_failed", "event", ev.ID, "status", string(ev.Decode.Status))
		}
		events = append(events, ev)
	}
	return events
}

// observe opens a span for op and returns it with a function that records
// its outcome and ends it.
func (s *Service) observe(ctx context.Context, op string) (context.Context, telemetry.Span, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "session."+op)
	return ctx, span, func(err error) {
		s.metrics.RecordTimer("session.op.duration", time.Since(start), "op", op)
		if err != nil {
			s.metrics.IncCounter("session.op.errors", 1, "op", op)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func requireOwner(appName, userID string) error {
	if appName == "" {
		return errors.New("app name is required")
	}
	if userID == "" {
		return errors.New("user id is required")
	}
	return nil
}
