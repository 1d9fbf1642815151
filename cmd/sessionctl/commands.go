package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"goa.design/clue/health"
	streamopts "goa.design/pulse/streaming/options"

	feedpulse "goa.design/agent-sessions/features/feed/pulse"
	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/state"
)

type (
	// app runs sessionctl commands against a session service.
	app struct {
		svc    *session.Service
		pinger health.Pinger
		// sub is nil when no Redis address is configured.
		sub *feedpulse.Subscriber
		out io.Writer
	}

	command struct {
		usage string
		run   func(a *app, ctx context.Context, args []string) error
	}

	sessionView struct {
		ID             string      `json:"id"`
		AppName        string      `json:"app_name"`
		UserID         string      `json:"user_id"`
		LastUpdateTime time.Time   `json:"last_update_time"`
		State          state.Map   `json:"state,omitempty"`
		Events         []eventView `json:"events,omitempty"`
	}

	eventView struct {
		ID           string          `json:"id"`
		InvocationID string          `json:"invocation_id,omitempty"`
		Author       string          `json:"author"`
		Branch       string          `json:"branch,omitempty"`
		Timestamp    time.Time       `json:"timestamp"`
		Content      *content.Stored `json:"content,omitempty"`
		StateDelta   state.Map       `json:"state_delta,omitempty"`
		TurnComplete bool            `json:"turn_complete,omitempty"`
		ErrorCode    string          `json:"error_code,omitempty"`
		ErrorMessage string          `json:"error_message,omitempty"`
		Decode       string          `json:"decode,omitempty"`
	}
)

// errUsage reports a command line error. The usage has already been printed.
var errUsage = errors.New("invalid usage")

var commands = map[string]command{
	"ping":   {"ping", (*app).ping},
	"create": {"create -app APP -user USER [-id ID] [-state JSON]", (*app).create},
	"get":    {"get -app APP -user USER -id ID [-recent N] [-after RFC3339]", (*app).get},
	"list":   {"list -app APP -user USER", (*app).list},
	"events": {"events -app APP -user USER -id ID", (*app).events},
	"append": {"append -app APP -user USER -id ID -author AUTHOR [-text TEXT] [-delta JSON] [-turn-complete]", (*app).appendEvent},
	"delete": {"delete -app APP -user USER -id ID", (*app).delete},
	"tail":   {"tail -app APP -user USER -id ID [-from-start]", (*app).tail},
}

func commandUsage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	return b.String()
}

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, available commands:\n%s", name, commandUsage())
	}
	return cmd.run(a, ctx, args)
}

// sessionFlags registers the -app, -user and optionally -id flags.
type sessionFlags struct {
	fs   *flag.FlagSet
	app  *string
	user *string
	id   *string
}

func newSessionFlags(name string, withID bool) *sessionFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &sessionFlags{
		fs:   fs,
		app:  fs.String("app", "", "application name"),
		user: fs.String("user", "", "user id"),
	}
	if withID {
		f.id = fs.String("id", "", "session id")
	}
	return f
}

// parse parses args and checks that the required flags are set. id is
// required when requireID is true.
func (f *sessionFlags) parse(args []string, requireID bool) error {
	if err := f.fs.Parse(args); err != nil {
		return errUsage
	}
	var missing []string
	if *f.app == "" {
		missing = append(missing, "-app")
	}
	if *f.user == "" {
		missing = append(missing, "-user")
	}
	if requireID && *f.id == "" {
		missing = append(missing, "-id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", f.fs.Name(), strings.Join(missing, ", "))
	}
	if f.fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments %v", f.fs.Name(), f.fs.Args())
	}
	return nil
}

func (a *app) ping(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("ping: unexpected arguments %v", args)
	}
	status := "OK"
	err := a.pinger.Ping(ctx)
	if err != nil {
		status = "NOT OK"
	}
	if werr := a.write(map[string]string{"name": a.pinger.Name(), "status": status}); werr != nil {
		return werr
	}
	return err
}

func (a *app) create(ctx context.Context, args []string) error {
	f := newSessionFlags("create", true)
	initial := f.fs.String("state", "", "initial state as a JSON object")
	if err := f.parse(args, false); err != nil {
		return err
	}
	st, err := parseState(*initial)
	if err != nil {
		return fmt.Errorf("create: -state: %w", err)
	}
	sess, err := a.svc.CreateSession(ctx, *f.app, *f.user, *f.id, st)
	if err != nil {
		return err
	}
	return a.write(toSessionView(sess))
}

func (a *app) get(ctx context.Context, args []string) error {
	f := newSessionFlags("get", true)
	recent := f.fs.Int("recent", 0, "only return the N most recent events")
	after := f.fs.String("after", "", "only return events strictly after this RFC3339 time")
	if err := f.parse(args, true); err != nil {
		return err
	}
	cfg := &session.GetConfig{NumRecentEvents: *recent}
	if *after != "" {
		ts, err := time.Parse(time.RFC3339Nano, *after)
		if err != nil {
			return fmt.Errorf("get: -after: %w", err)
		}
		cfg.AfterTimestamp = ts
	}
	sess, err := a.svc.GetSession(ctx, *f.app, *f.user, *f.id, cfg)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %q: %w", *f.id, session.ErrNotFound)
	}
	return a.write(toSessionView(sess))
}

func (a *app) list(ctx context.Context, args []string) error {
	f := newSessionFlags("list", false)
	if err := f.parse(args, false); err != nil {
		return err
	}
	sums, err := a.svc.ListSessions(ctx, *f.app, *f.user)
	if err != nil {
		return err
	}
	views := make([]sessionView, len(sums))
	for i, s := range sums {
		views[i] = sessionView{ID: s.ID, AppName: s.AppName, UserID: s.UserID, LastUpdateTime: s.LastUpdateTime}
	}
	return a.write(views)
}

func (a *app) events(ctx context.Context, args []string) error {
	f := newSessionFlags("events", true)
	if err := f.parse(args, true); err != nil {
		return err
	}
	events, err := a.svc.ListEvents(ctx, *f.app, *f.user, *f.id)
	if err != nil {
		return err
	}
	return a.write(toEventViews(events))
}

func (a *app) appendEvent(ctx context.Context, args []string) error {
	f := newSessionFlags("append", true)
	author := f.fs.String("author", "", "event author")
	text := f.fs.String("text", "", "text content")
	delta := f.fs.String("delta", "", "state delta as a JSON object")
	invocation := f.fs.String("invocation", "", "invocation id")
	turnComplete := f.fs.Bool("turn-complete", false, "mark the event as the last of its turn")
	if err := f.parse(args, true); err != nil {
		return err
	}
	if *author == "" {
		return errors.New("append: missing -author")
	}
	st, err := parseState(*delta)
	if err != nil {
		return fmt.Errorf("append: -delta: %w", err)
	}
	sess, err := a.svc.GetSession(ctx, *f.app, *f.user, *f.id, &session.GetConfig{NumRecentEvents: 1})
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %q: %w", *f.id, session.ErrNotFound)
	}
	ev := &session.Event{
		InvocationID: *invocation,
		Author:       *author,
		Content:      &content.Content{Role: *author, Parts: []content.Part{{Text: *text}}},
		Actions:      session.Actions{StateDelta: st},
		TurnComplete: *turnComplete,
	}
	ev, err = a.svc.AppendEvent(ctx, sess, ev)
	if err != nil {
		return err
	}
	return a.write(toEventView(ev))
}

func (a *app) delete(ctx context.Context, args []string) error {
	f := newSessionFlags("delete", true)
	if err := f.parse(args, true); err != nil {
		return err
	}
	return a.svc.DeleteSession(ctx, *f.app, *f.user, *f.id)
}

// tail prints the envelopes published for a session, one JSON document per
// line, until ctx is canceled or the stream is destroyed.
func (a *app) tail(ctx context.Context, args []string) error {
	f := newSessionFlags("tail", true)
	fromStart := f.fs.Bool("from-start", false, "replay the entries already in the stream")
	if err := f.parse(args, true); err != nil {
		return err
	}
	if a.sub == nil {
		return errors.New("tail: redis.addr is not configured")
	}
	var opts []streamopts.Sink
	if *fromStart {
		opts = append(opts, streamopts.WithSinkStartAtOldest())
	}
	envs, errs, cancel, err := a.sub.Subscribe(ctx, session.Summary{ID: *f.id, AppName: *f.app, UserID: *f.user}, opts...)
	if err != nil {
		return err
	}
	defer cancel()
	enc := json.NewEncoder(a.out)
	for env := range envs {
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
	return <-errs
}

func (a *app) write(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseState(raw string) (state.Map, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return state.Map(m), nil
}

func toSessionView(s *session.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		AppName:        s.AppName,
		UserID:         s.UserID,
		LastUpdateTime: s.LastUpdateTime,
		State:          s.State,
		Events:         toEventViews(s.Events),
	}
}

func toEventViews(events []*session.Event) []eventView {
	views := make([]eventView, len(events))
	for i, ev := range events {
		views[i] = toEventView(ev)
	}
	return views
}

func toEventView(ev *session.Event) eventView {
	v := eventView{
		ID:           ev.ID,
		InvocationID: ev.InvocationID,
		Author:       ev.Author,
		Branch:       ev.Branch,
		Timestamp:    ev.Timestamp,
		Content:      content.Encode(ev.Content),
		StateDelta:   ev.Actions.StateDelta,
		TurnComplete: ev.TurnComplete,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
	}
	if ev.Decode.Status != "" && ev.Decode.Status != content.DecodeOK {
		v.Decode = string(ev.Decode.Status)
	}
	return v
}
