package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	feedpulse "goa.design/agent-sessions/features/feed/pulse"
	clientspulse "goa.design/agent-sessions/features/feed/pulse/clients/pulse"
	mockpulse "goa.design/agent-sessions/features/feed/pulse/clients/pulse/mocks"
	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/inmem"
	"goa.design/agent-sessions/runtime/telemetry"
)

type fakePinger struct {
	err error
}

func (fakePinger) Name() string { return "fake-sessions" }
func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := session.NewService(inmem.New(),
		session.WithLogger(telemetry.NewNoopLogger()),
		session.WithTracer(telemetry.NewNoopTracer()),
		session.WithMetrics(telemetry.NewNoopMetrics()),
		session.WithClock(func() time.Time {
			now = now.Add(time.Second)
			return now
		}),
	)
	require.NoError(t, err)
	var out bytes.Buffer
	return &app{svc: svc, pinger: fakePinger{}, out: &out}, &out
}

func runCommand(t *testing.T, a *app, out *bytes.Buffer, line string) error {
	t.Helper()
	out.Reset()
	args := strings.Fields(line)
	return a.dispatch(context.Background(), args[0], args[1:])
}

func TestCreateAppendGet(t *testing.T) {
	a, out := newTestApp(t)

	require.NoError(t, runCommand(t, a, out, `create -app support -user alice -id s1 -state {"user:lang":"en","temp:x":1}`))
	var created sessionView
	require.NoError(t, json.Unmarshal(out.Bytes(), &created))
	require.Equal(t, "s1", created.ID)
	require.Equal(t, "en", created.State["user:lang"])
	require.NotContains(t, created.State, "temp:x")

	require.NoError(t, runCommand(t, a, out, `append -app support -user alice -id s1 -author user -text hello -delta {"count":1}`))
	var ev eventView
	require.NoError(t, json.Unmarshal(out.Bytes(), &ev))
	require.NotEmpty(t, ev.ID)
	require.Equal(t, "hello", ev.Content.Parts[0].Text)

	require.NoError(t, runCommand(t, a, out, "append -app support -user alice -id s1 -author model -text hi -turn-complete"))

	require.NoError(t, runCommand(t, a, out, "get -app support -user alice -id s1 -recent 1"))
	var got sessionView
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, float64(1), got.State["count"])
	require.Len(t, got.Events, 1)
	require.Equal(t, "model", got.Events[0].Author)
	require.True(t, got.Events[0].TurnComplete)

	require.NoError(t, runCommand(t, a, out, "get -app support -user alice -id s1 -after "+ev.Timestamp.Format(time.RFC3339Nano)))
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Events, 1)

	require.NoError(t, runCommand(t, a, out, "events -app support -user alice -id s1"))
	var events []eventView
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 2)
	require.Equal(t, ev.ID, events[0].ID)
}

func TestListAndDelete(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, out, "create -app support -user alice -id s1"))
	require.NoError(t, runCommand(t, a, out, "create -app support -user alice -id s2"))
	require.NoError(t, runCommand(t, a, out, "create -app support -user bob -id s3"))

	require.NoError(t, runCommand(t, a, out, "list -app support -user alice"))
	var sums []sessionView
	require.NoError(t, json.Unmarshal(out.Bytes(), &sums))
	require.Len(t, sums, 2)
	require.Equal(t, "s1", sums[0].ID)
	require.Empty(t, sums[0].State)

	require.NoError(t, runCommand(t, a, out, "delete -app support -user alice -id s1"))
	require.NoError(t, runCommand(t, a, out, "delete -app support -user alice -id s1"))
	err := runCommand(t, a, out, "get -app support -user alice -id s1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestCommandErrors(t *testing.T) {
	a, out := newTestApp(t)
	cases := []struct {
		line string
		want string
	}{
		{"frobnicate", `unknown command "frobnicate"`},
		{"get -app support", "get: missing -user, -id"},
		{"create -app a -user u -state {bad", "create: -state"},
		{"append -app a -user u -id s1", "append: missing -author"},
		{"append -app a -user u -id missing -author user", "not found"},
		{"get -app a -user u -id s1 -after yesterday", "get: -after"},
		{"list -app a -user u extra", "list: unexpected arguments"},
		{"tail -app a -user u -id s1", "tail: redis.addr is not configured"},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			err := runCommand(t, a, out, c.line)
			require.ErrorContains(t, err, c.want)
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, out, "create -app support -user alice -id s1"))
	err := runCommand(t, a, out, "create -app support -user alice -id s1")
	require.ErrorIs(t, err, session.ErrDuplicateSession)
}

func TestPing(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, runCommand(t, a, out, "ping"))
	require.JSONEq(t, `{"name":"fake-sessions","status":"OK"}`, out.String())

	a.pinger = fakePinger{err: errors.New("down")}
	require.EqualError(t, runCommand(t, a, out, "ping"), "down")
	require.JSONEq(t, `{"name":"fake-sessions","status":"NOT OK"}`, out.String())
}

func TestTailPrintsEnvelopes(t *testing.T) {
	a, out := newTestApp(t)
	client := mockpulse.NewClient(t)
	str := mockpulse.NewStream(t)
	sink := mockpulse.NewSink(t)
	eventCh := make(chan *streaming.Event, 1)
	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "session/s1", name)
		return str, nil
	})
	str.AddNewSink(func(_ context.Context, _ string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
		require.Len(t, opts, 1)
		return sink, nil
	})
	sink.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sink.AddAck(func(context.Context, *streaming.Event) error { return nil })
	sink.AddClose(func(context.Context) {})
	sub, err := feedpulse.NewSubscriber(feedpulse.SubscriberOptions{Client: client})
	require.NoError(t, err)
	a.sub = sub

	msg, err := json.Marshal(feedpulse.Envelope{Type: feedpulse.EventAppended, SessionID: "s1", EventID: "e1"})
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: msg}
	close(eventCh)

	require.NoError(t, runCommand(t, a, out, "tail -app support -user alice -id s1 -from-start"))
	var env feedpulse.Envelope
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	require.Equal(t, "e1", env.EventID)
	require.False(t, sink.HasMore())
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	require.ErrorIs(t, run(context.Background(), nil, &out), errUsage)
	require.ErrorIs(t, run(context.Background(), []string{"-nope"}, &out), errUsage)
}
