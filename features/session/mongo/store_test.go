package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	mockmongo "goa.design/agent-sessions/features/session/mongo/clients/mongo/mocks"
	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/inmem"
	"goa.design/agent-sessions/runtime/session/state"
	"goa.design/agent-sessions/runtime/telemetry"
)

func newTestStore(t *testing.T, client *mockmongo.Client) *Store {
	t.Helper()
	store, err := NewStore(Options{
		Client: client,
		Service: []session.Option{
			session.WithLogger(telemetry.NewNoopLogger()),
			session.WithTracer(telemetry.NewNoopTracer()),
			session.WithMetrics(telemetry.NewNoopMetrics()),
		},
	})
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestHealthDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	mockClient.AddName(func() string { return "session-mongo" })
	mockClient.AddPing(func(ctx context.Context) error { return errors.New("down") })
	store := newTestStore(t, mockClient)

	require.Equal(t, "session-mongo", store.Name())
	require.EqualError(t, store.Ping(context.Background()), "down")
	require.False(t, mockClient.HasMore())
}

func TestCreateSessionRunsOneUpdate(t *testing.T) {
	backend := inmem.New()
	mockClient := mockmongo.NewClient(t)
	mockClient.AddUpdate(func(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
		return backend.Update(ctx, fn)
	})
	mockClient.AddView(func(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
		return backend.View(ctx, fn)
	})
	store := newTestStore(t, mockClient)

	created, err := store.CreateSession(context.Background(), "app", "u1", "s1", state.Map{"k": "v", "app:a": 1})
	require.NoError(t, err)
	require.Equal(t, state.Map{"k": "v", "app:a": 1}, created.State)

	got, err := store.GetSession(context.Background(), "app", "u1", "s1", nil)
	require.NoError(t, err)
	require.Equal(t, created.State, got.State)
	require.False(t, mockClient.HasMore())
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	backend := inmem.New()
	mockClient := mockmongo.NewClient(t)
	mockClient.AddView(func(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
		return backend.View(ctx, fn)
	})
	store := newTestStore(t, mockClient)

	got, err := store.GetSession(context.Background(), "app", "u1", "missing", nil)
	require.NoError(t, err)
	require.Nil(t, got)
	require.False(t, mockClient.HasMore())
}

func TestAppendEventSurfacesConflict(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	mockClient.AddUpdate(func(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
		return fmt.Errorf("%w: write conflict", session.ErrConflict)
	})
	store := newTestStore(t, mockClient)

	sess := &session.Session{ID: "s1", AppName: "app", UserID: "u1", State: state.Map{}}
	_, err := store.AppendEvent(context.Background(), sess, &session.Event{
		Author:  "user",
		Content: &content.Content{Parts: []content.Part{{Text: "hi"}}},
	})
	require.ErrorIs(t, err, session.ErrConflict)
	require.Empty(t, sess.Events)
	require.False(t, mockClient.HasMore())
}

func TestDeleteSessionSurfacesErrors(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	mockClient.AddUpdate(func(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
		return errors.New("network")
	})
	store := newTestStore(t, mockClient)

	require.EqualError(t, store.DeleteSession(context.Background(), "app", "u1", "s1"), "network")
	require.False(t, mockClient.HasMore())
}
