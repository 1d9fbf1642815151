// Package mongo hosts the MongoDB client used by the session store.
//
// Sessions, events, application state and user state live in four
// collections of one database. Units of work run by Update execute inside a
// multi-document transaction, which requires a replica set or sharded
// cluster.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"goa.design/agent-sessions/runtime/session"
)

const (
	defaultSessionsCollection   = "sessions"
	defaultEventsCollection     = "events"
	defaultAppStatesCollection  = "app_states"
	defaultUserStatesCollection = "user_states"
	defaultOpTimeout            = 5 * time.Second
	sessionClientName           = "session-mongo"

	// writeConflictCode is the server error code reported when a transaction
	// loses a race against a concurrent write.
	writeConflictCode = 112
)

// Client exposes the Mongo-backed session backend.
type Client interface {
	session.Backend
}

// Options configures the Mongo session client.
type Options struct {
	// Client is the connected Mongo client. The caller owns it.
	Client *mongodriver.Client
	// Database is the name of the database holding the collections.
	Database string
	// SessionsCollection defaults to "sessions".
	SessionsCollection string
	// EventsCollection defaults to "events".
	EventsCollection string
	// AppStatesCollection defaults to "app_states".
	AppStatesCollection string
	// UserStatesCollection defaults to "user_states".
	UserStatesCollection string
	// Timeout bounds each View or Update call. Defaults to 5s.
	Timeout time.Duration
}

type (
	client struct {
		mongo   *mongodriver.Client
		txn     transactor
		colls   collections
		timeout time.Duration
	}

	collections struct {
		sessions collection
		events   collection
		apps     collection
		users    collection
	}

	// transactor runs fn inside one transaction, committing when fn returns
	// nil and aborting otherwise.
	transactor interface {
		run(ctx context.Context, fn func(ctx context.Context) error) error
	}

	mongoTransactor struct {
		client *mongodriver.Client
	}
)

// New returns a Client backed by MongoDB. It pings the deployment and
// returns an error wrapping session.ErrUnavailable when it cannot be
// reached, then ensures the collection indexes exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	colls := collections{
		sessions: mongoCollection{coll: db.Collection(orDefault(opts.SessionsCollection, defaultSessionsCollection))},
		events:   mongoCollection{coll: db.Collection(orDefault(opts.EventsCollection, defaultEventsCollection))},
		apps:     mongoCollection{coll: db.Collection(orDefault(opts.AppStatesCollection, defaultAppStatesCollection))},
		users:    mongoCollection{coll: db.Collection(orDefault(opts.UserStatesCollection, defaultUserStatesCollection))},
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := opts.Client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrUnavailable, err)
	}
	if err := ensureIndexes(ctx, colls); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, mongoTransactor{client: opts.Client}, colls, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// View runs fn with plain reads outside any transaction.
func (c *client) View(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return fn(ctx, &tx{colls: c.colls})
}

// Update runs fn inside a transaction. fn is not retried when the
// transaction aborts; write conflicts surface as session.ErrConflict.
func (c *client) Update(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.txn.run(ctx, func(ctx context.Context) error {
		return fn(ctx, &tx{colls: c.colls})
	})
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (t mongoTransactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := t.client.StartSession()
	if err != nil {
		return err
	}
	// Cleanup must run even when ctx expired.
	cleanup := context.WithoutCancel(ctx)
	defer sess.EndSession(cleanup)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txnOpts); err != nil {
		return err
	}
	sctx := mongodriver.NewSessionContext(ctx, sess)
	if err := fn(sctx); err != nil {
		_ = sess.AbortTransaction(cleanup)
		return mapError(err)
	}
	if err := sess.CommitTransaction(sctx); err != nil {
		_ = sess.AbortTransaction(cleanup)
		return mapError(err)
	}
	return nil
}

// mapError translates driver errors into session errors. Errors that
// already carry a session sentinel are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrConflict) || errors.Is(err, session.ErrNotFound) {
		return err
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", session.ErrConflict, err)
	}
	var se mongodriver.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(writeConflictCode) || se.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("%w: %w", session.ErrConflict, err)
	}
	return err
}

func ensureIndexes(ctx context.Context, colls collections) error {
	sessionOwnerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "app_name", Value: 1},
			{Key: "user_id", Value: 1},
		},
	}
	if _, err := colls.sessions.Indexes().CreateOne(ctx, sessionOwnerIndex); err != nil {
		return err
	}
	eventOrderIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "timestamp", Value: 1},
			{Key: "seq", Value: 1},
		},
	}
	if _, err := colls.events.Indexes().CreateOne(ctx, eventOrderIndex); err != nil {
		return err
	}
	eventOwnerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "app_name", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
	}
	if _, err := colls.events.Indexes().CreateOne(ctx, eventOwnerIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, txn transactor, colls collections, timeout time.Duration) (*client, error) {
	if colls.sessions == nil || colls.events == nil || colls.apps == nil || colls.users == nil {
		return nil, errors.New("collections are required")
	}
	if txn == nil {
		return nil, errors.New("transactor is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		txn:     txn,
		colls:   colls,
		timeout: timeout,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
