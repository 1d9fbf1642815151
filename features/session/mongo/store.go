package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agent-sessions/features/session/mongo/clients/mongo"
	"goa.design/agent-sessions/runtime/session"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
	// Service configures the session service (logger, tracer, feed...).
	Service []session.Option
}

// Store runs the session service on top of the Mongo client.
type Store struct {
	*session.Service
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed session store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	svc, err := session.NewService(opts.Client, opts.Service...)
	if err != nil {
		return nil, err
	}
	return &Store{Service: svc, client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options, svcOpts ...session.Option) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client, Service: svcOpts})
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return s.client.Name()
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
