// Package pulse wraps the Pulse streaming API with the narrow surface the
// session feed needs. Callers own the Redis connection: they build it, hand it
// to New and close it once the feed is no longer used.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the session streams. Required.
		Redis *redis.Client
		// MaxLen caps the number of entries retained per session stream. Zero
		// keeps the Pulse default.
		MaxLen int
		// Timeout bounds each Add and Destroy call. Zero disables the bound.
		Timeout time.Duration
	}

	// Client opens session streams.
	Client interface {
		// Stream returns the named stream, creating it on first use.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The Redis connection is left open.
		Close(ctx context.Context) error
	}

	// Stream is one session stream.
	Stream interface {
		// Add publishes payload under the event name and returns the entry id
		// assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy removes the stream and every entry in it.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}
)

type (
	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	stream struct {
		name    string
		pulse   *streaming.Stream
		timeout time.Duration
	}

	sink struct {
		*streaming.Sink
	}
)

// New returns a client publishing to Redis through Pulse.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.MaxLen < 0 {
		return nil, fmt.Errorf("invalid stream max length %d", opts.MaxLen)
	}
	return &client{redis: opts.Redis, maxLen: opts.MaxLen, timeout: opts.Timeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	s, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", name, err)
	}
	return &stream{name: name, pulse: s, timeout: c.timeout}, nil
}

// Close is a no-op: the Redis connection belongs to the caller.
func (c *client) Close(context.Context) error {
	return nil
}

func (s *stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	id, err := s.pulse.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("add to stream %q: %w", s.name, err)
	}
	return id, nil
}

func (s *stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	snk, err := s.pulse.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("open sink %q on stream %q: %w", name, s.name, err)
	}
	return sink{Sink: snk}, nil
}

func (s *stream) Destroy(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.pulse.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy stream %q: %w", s.name, err)
	}
	return nil
}

func (s *stream) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close drops the error-free signature of streaming.Sink.Close.
func (s sink) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
