package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agent-sessions/features/feed/pulse/clients/pulse"
	"goa.design/agent-sessions/runtime/session"
)

const (
	defaultSinkName = "session_tail"
	defaultBuffer   = 64
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads from Pulse. Required.
		Client clientspulse.Client
		// SinkName names the consumer group. Defaults to "session_tail".
		SinkName string
		// Buffer is the capacity of the envelope channel. Defaults to 64.
		Buffer int
		// StreamID must match the StreamID of the publishing feed. Defaults to
		// StreamID.
		StreamID func(session.Summary) string
	}

	// Subscriber follows the stream of one session.
	Subscriber struct {
		client   clientspulse.Client
		sinkName string
		buffer   int
		streamID func(session.Summary) string
	}
)

// NewSubscriber returns a subscriber reading through opts.Client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client:   opts.Client,
		sinkName: opts.SinkName,
		buffer:   opts.Buffer,
		streamID: opts.StreamID,
	}
	if s.sinkName == "" {
		s.sinkName = defaultSinkName
	}
	if s.buffer <= 0 {
		s.buffer = defaultBuffer
	}
	if s.streamID == nil {
		s.streamID = StreamID
	}
	return s, nil
}

// Subscribe opens a sink on the stream of sess. Envelopes are delivered in
// stream order and acknowledged once handed over. Both channels close when
// the returned cancel function is called, when ctx ends, when the stream is
// destroyed or after the first error.
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, sess.Summary())
//	defer cancel()
//	for env := range envs {
//	    // render env
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sess session.Summary,
	opts ...streamopts.Sink,
) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	if sess.ID == "" {
		return nil, nil, nil, errors.New("session id is required")
	}
	str, err := s.client.Stream(s.streamID(sess))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.sinkName, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(runCtx, sink, envs, errs)
	}()
	stop := func() {
		cancel()
		<-done
		sink.Close(context.Background())
	}
	return envs, errs, stop, nil
}

func consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("decode envelope %s: %w", evt.ID, err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("ack %s: %w", evt.ID, err)
				return
			}
		}
	}
}
