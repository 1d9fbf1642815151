package session

import (
	"time"

	"github.com/google/uuid"

	"goa.design/agent-sessions/runtime/telemetry"
)

type (
	// Option configures a Service.
	Option func(*options)

	options struct {
		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
		now     func() time.Time
		newID   func() string
		feed    Feed
	}
)

// WithLogger sets the logger. Defaults to the Clue logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer. Defaults to the global OTEL tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMetrics sets the metrics recorder. Defaults to the global OTEL meter.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the clock used for session and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides the generator of session and event ids.
// Defaults to random UUIDs.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithFeed registers a feed notified after each committed append or delete.
func WithFeed(f Feed) Option {
	return func(o *options) { o.feed = f }
}

func defaultOptions() options {
	return options{
		logger:  telemetry.NewClueLogger(),
		tracer:  telemetry.NewOTELTracer(),
		metrics: telemetry.NewOTELMetrics(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}
