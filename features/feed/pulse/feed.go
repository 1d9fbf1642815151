// Package pulse publishes committed session changes to goa.design/pulse
// streams so other processes can follow a conversation as it happens. Each
// session gets its own stream, named "session/<id>" by default. Streams are
// destroyed when their session is deleted.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/time/rate"

	clientspulse "goa.design/agent-sessions/features/feed/pulse/clients/pulse"
	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/state"
)

// EventAppended is the envelope type published for committed events.
const EventAppended = "event_appended"

type (
	// Options configures the feed.
	Options struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// StreamID names the stream of a session. Defaults to StreamID.
		StreamID func(session.Summary) string
		// Limiter throttles publishing when set. Takes precedence over
		// PerSecond and Burst.
		Limiter *rate.Limiter
		// PerSecond and Burst build a limiter when Limiter is nil and
		// PerSecond is positive. Burst defaults to 1.
		PerSecond float64
		Burst     int
	}

	// Feed implements session.Feed on top of Pulse.
	Feed struct {
		client   clientspulse.Client
		streamID func(session.Summary) string
		limiter  *rate.Limiter
	}

	// Envelope is the JSON document published for each change.
	Envelope struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		AppName   string          `json:"app_name"`
		UserID    string          `json:"user_id"`
		EventID   string          `json:"event_id,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// EventPayload is the JSON form of a committed event. Inline data is
	// base64 encoded as in storage.
	EventPayload struct {
		InvocationID       string            `json:"invocation_id,omitempty"`
		Author             string            `json:"author"`
		Branch             string            `json:"branch,omitempty"`
		Content            *content.Stored   `json:"content,omitempty"`
		StateDelta         state.Map         `json:"state_delta,omitempty"`
		ArtifactDelta      map[string]int    `json:"artifact_delta,omitempty"`
		TransferToAgent    string            `json:"transfer_to_agent,omitempty"`
		Escalate           bool              `json:"escalate,omitempty"`
		TurnComplete       bool              `json:"turn_complete,omitempty"`
		Interrupted        bool              `json:"interrupted,omitempty"`
		ErrorCode          string            `json:"error_code,omitempty"`
		ErrorMessage       string            `json:"error_message,omitempty"`
		LongRunningToolIDs []string          `json:"long_running_tool_ids,omitempty"`
		CustomMetadata     map[string]string `json:"custom_metadata,omitempty"`
	}
)

var _ session.Feed = (*Feed)(nil)

// New returns a feed publishing through opts.Client.
func New(opts Options) (*Feed, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	f := &Feed{client: opts.Client, streamID: StreamID, limiter: opts.Limiter}
	if opts.StreamID != nil {
		f.streamID = opts.StreamID
	}
	if f.limiter == nil && opts.PerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.PerSecond), burst)
	}
	return f, nil
}

// StreamID returns "session/<id>".
func StreamID(sess session.Summary) string {
	return "session/" + sess.ID
}

// EventAppended publishes ev to the stream of sess. It blocks while the
// limiter is exhausted and fails when ctx ends first.
func (f *Feed) EventAppended(ctx context.Context, sess session.Summary, ev *session.Event) error {
	if ev == nil {
		return errors.New("event is required")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("feed throttled: %w", err)
		}
	}
	body, err := json.Marshal(toPayload(ev))
	if err != nil {
		return fmt.Errorf("encode event %q: %w", ev.ID, err)
	}
	env := Envelope{
		Type:      EventAppended,
		SessionID: sess.ID,
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		EventID:   ev.ID,
		Timestamp: ev.Timestamp.UTC(),
		Payload:   body,
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	str, err := f.client.Stream(f.streamID(sess))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, env.Type, msg)
	return err
}

// SessionDeleted destroys the stream of sess. Subscribers still attached
// stop receiving entries.
func (f *Feed) SessionDeleted(ctx context.Context, sess session.Summary) error {
	str, err := f.client.Stream(f.streamID(sess))
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}

func toPayload(ev *session.Event) EventPayload {
	return EventPayload{
		InvocationID:       ev.InvocationID,
		Author:             ev.Author,
		Branch:             ev.Branch,
		Content:            content.Encode(ev.Content),
		StateDelta:         ev.Actions.StateDelta.WithoutTemp(),
		ArtifactDelta:      maps.Clone(ev.Actions.ArtifactDelta),
		TransferToAgent:    ev.Actions.TransferToAgent,
		Escalate:           ev.Actions.Escalate,
		TurnComplete:       ev.TurnComplete,
		Interrupted:        ev.Interrupted,
		ErrorCode:          ev.ErrorCode,
		ErrorMessage:       ev.ErrorMessage,
		LongRunningToolIDs: slices.Clone(ev.LongRunningToolIDs),
		CustomMetadata:     maps.Clone(ev.CustomMetadata),
	}
}
