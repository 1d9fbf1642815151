// Package session persists conversational sessions, their tiered state and an
// append-only history of events.
//
// A Session belongs to one user of one application. Its state is the merge
// of three tiers: application state shared by every user, user state shared
// by every session of that user, and state private to the session (see
// package state). Events are immutable once written; each event may carry a
// state delta that is applied to the tiers in the same atomic unit of work
// that records the event.
//
// Service implements the session lifecycle on top of a Backend. The
// session's last update time acts as an optimistic concurrency token:
// AppendEvent fails with ErrStaleSession when the stored session changed
// after the caller last read it.
package session

import (
	"time"

	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/state"
)

type (
	// Session is a hydrated session as returned by CreateSession and
	// GetSession.
	Session struct {
		// ID is the session identifier.
		ID string
		// AppName is the owning application.
		AppName string
		// UserID is the owning user.
		UserID string
		// State is the merged view of the application, user and session
		// tiers. Application and user keys carry their tier prefix.
		State state.Map
		// Events holds the session events in chronological order.
		Events []*Event
		// CreateTime is when the session was created.
		CreateTime time.Time
		// LastUpdateTime is the optimistic concurrency token. AppendEvent
		// advances it on success.
		LastUpdateTime time.Time
	}

	// Summary describes a session without its state or events.
	Summary struct {
		ID             string
		AppName        string
		UserID         string
		LastUpdateTime time.Time
	}

	// Event is one immutable entry of a session history.
	Event struct {
		// ID uniquely identifies the event. Generated when empty.
		ID string
		// InvocationID groups the events of one logical turn.
		InvocationID string
		// Author identifies the producer, e.g. "user" or an agent name.
		Author string
		// Branch optionally tags the agent hierarchy path that produced the
		// event.
		Branch string
		// Content is the event payload. Events without content parts are
		// not persisted.
		Content *content.Content
		// Actions carries side effects, including the state delta.
		Actions Actions
		// Timestamp is when the event occurred. Set from the service clock
		// when zero.
		Timestamp time.Time
		// Partial marks an in-progress streaming update. Partial events are
		// never persisted.
		Partial bool
		// TurnComplete marks the last event of a turn.
		TurnComplete bool
		// Interrupted marks a turn interrupted by the user.
		Interrupted bool
		// ErrorCode and ErrorMessage describe a failed model or tool call.
		ErrorCode    string
		ErrorMessage string
		// LongRunningToolIDs lists tool calls that complete asynchronously.
		LongRunningToolIDs []string
		// GroundingMetadata carries model grounding information verbatim.
		GroundingMetadata map[string]any
		// CustomMetadata carries caller-defined labels.
		CustomMetadata map[string]string
		// Decode reports how the stored content was decoded. It is only set
		// on events read back from the store.
		Decode content.DecodeResult
	}

	// Actions captures the side effects attached to an event.
	Actions struct {
		// StateDelta holds flat state updates. Keys are routed to a tier by
		// prefix; temporary keys are never persisted.
		StateDelta state.Map
		// ArtifactDelta maps artifact names to their new version.
		ArtifactDelta map[string]int
		// SkipSummarization asks the runner not to summarize a tool result.
		SkipSummarization bool
		// TransferToAgent names the agent that should handle the next turn.
		TransferToAgent string
		// Escalate asks the parent agent to take over.
		Escalate bool
	}

	// GetConfig restricts the events returned by GetSession. When both
	// fields are set the timestamp filter applies first, then the cap.
	GetConfig struct {
		// AfterTimestamp keeps only events strictly after this time.
		AfterTimestamp time.Time
		// NumRecentEvents keeps only the N most recent events.
		NumRecentEvents int
	}
)

// Summary returns the metadata of s.
func (s *Session) Summary() Summary {
	return Summary{ID: s.ID, AppName: s.AppName, UserID: s.UserID, LastUpdateTime: s.LastUpdateTime}
}

// ensureState returns the merged state, allocating it when nil.
func (s *Session) ensureState() state.Map {
	if s.State == nil {
		s.State = state.Map{}
	}
	return s.State
}
