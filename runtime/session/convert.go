package session

import (
	"maps"
	"slices"

	"goa.design/agent-sessions/runtime/session/content"
)

// toEventRecord returns the persisted form of ev appended to rec. Temporary
// state keys are dropped from the stored delta.
func toEventRecord(rec SessionRecord, ev *Event) EventRecord {
	actions := ev.Actions
	actions.StateDelta = ev.Actions.StateDelta.WithoutTemp()
	actions.ArtifactDelta = maps.Clone(ev.Actions.ArtifactDelta)
	return EventRecord{
		ID:                 ev.ID,
		SessionID:          rec.ID,
		AppName:            rec.AppName,
		UserID:             rec.UserID,
		InvocationID:       ev.InvocationID,
		Author:             ev.Author,
		Branch:             ev.Branch,
		Content:            content.Encode(ev.Content),
		Actions:            actions,
		Timestamp:          ev.Timestamp,
		Seq:                rec.EventSeq,
		Partial:            ev.Partial,
		TurnComplete:       ev.TurnComplete,
		Interrupted:        ev.Interrupted,
		ErrorCode:          ev.ErrorCode,
		ErrorMessage:       ev.ErrorMessage,
		LongRunningToolIDs: slices.Clone(ev.LongRunningToolIDs),
		GroundingMetadata:  maps.Clone(ev.GroundingMetadata),
		CustomMetadata:     maps.Clone(ev.CustomMetadata),
	}
}

// fromEventRecord hydrates a stored event. Decode failures are reported on
// the returned event rather than as an error.
func fromEventRecord(rec EventRecord) *Event {
	c, res := content.Decode(rec.Content)
	if rec.Decode.Err != nil {
		res = rec.Decode
	}
	return &Event{
		ID:                 rec.ID,
		InvocationID:       rec.InvocationID,
		Author:             rec.Author,
		Branch:             rec.Branch,
		Content:            c,
		Actions:            rec.Actions,
		Timestamp:          rec.Timestamp,
		Partial:            rec.Partial,
		TurnComplete:       rec.TurnComplete,
		Interrupted:        rec.Interrupted,
		ErrorCode:          rec.ErrorCode,
		ErrorMessage:       rec.ErrorMessage,
		LongRunningToolIDs: rec.LongRunningToolIDs,
		GroundingMetadata:  rec.GroundingMetadata,
		CustomMetadata:     rec.CustomMetadata,
		Decode:             res,
	}
}
