package mongo

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"goa.design/agent-sessions/runtime/session"
	"goa.design/agent-sessions/runtime/session/content"
	"goa.design/agent-sessions/runtime/session/state"
)

type sessionDocument struct {
	ID         string         `bson:"_id"`
	AppName    string         `bson:"app_name"`
	UserID     string         `bson:"user_id"`
	State      map[string]any `bson:"state"`
	CreateTime time.Time      `bson:"create_time"`
	UpdateTime time.Time      `bson:"update_time"`
	EventSeq   int64          `bson:"event_seq"`
}

type eventDocument struct {
	ID                 string            `bson:"_id"`
	SessionID          string            `bson:"session_id"`
	AppName            string            `bson:"app_name"`
	UserID             string            `bson:"user_id"`
	InvocationID       string            `bson:"invocation_id,omitempty"`
	Author             string            `bson:"author,omitempty"`
	Branch             string            `bson:"branch,omitempty"`
	Content            bson.RawValue     `bson:"content,omitempty"`
	Actions            actionsDocument   `bson:"actions"`
	Timestamp          time.Time         `bson:"timestamp"`
	Seq                int64             `bson:"seq"`
	Partial            bool              `bson:"partial,omitempty"`
	TurnComplete       bool              `bson:"turn_complete,omitempty"`
	Interrupted        bool              `bson:"interrupted,omitempty"`
	ErrorCode          string            `bson:"error_code,omitempty"`
	ErrorMessage       string            `bson:"error_message,omitempty"`
	LongRunningToolIDs []string          `bson:"long_running_tool_ids,omitempty"`
	GroundingMetadata  map[string]any    `bson:"grounding_metadata,omitempty"`
	CustomMetadata     map[string]string `bson:"custom_metadata,omitempty"`
}

type actionsDocument struct {
	StateDelta        map[string]any `bson:"state_delta,omitempty"`
	ArtifactDelta     map[string]int `bson:"artifact_delta,omitempty"`
	SkipSummarization bool           `bson:"skip_summarization,omitempty"`
	TransferToAgent   string         `bson:"transfer_to_agent,omitempty"`
	Escalate          bool           `bson:"escalate,omitempty"`
}

// stateDocument is the stored form of an application or user state tier.
// Application documents are keyed by app name, user documents by
// userStateID.
type stateDocument struct {
	State      map[string]any `bson:"state"`
	UpdateTime time.Time      `bson:"update_time"`
}

// userStateID is the compound key of a user state document. Field order is
// part of the key.
type userStateID struct {
	AppName string `bson:"app_name"`
	UserID  string `bson:"user_id"`
}

func fromSessionRecord(rec session.SessionRecord) sessionDocument {
	return sessionDocument{
		ID:         rec.ID,
		AppName:    rec.AppName,
		UserID:     rec.UserID,
		State:      map[string]any(rec.State.Clone()),
		CreateTime: rec.CreateTime.UTC(),
		UpdateTime: rec.UpdateTime.UTC(),
		EventSeq:   rec.EventSeq,
	}
}

func (doc sessionDocument) toSessionRecord() session.SessionRecord {
	return session.SessionRecord{
		ID:         doc.ID,
		AppName:    doc.AppName,
		UserID:     doc.UserID,
		State:      normalizeState(doc.State),
		CreateTime: doc.CreateTime.UTC(),
		UpdateTime: doc.UpdateTime.UTC(),
		EventSeq:   doc.EventSeq,
	}
}

func (doc sessionDocument) toSummary() session.Summary {
	return session.Summary{
		ID:             doc.ID,
		AppName:        doc.AppName,
		UserID:         doc.UserID,
		LastUpdateTime: doc.UpdateTime.UTC(),
	}
}

func fromEventRecord(rec session.EventRecord) (eventDocument, error) {
	var raw bson.RawValue
	if rec.Content != nil {
		typ, data, err := bson.MarshalValue(rec.Content)
		if err != nil {
			return eventDocument{}, fmt.Errorf("encode content of event %q: %w", rec.ID, err)
		}
		raw = bson.RawValue{Type: typ, Value: data}
	}
	return eventDocument{
		ID:           rec.ID,
		SessionID:    rec.SessionID,
		AppName:      rec.AppName,
		UserID:       rec.UserID,
		InvocationID: rec.InvocationID,
		Author:       rec.Author,
		Branch:       rec.Branch,
		Content:      raw,
		Actions: actionsDocument{
			StateDelta:        rec.Actions.StateDelta,
			ArtifactDelta:     rec.Actions.ArtifactDelta,
			SkipSummarization: rec.Actions.SkipSummarization,
			TransferToAgent:   rec.Actions.TransferToAgent,
			Escalate:          rec.Actions.Escalate,
		},
		Timestamp:          rec.Timestamp.UTC(),
		Seq:                rec.Seq,
		Partial:            rec.Partial,
		TurnComplete:       rec.TurnComplete,
		Interrupted:        rec.Interrupted,
		ErrorCode:          rec.ErrorCode,
		ErrorMessage:       rec.ErrorMessage,
		LongRunningToolIDs: rec.LongRunningToolIDs,
		GroundingMetadata:  rec.GroundingMetadata,
		CustomMetadata:     rec.CustomMetadata,
	}, nil
}

func (doc eventDocument) toEventRecord() session.EventRecord {
	var delta state.Map
	if doc.Actions.StateDelta != nil {
		delta = normalizeState(doc.Actions.StateDelta)
	}
	stored, res := decodeContent(doc.Content)
	return session.EventRecord{
		ID:           doc.ID,
		SessionID:    doc.SessionID,
		AppName:      doc.AppName,
		UserID:       doc.UserID,
		InvocationID: doc.InvocationID,
		Author:       doc.Author,
		Branch:       doc.Branch,
		Content:      stored,
		Actions: session.Actions{
			StateDelta:        delta,
			ArtifactDelta:     doc.Actions.ArtifactDelta,
			SkipSummarization: doc.Actions.SkipSummarization,
			TransferToAgent:   doc.Actions.TransferToAgent,
			Escalate:          doc.Actions.Escalate,
		},
		Timestamp:          doc.Timestamp.UTC(),
		Seq:                doc.Seq,
		Partial:            doc.Partial,
		TurnComplete:       doc.TurnComplete,
		Interrupted:        doc.Interrupted,
		ErrorCode:          doc.ErrorCode,
		ErrorMessage:       doc.ErrorMessage,
		LongRunningToolIDs: doc.LongRunningToolIDs,
		GroundingMetadata:  normalizeMap(doc.GroundingMetadata),
		CustomMetadata:     doc.CustomMetadata,
		Decode:             res,
	}
}

// decodeContent reads the stored content of an event. Content that does not
// match the stored layout is recovered part by part: parts that fail keep
// what could be read, inline data keeps its literal form, and the result
// reports the failure instead of failing the read.
func decodeContent(raw bson.RawValue) (*content.Stored, content.DecodeResult) {
	if raw.IsZero() || raw.Type == bson.TypeNull {
		return nil, content.DecodeResult{}
	}
	var stored content.Stored
	err := raw.Unmarshal(&stored)
	if err == nil {
		return normalizeContent(&stored), content.DecodeResult{}
	}
	doc, ok := raw.DocumentOK()
	if !ok {
		return nil, malformed(content.DecodeFailed, err)
	}
	out := &content.Stored{}
	out.Role, _ = doc.Lookup("role").StringValueOK()
	parts, ok := doc.Lookup("parts").ArrayOK()
	if !ok {
		return out, malformed(content.DecodeFailed, err)
	}
	values, verr := parts.Values()
	if verr != nil {
		return out, malformed(content.DecodeFailed, verr)
	}
	var errs []error
	for i, v := range values {
		var sp content.StoredPart
		if perr := v.Unmarshal(&sp); perr != nil {
			errs = append(errs, fmt.Errorf("part %d: %w", i, perr))
			sp = recoverPart(v)
		}
		out.Parts = append(out.Parts, sp)
	}
	normalizeContent(out)
	if len(errs) == 0 {
		// The parts are fine; the envelope is not.
		return out, malformed(content.DecodePartial, err)
	}
	status := content.DecodePartial
	if len(errs) == len(values) {
		status = content.DecodeFailed
	}
	return out, malformed(status, errors.Join(errs...))
}

// recoverPart reads the fields of a stored part one by one, skipping those
// that do not decode. Inline data that is not a string keeps its extended
// JSON form.
func recoverPart(v bson.RawValue) content.StoredPart {
	var sp content.StoredPart
	doc, ok := v.DocumentOK()
	if !ok {
		return sp
	}
	sp.Text, _ = doc.Lookup("text").StringValueOK()
	sp.Thought, _ = doc.Lookup("thought").BooleanOK()
	if blob, ok := doc.Lookup("inline_data").DocumentOK(); ok {
		b := &content.StoredBlob{}
		b.MIMEType, _ = blob.Lookup("mime_type").StringValueOK()
		b.DisplayName, _ = blob.Lookup("display_name").StringValueOK()
		b.Encoding, _ = blob.Lookup("encoding").StringValueOK()
		data := blob.Lookup("data")
		if s, ok := data.StringValueOK(); ok {
			b.Data = s
		} else if !data.IsZero() {
			b.Data = data.String()
		}
		sp.InlineData = b
	}
	sp.FileData = lookupInto[content.StoredFileData](doc, "file_data")
	sp.FunctionCall = lookupInto[content.StoredFunctionCall](doc, "function_call")
	sp.FunctionResponse = lookupInto[content.StoredFunctionResponse](doc, "function_response")
	return sp
}

func lookupInto[T any](doc bson.Raw, key string) *T {
	v := doc.Lookup(key)
	if v.IsZero() {
		return nil
	}
	var out T
	if err := v.Unmarshal(&out); err != nil {
		return nil
	}
	return &out
}

func malformed(status content.DecodeStatus, err error) content.DecodeResult {
	return content.DecodeResult{
		Status: status,
		Err:    fmt.Errorf("%w: stored content: %w", content.ErrMalformedPayload, err),
	}
}

func normalizeContent(c *content.Stored) *content.Stored {
	if c == nil {
		return nil
	}
	for i := range c.Parts {
		p := &c.Parts[i]
		if p.FunctionCall != nil {
			p.FunctionCall.Args = normalizeMap(p.FunctionCall.Args)
		}
		if p.FunctionResponse != nil {
			p.FunctionResponse.Response = normalizeMap(p.FunctionResponse.Response)
		}
	}
	return c
}

// normalizeState returns the decoded state as a state.Map. A missing state
// yields an empty map.
func normalizeState(m map[string]any) state.Map {
	out := make(state.Map, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// normalizeValue converts the driver's generic decoded forms back to plain
// Go values: embedded documents become map[string]any, arrays []any, dates
// time.Time, binaries []byte and integers int.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(map[string]any(val))
	case map[string]any:
		return normalizeMap(val)
	case bson.A:
		return normalizeSlice([]any(val))
	case []any:
		return normalizeSlice(val)
	case bson.DateTime:
		return val.Time().UTC()
	case bson.Binary:
		return val.Data
	case int32:
		return int(val)
	case int64:
		return int(val)
	default:
		return v
	}
}

func normalizeSlice(s []any) []any {
	out := make([]any, len(s))
	for i, item := range s {
		out[i] = normalizeValue(item)
	}
	return out
}
