// Package content defines the structured payload carried by session events
// and the codec used to persist it.
//
// Inline binary data is stored as base64 text so payloads remain safe for
// document stores and JSON transports. Decoding is best effort: a malformed
// blob never fails the surrounding read, the failure is reported through a
// DecodeResult instead.
package content

import (
	"encoding/base64"
	"errors"
	"fmt"
)

type (
	// Content is the structured payload of an event.
	Content struct {
		// Role is the producer role, e.g. "user" or "model".
		Role string
		// Parts holds the ordered content parts.
		Parts []Part
	}

	// Part is one element of a Content. Exactly one payload field is
	// expected to be set.
	Part struct {
		Text             string
		Thought          bool
		InlineData       *Blob
		FileData         *FileData
		FunctionCall     *FunctionCall
		FunctionResponse *FunctionResponse
	}

	// Blob is inline binary data.
	Blob struct {
		MIMEType    string
		DisplayName string
		Data        []byte
	}

	// FileData references binary data held by an external artifact service.
	FileData struct {
		MIMEType string
		FileURI  string
	}

	// FunctionCall is a tool invocation requested by a model.
	FunctionCall struct {
		ID   string
		Name string
		Args map[string]any
	}

	// FunctionResponse is the result of a tool invocation.
	FunctionResponse struct {
		ID       string
		Name     string
		Response map[string]any
	}

	// Stored is the persisted form of Content.
	Stored struct {
		Role  string       `bson:"role,omitempty" json:"role,omitempty"`
		Parts []StoredPart `bson:"parts,omitempty" json:"parts,omitempty"`
	}

	// StoredPart is the persisted form of Part.
	StoredPart struct {
		Text             string                  `bson:"text,omitempty" json:"text,omitempty"`
		Thought          bool                    `bson:"thought,omitempty" json:"thought,omitempty"`
		InlineData       *StoredBlob             `bson:"inline_data,omitempty" json:"inline_data,omitempty"`
		FileData         *StoredFileData         `bson:"file_data,omitempty" json:"file_data,omitempty"`
		FunctionCall     *StoredFunctionCall     `bson:"function_call,omitempty" json:"function_call,omitempty"`
		FunctionResponse *StoredFunctionResponse `bson:"function_response,omitempty" json:"function_response,omitempty"`
	}

	// StoredBlob is inline binary data in textual form.
	StoredBlob struct {
		MIMEType    string `bson:"mime_type,omitempty" json:"mime_type,omitempty"`
		DisplayName string `bson:"display_name,omitempty" json:"display_name,omitempty"`
		// Encoding names the text encoding applied to Data.
		Encoding string `bson:"encoding" json:"encoding"`
		Data     string `bson:"data" json:"data"`
	}

	// StoredFileData is the persisted form of FileData.
	StoredFileData struct {
		MIMEType string `bson:"mime_type,omitempty" json:"mime_type,omitempty"`
		FileURI  string `bson:"file_uri" json:"file_uri"`
	}

	// StoredFunctionCall is the persisted form of FunctionCall.
	StoredFunctionCall struct {
		ID   string         `bson:"id,omitempty" json:"id,omitempty"`
		Name string         `bson:"name" json:"name"`
		Args map[string]any `bson:"args,omitempty" json:"args,omitempty"`
	}

	// StoredFunctionResponse is the persisted form of FunctionResponse.
	StoredFunctionResponse struct {
		ID       string         `bson:"id,omitempty" json:"id,omitempty"`
		Name     string         `bson:"name" json:"name"`
		Response map[string]any `bson:"response,omitempty" json:"response,omitempty"`
	}

	// DecodeStatus classifies the outcome of Decode.
	DecodeStatus string

	// DecodeResult reports how faithfully stored content was decoded.
	DecodeResult struct {
		// Status is DecodeOK, DecodePartial or DecodeFailed.
		Status DecodeStatus
		// Err wraps ErrMalformedPayload and the per-part failures. Nil when
		// Status is DecodeOK.
		Err error
	}
)

const (
	// DecodeOK means every inline blob decoded.
	DecodeOK DecodeStatus = "ok"
	// DecodePartial means some inline blobs could not be decoded and were
	// left in their literal stored form.
	DecodePartial DecodeStatus = "partial"
	// DecodeFailed means no inline blob could be decoded.
	DecodeFailed DecodeStatus = "failed"
)

// EncodingBase64 is the only encoding produced by Encode.
const EncodingBase64 = "base64"

// ErrMalformedPayload indicates stored content that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Encode converts c to its stored form. Inline data is base64 encoded; all
// other fields are copied. c is not modified. Encode returns nil for nil.
func Encode(c *Content) *Stored {
	if c == nil {
		return nil
	}
	out := &Stored{Role: c.Role}
	if len(c.Parts) > 0 {
		out.Parts = make([]StoredPart, len(c.Parts))
	}
	for i, p := range c.Parts {
		sp := StoredPart{Text: p.Text, Thought: p.Thought}
		if p.InlineData != nil {
			sp.InlineData = &StoredBlob{
				MIMEType:    p.InlineData.MIMEType,
				DisplayName: p.InlineData.DisplayName,
				Encoding:    EncodingBase64,
				Data:        base64.StdEncoding.EncodeToString(p.InlineData.Data),
			}
		}
		if p.FileData != nil {
			sp.FileData = &StoredFileData{MIMEType: p.FileData.MIMEType, FileURI: p.FileData.FileURI}
		}
		if p.FunctionCall != nil {
			sp.FunctionCall = &StoredFunctionCall{
				ID:   p.FunctionCall.ID,
				Name: p.FunctionCall.Name,
				Args: cloneMap(p.FunctionCall.Args),
			}
		}
		if p.FunctionResponse != nil {
			sp.FunctionResponse = &StoredFunctionResponse{
				ID:       p.FunctionResponse.ID,
				Name:     p.FunctionResponse.Name,
				Response: cloneMap(p.FunctionResponse.Response),
			}
		}
		out.Parts[i] = sp
	}
	return out
}

// Decode converts stored content back to Content. Blobs that fail to decode
// keep their stored text as raw bytes and are reported in the result; Decode
// never returns a nil Content for non-nil input.
func Decode(s *Stored) (*Content, DecodeResult) {
	if s == nil {
		return nil, DecodeResult{Status: DecodeOK}
	}
	out := &Content{Role: s.Role}
	if len(s.Parts) > 0 {
		out.Parts = make([]Part, len(s.Parts))
	}
	var (
		blobs int
		errs  []error
	)
	for i, sp := range s.Parts {
		p := Part{Text: sp.Text, Thought: sp.Thought}
		if sp.InlineData != nil {
			blobs++
			data, err := decodeBlob(sp.InlineData)
			if err != nil {
				errs = append(errs, fmt.Errorf("part %d: %w", i, err))
				data = []byte(sp.InlineData.Data)
			}
			p.InlineData = &Blob{
				MIMEType:    sp.InlineData.MIMEType,
				DisplayName: sp.InlineData.DisplayName,
				Data:        data,
			}
		}
		if sp.FileData != nil {
			p.FileData = &FileData{MIMEType: sp.FileData.MIMEType, FileURI: sp.FileData.FileURI}
		}
		if sp.FunctionCall != nil {
			p.FunctionCall = &FunctionCall{
				ID:   sp.FunctionCall.ID,
				Name: sp.FunctionCall.Name,
				Args: cloneMap(sp.FunctionCall.Args),
			}
		}
		if sp.FunctionResponse != nil {
			p.FunctionResponse = &FunctionResponse{
				ID:       sp.FunctionResponse.ID,
				Name:     sp.FunctionResponse.Name,
				Response: cloneMap(sp.FunctionResponse.Response),
			}
		}
		out.Parts[i] = p
	}
	if len(errs) == 0 {
		return out, DecodeResult{Status: DecodeOK}
	}
	status := DecodePartial
	if len(errs) == blobs {
		status = DecodeFailed
	}
	err := fmt.Errorf("%w: %w", ErrMalformedPayload, errors.Join(errs...))
	return out, DecodeResult{Status: status, Err: err}
}

func decodeBlob(b *StoredBlob) ([]byte, error) {
	if b.Encoding != EncodingBase64 {
		return nil, fmt.Errorf("unsupported encoding %q", b.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return data, nil
}

// IsEmpty reports whether c carries no parts.
func (c *Content) IsEmpty() bool {
	return c == nil || len(c.Parts) == 0
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
