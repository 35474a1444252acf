package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/outbox"
)

// MaxFrameBytes bounds a single client frame.
const MaxFrameBytes = 64 << 10

// Server frame types.
const (
	FrameReply    = "reply"
	FrameError    = "error"
	FrameMessage  = "message"
	FramePresence = "presence"
)

// Request is a client frame.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is a server frame.
type Frame struct {
	Type    string     `json:"type"`
	ID      string     `json:"id,omitempty"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses a client frame. Any malformed frame is BadRequest.
func Decode(data []byte) (Request, error) {
	if len(data) > MaxFrameBytes {
		return Request{}, domain.Errorf(domain.ErrBadRequest, "frame of %d bytes exceeds %d", len(data), MaxFrameBytes)
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, domain.Errorf(domain.ErrBadRequest, "decode frame: %v", err)
	}
	if dec.More() {
		return Request{}, domain.Errorf(domain.ErrBadRequest, "trailing data after frame")
	}
	if req.Type == "" {
		return Request{}, domain.Errorf(domain.ErrBadRequest, "frame without type")
	}
	return req, nil
}

// NewErrorBody describes err for a client. Unclassified errors are reported
// as Internal without detail.
func NewErrorBody(err error) *ErrorBody {
	e, ok := domain.AsError(err)
	if !ok {
		return &ErrorBody{Kind: domain.KindInternal.String(), Code: "Internal", Message: "internal error"}
	}
	return &ErrorBody{Kind: e.Kind.String(), Code: e.Code, Message: err.Error()}
}

// Reply wraps a successful response as a delivery.
func Reply(id string, payload any) outbox.Delivery {
	return outbox.Delivery{Kind: outbox.KindReply, RequestID: id, Reply: payload}
}

// Failure wraps an error response as a delivery.
func Failure(id string, err error) outbox.Delivery {
	return outbox.Delivery{Kind: outbox.KindError, RequestID: id, Reply: err}
}

// ToFrame converts a delivery to its wire frame.
func ToFrame(d outbox.Delivery) (Frame, error) {
	switch d.Kind {
	case outbox.KindMessage:
		return Frame{Type: FrameMessage, Payload: d.Message}, nil
	case outbox.KindPresence:
		return Frame{Type: FramePresence, Payload: d.Presence}, nil
	case outbox.KindReply:
		return Frame{Type: FrameReply, ID: d.RequestID, Payload: d.Reply}, nil
	case outbox.KindError:
		err, _ := d.Reply.(error)
		return Frame{Type: FrameError, ID: d.RequestID, Error: NewErrorBody(err)}, nil
	}
	return Frame{}, fmt.Errorf("api: unknown delivery kind %q", d.Kind)
}

// Encode is the outbox.Encoder for JSON frames.
func Encode(d outbox.Delivery) ([]byte, error) {
	f, err := ToFrame(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
