// Package dto provides data transfer objects exchanged between the background,
// mediator and page contexts.
//
// This package defines the envelope travelling over every transport and the
// request/response bodies used by the submission queues.
package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the minimal message unit exchanged between contexts.
//
// A request carries ID, Type and Payload. A response carries the same ID and a Response.
// A notification carries Type and Payload but no ID and expects no reply.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Response *Reply          `json:"response,omitempty"`
}

// IsResponse reports whether the envelope answers an earlier request.
func (e Envelope) IsResponse() bool {
	return e.Response != nil
}

// IsNotification reports whether the envelope is fire-and-forget.
func (e Envelope) IsNotification() bool {
	return e.Response == nil && e.ID == "" && e.Type != ""
}

// Reply is the body of a response envelope.
//
// On the wire the result fields sit next to success/error:
// {"success":true,"queued":true,"queuePosition":1}.
type Reply struct {
	Success bool
	Error   string
	// Data holds the result object (or any JSON value) without success/error.
	Data json.RawMessage
}

// OK builds a successful reply with result as its data.
func OK(result any) (*Reply, error) {
	if result == nil {
		return &Reply{Success: true}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Reply{Success: true, Data: data}, nil
}

// Fail builds an error reply.
func Fail(err error) *Reply {
	return &Reply{Success: false, Error: err.Error()}
}

// MarshalJSON flattens Data next to success/error when Data is an object.
func (r Reply) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	data := bytes.TrimSpace(r.Data)
	if len(data) > 0 {
		if data[0] == '{' {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, err
			}
		} else {
			fields["data"] = data
		}
	}
	success, _ := json.Marshal(r.Success)
	fields["success"] = success
	if r.Error != "" {
		msg, _ := json.Marshal(r.Error)
		fields["error"] = msg
	}
	return json.Marshal(fields)
}

// UnmarshalJSON splits success/error from the remaining result fields.
func (r *Reply) UnmarshalJSON(b []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	*r = Reply{Success: true}
	if raw, ok := fields["success"]; ok {
		if err := json.Unmarshal(raw, &r.Success); err != nil {
			return fmt.Errorf("decode reply success: %w", err)
		}
		delete(fields, "success")
	}
	if raw, ok := fields["error"]; ok {
		if err := json.Unmarshal(raw, &r.Error); err != nil {
			return fmt.Errorf("decode reply error: %w", err)
		}
		delete(fields, "error")
		if r.Error != "" {
			r.Success = false
		}
	}
	if raw, ok := fields["data"]; ok && len(fields) == 1 {
		r.Data = raw
		return nil
	}
	if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		r.Data = data
	}
	return nil
}
