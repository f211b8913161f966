// Package event parses the minimal webhook envelope and decides which events are relayed.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotObject is returned when the body is valid JSON but not an object.
var ErrNotObject = errors.New("webhook body is not a JSON object")

// Envelope is the subset of a webhook payload inspected by the gateway.
// Everything else in the body is ignored and forwarded untouched.
type Envelope struct {
	Event  string
	CallID string
	ChatID string
}

// Parse decodes body into an Envelope. The body must be a JSON object; the
// shapes of its fields are not validated, and a field of an unexpected type
// is treated as absent.
func Parse(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Envelope{}, errors.New("webhook body is not valid JSON")
		}
		return Envelope{}, ErrNotObject
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Event:  stringField(top["event"]),
		CallID: nestedString(top["call"], "call_id"),
		ChatID: nestedString(top["chat"], "chat_id"),
	}, nil
}

// stringField returns raw as a string, or "" if it is not a JSON string.
func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func nestedString(raw json.RawMessage, key string) string {
	var obj map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	return stringField(obj[key])
}

// Name returns the lower-cased event name.
func (e Envelope) Name() string {
	return strings.ToLower(e.Event)
}

// CorrelationID returns the call or chat id for logging, or "unknown".
func (e Envelope) CorrelationID() string {
	if e.CallID != "" {
		return e.CallID
	}
	if e.ChatID != "" {
		return e.ChatID
	}
	return "unknown"
}
