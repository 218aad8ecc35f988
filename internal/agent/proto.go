package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// The wire protocol is newline-delimited JSON on the agent's stdio.
// Outbound: {"id":"<gen>-<seq>","type":"<command>",...params}.
// Inbound lines decode into one of two variants: a Response (matched to
// a pending call by id) or an Event (everything else).

const maxEventTypeLen = 64

// Response is an inbound line with type=="response" and a non-empty id.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is any other inbound JSON object.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the decoded tagged union: exactly one of Response/Event is
// non-nil after a successful DecodeLine.
type Message struct {
	Response *Response
	Event    *Event
}

// encodeEnvelope builds one outbound protocol line (without the trailing
// newline). Params are spliced into the top-level object next to id and
// type; a param named "id" or "type" cannot shadow the envelope fields.
func encodeEnvelope(id, command string, params map[string]any) ([]byte, error) {
	envelope := make(map[string]any, len(params)+2)
	for k, v := range params {
		envelope[k] = v
	}
	envelope["id"] = id
	envelope["type"] = command
	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", command, err)
	}
	return b, nil
}

// DecodeLine parses one trimmed, non-empty line into a Message.
// An object with type=="response" and a non-empty id is a Response; any
// other JSON value is an Event. Events get a normalized type: "unknown"
// when absent, sanitized otherwise. Only lines that are not JSON at all
// are malformed.
func DecodeLine(line []byte) (Message, error) {
	var probe struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		var v any
		if json.Unmarshal(line, &v) != nil {
			return Message{}, fmt.Errorf("malformed line: %w", err)
		}
		// valid JSON that is not an object, like an array or a scalar
		data := json.RawMessage(append([]byte(nil), line...))
		return Message{Event: &Event{Type: "unknown", Data: data}}, nil
	}

	if probe.Type == "response" && probe.ID != "" {
		// success defaults to true unless explicitly false
		success := probe.Success == nil || *probe.Success
		return Message{Response: &Response{
			ID:      probe.ID,
			Success: success,
			Data:    probe.Data,
			Error:   probe.Error,
		}}, nil
	}

	return Message{Event: &Event{
		Type: normalizeEventType(probe.Type),
		Data: probe.Data,
	}}, nil
}

// normalizeEventType maps an optional type field onto a safe identifier:
// "unknown" when empty, control runes stripped, length capped.
func normalizeEventType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "unknown"
	}
	t = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, t)
	if t == "" {
		return "unknown"
	}
	if len(t) > maxEventTypeLen {
		t = t[:maxEventTypeLen]
	}
	return t
}

// excerpt truncates a raw line for inclusion in diagnostics.
func excerpt(line []byte) string {
	const max = 200
	s := string(line)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
