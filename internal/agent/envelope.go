package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Envelope is the agent's --json reply shape.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// Result is one agent reply, decoded exactly once. Every consumer
// works off this value instead of re-parsing the raw output.
type Result struct {
	OK   bool
	Data json.RawMessage
	Err  string
	Raw  string
}

// ParseError reports agent output that did not form a result
// envelope. The raw text rides along so callers can degrade to it.
type ParseError struct {
	Raw     string
	Wrapped error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agent reply is not a result envelope: %v", e.Wrapped)
}
func (e *ParseError) Unwrap() error { return e.Wrapped }

// Decode parses one agent reply. Output that is not a well-formed
// envelope comes back as *ParseError; the caller decides whether to
// fall back to the raw text.
func Decode(raw string) (Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed[0] != '{' {
		return Result{Raw: raw}, &ParseError{Raw: raw, Wrapped: errors.New("not a JSON object")}
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Result{Raw: raw}, &ParseError{Raw: raw, Wrapped: err}
	}
	res := Result{OK: env.Success, Data: env.Data, Raw: raw}
	if !env.Success {
		res.Err = errorText(env.Error)
	}
	return res, nil
}

// Response returns data.response, falling back to the raw reply when
// the field is absent or not a string.
func (r Result) Response() string {
	var data struct {
		Response *string `json:"response"`
	}
	if json.Unmarshal(r.Data, &data) == nil && data.Response != nil {
		return *data.Response
	}
	return r.Raw
}

// failure renders the agent-reported error, or def when the envelope
// carried none.
func (r Result) failure(def string) string {
	if r.Err != "" {
		return r.Err
	}
	return def
}

// ExtractResponse reduces a chat reply to displayable text:
// data.response on success, the reported error on failure, the raw
// output when it is not an envelope.
func ExtractResponse(raw string) string {
	res, err := Decode(raw)
	if err != nil {
		return raw
	}
	if res.OK {
		return res.Response()
	}
	return res.failure("Unknown error")
}

// ExtractStreamResponse is ExtractResponse for streamed output. A
// failure envelope is kept verbatim here, so the transcript matches
// what the stream already showed.
func ExtractStreamResponse(raw string) string {
	res, err := Decode(raw)
	if err != nil || !res.OK {
		return raw
	}
	return res.Response()
}

// errorText renders the envelope's error field, which the agent emits
// either as a bare string or as an object with a message.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
