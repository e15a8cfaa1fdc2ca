package functions

import (
	"encoding/json"
	"time"
)

// Result error codes. Recoverable by design: they are returned to the agent
// as structured payloads and never terminate the session.
const (
	CodeSchemaMismatch     = "schema_mismatch"
	CodeNotVerified        = "not_verified"
	CodeBackendUnavailable = "backend_unavailable"
	CodeTimeout            = "timeout"
	CodeCancelled          = "cancelled"
	CodeUnknownFunction    = "unknown_function"
)

// Invocation is a structured function-call request emitted by the AI
// mid-conversation. The ID correlates the eventual result; it is unique
// within a session.
type Invocation struct {
	ID     string
	Name   string
	Args   json.RawMessage
	TurnID string
}

// ResultError describes why an invocation did not produce a payload.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the single outcome of one invocation. Every invocation issued
// during an active session produces exactly one result before the session
// closes.
type Result struct {
	InvocationID string
	Payload      json.RawMessage
	Err          *ResultError
	CompletedAt  time.Time
}

// Output renders the result as the JSON the AI transport expects back.
func (r Result) Output() string {
	if r.Err != nil {
		out, _ := json.Marshal(map[string]any{
			"error":   r.Err.Code,
			"message": r.Err.Message,
		})
		return string(out)
	}
	return string(r.Payload)
}

func errorResult(invocationID, code, message string) Result {
	return Result{
		InvocationID: invocationID,
		Err:          &ResultError{Code: code, Message: message},
		CompletedAt:  time.Now(),
	}
}

// CancelledResult synthesizes the result recorded for an invocation that was
// still pending when its session closed.
func CancelledResult(invocationID string) Result {
	return errorResult(invocationID, CodeCancelled, "the call ended before this lookup finished")
}
