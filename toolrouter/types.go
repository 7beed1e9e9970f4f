// Package toolrouter dispatches model-issued tool calls to the gateway and
// returns their results, honouring cancellation from the model.
package toolrouter

import (
	"encoding/json"
	"errors"
)

// ExecuteToolName is the only tool the model is offered.
const ExecuteToolName = "execute"

// ExecuteToolDescription is sent to the model with the tool declaration.
const ExecuteToolDescription = "Perform an action or look something up on the user's behalf. " +
	"Describe the task in plain language, for example \"send a text to Alice saying I'm running late\"."

// ExecuteParameters is the JSON schema of the execute tool arguments. It is
// declared to the model at setup and used to validate incoming calls.
var ExecuteParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"minLength": 1,
			"description": "Natural-language description of the task to perform"
		}
	},
	"required": ["task"]
}`)

var (
	// ErrUnknownTool is reported for calls naming any tool but execute.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is reported when call arguments fail the parameter schema.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Call is one tool invocation issued by the model.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Response is the result returned to the model for a call.
type Response struct {
	ID     string
	Name   string
	Output string
	Status Status
}

// Status is the lifecycle state of a tool call task.
type Status int

// Task statuses. Pending and Running are live; the rest are terminal.
const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
