// Package types holds the data-model entities shared across the tool-server
// manager, LLM bridge, conversation store, and planner: ToolSpec, ToolCall,
// ToolResult, Message, and Session, plus the stable error-kind taxonomy.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolSpec is a declared tool capability, immutable after discovery.
type ToolSpec struct {
	ServerName  string          `json:"server_name"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Key returns the globally-unique (server_name, tool_name) identifier.
func (s ToolSpec) Key() string {
	return s.ServerName + "::" + s.ToolName
}

// ToolCall is one requested tool invocation.
type ToolCall struct {
	CallID     string          `json:"call_id"`
	ServerName string          `json:"server_name"`
	ToolName   string          `json:"tool_name"`
	Params     json.RawMessage `json:"params"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// ToolResult is the structured outcome of a ToolCall.
type ToolResult struct {
	CallID   string          `json:"call_id"`
	OK       bool            `json:"ok"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Err      *ToolError      `json:"error,omitempty"`
	WallTime time.Duration   `json:"wall_time"`
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one append-only turn in a session.
type Message struct {
	ID                int64           `json:"id"`
	SessionID         string          `json:"session_id"`
	UserKey           string          `json:"user_key"`
	Role              Role            `json:"role"`
	Content           string          `json:"content"`
	ToolCalls         json.RawMessage `json:"tool_calls,omitempty"`
	MentionedEntities json.RawMessage `json:"mentioned_entities,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Session is a conversation window for one user.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserKey        string    `json:"user_key"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ErrorKind is the stable taxonomy of error kinds from spec.md §7. Kinds are
// never wrapped further; each component constructs the kind appropriate to
// its own layer.
type ErrorKind string

const (
	ErrNoSuchTool        ErrorKind = "NoSuchTool"
	ErrServerUnavailable ErrorKind = "ServerUnavailable"
	ErrServerCrashed     ErrorKind = "ServerCrashed"
	ErrCallTimeout       ErrorKind = "CallTimeout"
	ErrProtocolError     ErrorKind = "ProtocolError"
	ErrRemoteError       ErrorKind = "RemoteError"
	ErrModelUnavailable  ErrorKind = "ModelUnavailable"
	ErrModelRefused      ErrorKind = "ModelRefused"
	ErrMalformedPlan     ErrorKind = "MalformedPlan"
	ErrBudgetExceeded    ErrorKind = "BudgetExceeded"
	ErrStorageError      ErrorKind = "StorageError"
)

// ToolError is a tagged error value carrying one of the stable ErrorKinds.
// Components build it with the With* builders rather than ad-hoc
// fmt.Errorf, so callers can type-assert on Kind via errors.As.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Code    int // populated for RemoteError
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewToolError builds a ToolError of the given kind.
func NewToolError(kind ErrorKind, message string) *ToolError {
	return &ToolError{Kind: kind, Message: message}
}

// WithCode attaches a remote error code (used for RemoteError).
func (e *ToolError) WithCode(code int) *ToolError {
	e.Code = code
	return e
}

// Retryable reports whether the model or caller may usefully retry the
// underlying operation without external intervention.
func (e *ToolError) Retryable() bool {
	switch e.Kind {
	case ErrCallTimeout, ErrModelUnavailable:
		return true
	default:
		return false
	}
}

// AsJSON renders the synthetic tool-result error object fed back to the
// model: {"error":{"kind":"...","message":"..."}}, per the convention
// fixed in SPEC_FULL.md's design-notes resolution.
func (e *ToolError) AsJSON() json.RawMessage {
	b, _ := json.Marshal(struct {
		Error struct {
			Kind    ErrorKind `json:"kind"`
			Message string    `json:"message"`
		} `json:"error"`
	}{
		Error: struct {
			Kind    ErrorKind `json:"kind"`
			Message string    `json:"message"`
		}{Kind: e.Kind, Message: e.Message},
	})
	return b
}
