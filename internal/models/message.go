package models

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one prior turn supplied by the client as conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a chat frame or POST /api/chat.
type ChatRequest struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`
}

// Reply types.
const (
	ReplyTypeAgent = "agent"
	ReplyTypeError = "error"
)

// Error types carried on error replies.
const (
	ErrorTypeQuota = "api_quota"
	ErrorTypeAgent = "agent_error"
)

// ChatReply is what the agent sends back for one turn.
type ChatReply struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Done      bool   `json:"done"`
	ErrorType string `json:"error_type,omitempty"`
}
