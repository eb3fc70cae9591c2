// Package llms holds the conversation types shared by the realtime session
// and the non-realtime chat transports.
package llms

// Message is a single message in a conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// MessageRole describes who a message is from.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// ToolCall is a tool invocation requested by a model, with its response once
// executed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	Response  string
}
