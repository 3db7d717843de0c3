package llms

// Message is a single role-tagged entry in a chat session.
type Message struct {
	Role    MessageRole
	Content string

	// ToolCalls carries the calls requested by an assistant message.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

type ToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string
	Response  string
}

// Usage reports token accounting for one completed model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
