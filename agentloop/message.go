package agentloop

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/itinerary/unifiedllm"
)

// Role tags a message in the conversation log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"call_id"`
	Name      string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a single entry in the conversation log.
//
// ToolCalls is only set on assistant messages and ToolCallID only on tool
// messages. Messages are identified by ID; appending a message whose ID is
// already in the log replaces it in place (see Reduce).
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message, optionally carrying tool
// calls.
func NewAssistantMessage(content string, calls []ToolCall) Message {
	return Message{
		ID:        newMessageID(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolMessage creates the result message for one tool call.
func NewToolMessage(callID, content string, isError bool) Message {
	return Message{
		ID:         newMessageID(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		IsError:    isError,
		CreatedAt:  time.Now().UTC(),
	}
}

// IsTerminal reports whether m is an assistant answer with no pending tool
// calls.
func (m Message) IsTerminal() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) == 0
}

// ToLLMMessages converts the conversation log into model messages.
func ToLLMMessages(history []Message) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, unifiedllm.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, unifiedllm.UserMessage(msg.Content))
		case RoleAssistant:
			m := unifiedllm.AssistantMessage(msg.Content)
			for _, tc := range msg.ToolCalls {
				m.Content = append(m.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, m)
		case RoleTool:
			messages = append(messages, unifiedllm.ToolResultMessage(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	return messages
}
