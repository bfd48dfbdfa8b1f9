package agentloop

import (
	"github.com/huandu/go-clone"
)

// ConversationState is the ordered message log of one session plus a step
// counter that grows by one with every persisted append.
type ConversationState struct {
	Messages []Message `json:"messages"`
	Step     int       `json:"step"`
}

// Reduce merges incoming into existing and returns the merged log. A message
// whose ID already appears is replaced in place; every other message is
// appended in order. Neither input is modified.
func Reduce(existing, incoming []Message) []Message {
	merged := make([]Message, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i, m := range merged {
		if m.ID != "" {
			index[m.ID] = i
		}
	}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok && m.ID != "" {
			merged[i] = m
			continue
		}
		if m.ID != "" {
			index[m.ID] = len(merged)
		}
		merged = append(merged, m)
	}
	return merged
}

// Clone returns a deep copy that steps may read without sharing memory with
// the store.
func (s ConversationState) Clone() ConversationState {
	return clone.Clone(s).(ConversationState)
}

// Last returns the final message of the log.
func (s ConversationState) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Unresolved returns the call ids of the latest assistant message that have
// no tool result after it.
func (s ConversationState) Unresolved() []string {
	last := -1
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(s.Messages[last].ToolCalls) == 0 {
		return nil
	}

	resolved := make(map[string]bool)
	for _, m := range s.Messages[last+1:] {
		if m.Role == RoleTool {
			resolved[m.ToolCallID] = true
		}
	}
	var pending []string
	for _, tc := range s.Messages[last].ToolCalls {
		if !resolved[tc.ID] {
			pending = append(pending, tc.ID)
		}
	}
	return pending
}

// Roles returns the role sequence of the log.
func (s ConversationState) Roles() []Role {
	roles := make([]Role, len(s.Messages))
	for i, m := range s.Messages {
		roles[i] = m.Role
	}
	return roles
}
