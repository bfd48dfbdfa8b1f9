package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/martinemde/itinerary/unifiedllm"
)

// scriptedModel replays a fixed sequence of replies. Once the script is
// exhausted the last entry repeats.
type scriptedModel struct {
	mu       sync.Mutex
	script   []func(req unifiedllm.Request) (*unifiedllm.Response, error)
	requests []unifiedllm.Request
}

func (m *scriptedModel) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, req)
	step := m.script[len(m.script)-1]
	if n < len(m.script) {
		step = m.script[n]
	}
	m.mu.Unlock()
	return step(req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func replyText(text string) func(unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			Message:      unifiedllm.AssistantMessage(text),
			FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		}, nil
	}
}

type call struct {
	name string
	args string
}

var callSeq struct {
	sync.Mutex
	n int
}

func replyTools(calls ...call) func(unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) {
		msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
		for _, c := range calls {
			callSeq.Lock()
			callSeq.n++
			id := fmt.Sprintf("call_%d", callSeq.n)
			callSeq.Unlock()
			msg.Content = append(msg.Content, unifiedllm.ToolCallPart(id, c.name, json.RawMessage(c.args)))
		}
		return &unifiedllm.Response{
			Message:      msg,
			FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		}, nil
	}
}

func replyError(err error) func(unifiedllm.Request) (*unifiedllm.Response, error) {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) { return nil, err }
}

func staticTool(name string, result any) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{Name: name, Description: name, Parameters: map[string]interface{}{"type": "object"}},
		Executor: func(context.Context, json.RawMessage) (any, error) {
			return result, nil
		},
	}
}

func funcTool(name string, fn ToolExecutor) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{Name: name, Description: name, Parameters: map[string]interface{}{"type": "object"}},
		Executor:   fn,
	}
}

func registryWith(tools ...RegisteredTool) *ToolRegistry {
	reg := NewToolRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}

func testProfile() Profile {
	return Profile{Name: "test", Model: "test-model", Directive: "You plan trips."}
}

func assertPairing(t interface{ Errorf(string, ...any) }, msgs []Message) {
	for i, m := range msgs {
		if m.Role != RoleTool {
			continue
		}
		j := i - 1
		for j >= 0 && msgs[j].Role == RoleTool {
			j--
		}
		if j < 0 || msgs[j].Role != RoleAssistant {
			t.Errorf("tool message %d does not follow an assistant message", i)
			continue
		}
		matches := 0
		for _, tc := range msgs[j].ToolCalls {
			if tc.ID == m.ToolCallID {
				matches++
			}
		}
		if matches != 1 {
			t.Errorf("tool message %d (%s) matches %d calls of message %d", i, m.ToolCallID, matches, j)
		}
	}
}
