package agentloop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/itinerary/unifiedllm"
)

// Model is the model client collaborator, typically *unifiedllm.Client.
type Model interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// DefaultDecideTimeout bounds one Decision Step.
const DefaultDecideTimeout = 60 * time.Second

// Decider runs the Decision Step: one model call over the full history.
type Decider struct {
	Model   Model
	Profile Profile
	Tools   *ToolRegistry
	Timeout time.Duration
}

// Decide asks the model for the next assistant message. It never retries;
// every failure is a *ModelInvocationError.
func (d *Decider) Decide(ctx context.Context, snapshot ConversationState) (Message, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	resp, err := d.Model.Complete(ctx, d.buildRequest(snapshot))
	if err != nil {
		if d.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &StepTimeoutError{Step: "decide", Timeout: d.Timeout}
		}
		return Message{}, &ModelInvocationError{Model: d.Profile.Model, Cause: err}
	}
	if resp == nil {
		return Message{}, &ModelInvocationError{Model: d.Profile.Model, Cause: errors.New("no response")}
	}

	msg := messageFromResponse(resp)
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return Message{}, &ModelInvocationError{Model: d.Profile.Model, Cause: errors.New("empty response: no text and no tool calls")}
	}
	return msg, nil
}

func (d *Decider) buildRequest(snapshot ConversationState) unifiedllm.Request {
	messages := make([]unifiedllm.Message, 0, len(snapshot.Messages)+1)
	if d.Profile.Directive != "" {
		messages = append(messages, unifiedllm.SystemMessage(d.Profile.Directive))
	}
	messages = append(messages, ToLLMMessages(snapshot.Messages)...)

	req := unifiedllm.Request{
		Model:       d.Profile.Model,
		Provider:    d.Profile.Provider,
		Messages:    messages,
		Temperature: d.Profile.Temperature,
	}
	if d.Tools != nil && d.Tools.Count() > 0 {
		parallel := d.Profile.ParallelToolCalls
		req.ToolDefs = d.Tools.LLMToolDefs()
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
		req.ParallelToolCalls = &parallel
	}
	return req
}

func messageFromResponse(resp *unifiedllm.Response) Message {
	var calls []ToolCall
	seen := make(map[string]bool)
	for _, tc := range resp.ToolCallsFromResponse() {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.New().String()[:8]
		}
		seen[id] = true
		calls = append(calls, ToolCall{ID: id, Name: tc.Name, Arguments: tc.Arguments})
	}
	return NewAssistantMessage(resp.Text(), calls)
}
