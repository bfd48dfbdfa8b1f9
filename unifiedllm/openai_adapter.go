package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter implements ProviderAdapter on top of the OpenAI chat
// completions API. It supports native tool calling, so tool calls round-trip
// with their ids intact.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openai.ClientConfig, *OpenAIAdapter)

// WithBaseURL points the adapter at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(cfg *openai.ClientConfig, _ *OpenAIAdapter) {
		if baseURL != "" {
			cfg.BaseURL = baseURL
		}
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(cfg *openai.ClientConfig, _ *OpenAIAdapter) {
		cfg.HTTPClient = hc
	}
}

// WithDefaultModel sets the model used when a request does not name one.
func WithDefaultModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, a *OpenAIAdapter) {
		a.model = model
	}
}

// NewOpenAIAdapter creates an adapter authenticated with apiKey.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	a := &OpenAIAdapter{model: DefaultModel("openai")}
	for _, opt := range opts {
		opt(&cfg, a)
	}
	a.client = openai.NewClientWithConfig(cfg)
	return a
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// SupportsToolChoice reports whether the adapter supports a tool choice mode.
func (a *OpenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	default:
		return false
	}
}

// Complete sends one chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError: SDKError{Message: "response contained no choices"},
			Provider: a.Name(),
		}
	}

	return a.buildResponse(resp), nil
}

func (a *OpenAIAdapter) translateRequest(req Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Stop:     req.StopSequences,
		User:     req.User,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		converted, err := toOpenAIMessage(msg)
		if err != nil {
			return chatReq, err
		}
		chatReq.Messages = append(chatReq.Messages, converted)
	}

	if len(req.ToolDefs) > 0 {
		chatReq.Tools = make([]openai.Tool, 0, len(req.ToolDefs))
		for _, td := range req.ToolDefs {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  td.Parameters,
				},
			})
		}
		chatReq.ToolChoice = toOpenAIToolChoice(req.ToolChoice)
		if req.ParallelToolCalls != nil {
			chatReq.ParallelToolCalls = *req.ParallelToolCalls
		}
	}

	return chatReq, nil
}

func toOpenAIMessage(msg Message) (openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.TextContent()}, nil
	case RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.TextContent(), Name: msg.Name}, nil
	case RoleAssistant:
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.TextContent()}
		for _, tc := range msg.ToolCalls() {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		return out, nil
	case RoleTool:
		result := msg.ToolResult()
		if result == nil {
			return openai.ChatCompletionMessage{}, &InvalidToolCallError{SDKError: SDKError{
				Message: fmt.Sprintf("tool message %q carries no result", msg.ToolCallID),
			}}
		}
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result.Text(),
			ToolCallID: result.ToolCallID,
		}, nil
	default:
		return openai.ChatCompletionMessage{}, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("unsupported message role %q", msg.Role),
		}}
	}
}

func toOpenAIToolChoice(choice *ToolChoice) any {
	if choice == nil {
		return "auto"
	}
	switch choice.Mode {
	case "none", "required", "auto":
		return choice.Mode
	case "named":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.ToolName},
		}
	default:
		return "auto"
	}
}

func (a *OpenAIAdapter) buildResponse(resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]

	var parts []ContentPart
	if choice.Message.Content != "" {
		parts = append(parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			// Keep the raw text reachable for the tool; the executor reports the decode failure.
			args, _ = json.Marshal(tc.Function.Arguments)
		}
		parts = append(parts, ToolCallPart(id, tc.Function.Name, args))
	}

	reason := string(choice.FinishReason)
	normalized := reason
	switch choice.FinishReason {
	case openai.FinishReasonStop, openai.FinishReasonLength, openai.FinishReasonToolCalls, openai.FinishReasonContentFilter:
	case openai.FinishReasonFunctionCall:
		normalized = "tool_calls"
	default:
		normalized = "other"
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: FinishReason{Reason: normalized, Raw: reason},
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}

// translateError converts a go-openai error into the unified error hierarchy.
func (a *OpenAIAdapter) translateError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "openai request interrupted", Cause: err}}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		mapped := ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.Name(), code, nil)
		return withCause(mapped, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		mapped := ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.Name(), "", nil)
		return withCause(mapped, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: "openai request failed", Cause: err}}
	}

	return &ProviderError{
		SDKError:  SDKError{Message: err.Error(), Cause: err},
		Provider:  a.Name(),
		Retryable: true,
	}
}

// withCause attaches the original error to a mapped unified error.
func withCause(mapped, cause error) error {
	switch e := mapped.(type) {
	case *InvalidRequestError:
		e.Cause = cause
	case *AuthenticationError:
		e.Cause = cause
	case *AccessDeniedError:
		e.Cause = cause
	case *NotFoundError:
		e.Cause = cause
	case *ContextLengthError:
		e.Cause = cause
	case *QuotaExceededError:
		e.Cause = cause
	case *RateLimitError:
		e.Cause = cause
	case *ServerError:
		e.Cause = cause
	case *RequestTimeoutError:
		e.Cause = cause
	case *ProviderError:
		e.Cause = cause
	}
	return mapped
}
