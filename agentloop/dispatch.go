package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDispatchTimeout bounds one Dispatch Step.
	DefaultDispatchTimeout = 120 * time.Second
	// DefaultMaxParallelTools bounds concurrent tool executions per batch.
	DefaultMaxParallelTools = 4
)

// Error payload types rendered into tool messages.
const (
	toolNotFoundType  = "ToolNotFoundError"
	toolExecutionType = "ToolExecutionError"
)

// Dispatcher runs the Dispatch Step. Tool failures never escape it; they
// become error payloads in the matching tool message.
type Dispatcher struct {
	Tools       *ToolRegistry
	MaxParallel int
	Timeout     time.Duration
	CharLimits  map[string]int
	LineLimits  map[string]int
	Events      EventSink
	Logger      *zerolog.Logger
}

type dispatchResult struct {
	idx int
	msg Message
}

// Dispatch executes every tool call of assistant and returns one tool
// message per call, in request order.
//
// When the step times out, unfinished calls receive a timeout payload and
// the full batch is returned together with a *StepTimeoutError. If ctx
// itself ends first the batch is returned with ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, assistant Message) ([]Message, error) {
	calls := assistant.ToolCalls
	if len(calls) == 0 {
		return nil, nil
	}

	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, d.Timeout)
	}
	defer cancel()

	limit := d.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxParallelTools
	}

	// Buffered so late executors never block after the step gave up on them.
	out := make(chan dispatchResult, len(calls))
	go func() {
		var g errgroup.Group
		g.SetLimit(limit)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				out <- dispatchResult{idx: i, msg: d.execute(stepCtx, call)}
				return nil
			})
		}
		_ = g.Wait()
		close(out)
	}()

	results := make([]Message, len(calls))
	filled := make([]bool, len(calls))
	remaining := len(calls)

collect:
	for remaining > 0 {
		select {
		case r := <-out:
			results[r.idx], filled[r.idx] = r.msg, true
			remaining--
		case <-stepCtx.Done():
			break collect
		}
	}
	// Keep whatever finished in the same instant the deadline fired.
drain:
	for remaining > 0 {
		select {
		case r := <-out:
			results[r.idx], filled[r.idx] = r.msg, true
			remaining--
		default:
			break drain
		}
	}
	if remaining == 0 {
		return results, nil
	}

	var stepErr error
	if ctx.Err() != nil {
		stepErr = ctx.Err()
	} else {
		stepErr = &StepTimeoutError{Step: "dispatch", Timeout: d.Timeout}
	}
	for i, call := range calls {
		if !filled[i] {
			results[i] = NewToolMessage(call.ID, errorPayload(toolExecutionType, call.Name, stepErr.Error()), true)
			d.logger().Warn().Str("tool", call.Name).Str("call_id", call.ID).Err(stepErr).Msg("agentloop: tool call abandoned")
		}
	}
	return results, stepErr
}

func (d *Dispatcher) logger() *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &log.Logger
}

// execute handles the full tool pipeline: lookup, execute, render,
// truncate, emit.
func (d *Dispatcher) execute(ctx context.Context, call ToolCall) Message {
	session := ""
	if id, ok := IdentityFromContext(ctx); ok {
		session = id.Key()
	}
	emit(d.Events, EventToolCallStart, session, map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
	})
	start := time.Now()

	content, isError := d.run(ctx, call)

	emit(d.Events, EventToolCallEnd, session, map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"is_error":  isError,
		"duration":  time.Since(start).String(),
	})
	d.logger().Debug().
		Str("session", session).
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Bool("is_error", isError).
		Dur("duration", time.Since(start)).
		Msg("agentloop: tool call finished")

	return NewToolMessage(call.ID, content, isError)
}

func (d *Dispatcher) run(ctx context.Context, call ToolCall) (string, bool) {
	registered := d.Tools.Get(call.Name)
	if registered == nil {
		err := &ToolNotFoundError{Name: call.Name}
		return errorPayload(toolNotFoundType, call.Name, err.Error()), true
	}
	if err := ctx.Err(); err != nil {
		return errorPayload(toolExecutionType, call.Name, err.Error()), true
	}

	result, err := invoke(ctx, registered.Executor, call.Arguments)
	if err != nil {
		return errorPayload(toolExecutionType, call.Name, err.Error()), true
	}

	content, err := renderResult(result)
	if err != nil {
		return errorPayload(toolExecutionType, call.Name, err.Error()), true
	}
	return TruncateToolOutput(content, call.Name, d.CharLimits, d.LineLimits), false
}

// invoke runs the executor, turning a panic into an error.
func invoke(ctx context.Context, exec ToolExecutor, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec(ctx, args)
}

func renderResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(raw), nil
}

type toolErrorBody struct {
	Type    string `json:"type"`
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

func errorPayload(kind, tool, message string) string {
	raw, err := json.Marshal(struct {
		Error toolErrorBody `json:"error"`
	}{toolErrorBody{Type: kind, Tool: tool, Message: message}})
	if err != nil {
		return `{"error":{"type":"` + kind + `"}}`
	}
	return string(raw)
}

// IsToolError reports whether content is an error payload and returns its
// type.
func IsToolError(content string) (string, bool) {
	var body struct {
		Error *toolErrorBody `json:"error"`
	}
	if err := json.Unmarshal([]byte(content), &body); err != nil || body.Error == nil {
		return "", false
	}
	return body.Error.Type, true
}
