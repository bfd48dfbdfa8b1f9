package unifiedllm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryMiddleware retries retryable provider failures according to policy.
// It sits in the client, so callers above it see a single call.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}

// LoggingMiddleware logs every completion with its duration and token usage.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("provider", req.Provider).
				Str("model", req.Model).
				Dur("duration", elapsed).
				Msg("llm completion failed")
			return nil, err
		}
		logger.Debug().
			Str("provider", resp.Provider).
			Str("model", resp.Model).
			Str("finish_reason", resp.FinishReason.Reason).
			Int("input_tokens", resp.Usage.InputTokens).
			Int("output_tokens", resp.Usage.OutputTokens).
			Int("tool_calls", len(resp.ToolCallsFromResponse())).
			Dur("duration", elapsed).
			Msg("llm completion")
		return resp, nil
	}
}
