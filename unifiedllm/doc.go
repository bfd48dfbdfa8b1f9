// Package unifiedllm is a small provider-neutral chat completion client.
//
// A Client routes each Request to a registered ProviderAdapter and runs it
// through a middleware chain. Two adapters ship with the package:
//
//   - OpenAIAdapter talks to the OpenAI chat completions API (or any
//     compatible endpoint) through github.com/sashabaranov/go-openai and
//     supports native tool calling.
//   - GollmAdapter wraps github.com/teilomillet/gollm for the other vendors
//     gollm supports. Tool calls are negotiated as JSON in the reply text.
//
// Provider failures are mapped onto a shared error hierarchy
// (AuthenticationError, RateLimitError, ServerError, ...). IsRetryable
// classifies them, and RetryMiddleware applies a RetryPolicy with
// exponential backoff.
//
//	adapter := unifiedllm.NewOpenAIAdapter(os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
package unifiedllm
