package unifiedllm

import "context"

// ProviderAdapter is one model vendor behind the Client. Complete blocks
// until the full reply is available.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by adapters holding connections or sessions that
// Client.Close should release.
type Closer interface {
	Close() error
}

// ToolChoiceSupporter lets the Client reject a tool choice mode before the
// request reaches the vendor. Adapters without it accept every mode.
type ToolChoiceSupporter interface {
	SupportsToolChoice(mode string) bool
}
