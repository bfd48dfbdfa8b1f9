package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// DefaultContextWindow is assumed for models the catalog does not know.
const DefaultContextWindow = 128000

// Models is the built-in model catalog. Order matters: the first entry for a
// provider is its default.
var Models = []ModelInfo{
	// OpenAI
	{ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini", ContextWindow: 128000, SupportsTools: true, Aliases: []string{"4o-mini"}},
	{ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o", ContextWindow: 128000, SupportsTools: true, Aliases: []string{"4o"}},
	{ID: "gpt-4.1-mini", Provider: "openai", DisplayName: "GPT-4.1 mini", ContextWindow: 1047576, SupportsTools: true},
	{ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1", ContextWindow: 1047576, SupportsTools: true},

	// Anthropic, reached through gollm
	{ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"haiku"}},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default model id for a provider, or "" if the
// catalog has none.
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}

// ContextWindowFor returns the context window size of a model, falling back
// to DefaultContextWindow.
func ContextWindowFor(modelID string) int {
	if info := GetModelInfo(modelID); info != nil {
		return info.ContextWindow
	}
	return DefaultContextWindow
}
