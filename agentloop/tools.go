package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/martinemde/itinerary/unifiedllm"
	"github.com/mitchellh/mapstructure"
)

// ToolExecutor runs a tool. A returned string is sent to the model as is;
// anything else is JSON-encoded.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage) (any, error)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions sorted by name, so requests are
// identical across runs.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		cloned := *tool
		clone.tools[name] = &cloned
	}
	return clone
}

// MergeFrom copies all tools from other into this registry.
// Existing tools with the same name are overwritten (latest-wins).
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// LLMToolDefs converts registry definitions to request tool definitions.
func (r *ToolRegistry) LLMToolDefs() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	result := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		result[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return result
}

// NewTool builds a tool whose parameter schema is reflected from T and whose
// arguments are decoded into T before fn runs. Use json tags for names and
// jsonschema tags for descriptions.
func NewTool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  SchemaFor[T](),
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := DecodeArguments[T](raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, args)
		},
	}
}

// SchemaFor reflects the JSON schema of T as a plain map.
func SchemaFor[T any]() map[string]interface{} {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var zero T
	schema := r.Reflect(&zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("agentloop: marshal schema for %T: %v", zero, err))
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("agentloop: decode schema for %T: %v", zero, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]interface{}{}
	}
	return out
}

// DecodeArguments decodes tool call arguments into T. Scalars are converted
// leniently, so "3" decodes into an int field.
func DecodeArguments[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return out, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if generic == nil {
		return out, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(generic); err != nil {
		return out, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return out, nil
}
