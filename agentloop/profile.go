package agentloop

import "github.com/martinemde/itinerary/unifiedllm"

// Profile is the fixed model configuration and system directive of an
// assistant. The directive is prepended to every request and never
// persisted.
type Profile struct {
	Name              string
	Provider          string
	Model             string
	Directive         string
	Temperature       *float64
	ParallelToolCalls bool
	ContextWindow     int
}

// ContextWindowSize returns the configured window, or the catalog value for
// the model.
func (p Profile) ContextWindowSize() int {
	if p.ContextWindow > 0 {
		return p.ContextWindow
	}
	return unifiedllm.ContextWindowFor(p.Model)
}
