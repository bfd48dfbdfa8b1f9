package travel

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/itinerary/agentloop"
)

// Directive is the system directive of the itinerary planner.
const Directive = `You are an assistant for planning trip itineraries of a hotel listing company.
Help users plan their perfect trip, considering preferences and available hotels.

Instructions:
- Match hotels near attractions with user interests when prioritizing hotels.
- You may plan itineraries with multiple hotels based on user interests and attractions.
- Include the hotel and things to do for each day in the itinerary.
- Response should be in markdown format. Include the photos of the hotels if available.
- Do not output raw tool traces, internal reasoning, markdown headings, or code fences.`

// DefaultProfile returns the itinerary planner profile for model.
func DefaultProfile(provider, model string) agentloop.Profile {
	return agentloop.Profile{
		Name:              "itinerary-planner",
		Provider:          provider,
		Model:             model,
		Directive:         Directive,
		ParallelToolCalls: true,
	}
}

// ProfileFile is the YAML shape accepted by LoadProfile. Empty fields keep
// the base profile's values.
type ProfileFile struct {
	Name          string   `yaml:"name"`
	Model         string   `yaml:"model"`
	Directive     string   `yaml:"directive"`
	Temperature   *float64 `yaml:"temperature"`
	ContextWindow int      `yaml:"context_window"`
	ParallelTools *bool    `yaml:"parallel_tool_calls"`
}

// LoadProfile applies the YAML file at path on top of base.
func LoadProfile(path string, base agentloop.Profile) (agentloop.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "read profile %s", path)
	}
	var f ProfileFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return base, errors.Wrapf(err, "parse profile %s", path)
	}

	p := base
	if f.Name != "" {
		p.Name = f.Name
	}
	if f.Model != "" {
		p.Model = f.Model
	}
	if f.Directive != "" {
		p.Directive = f.Directive
	}
	if f.Temperature != nil {
		p.Temperature = f.Temperature
	}
	if f.ContextWindow > 0 {
		p.ContextWindow = f.ContextWindow
	}
	if f.ParallelTools != nil {
		p.ParallelToolCalls = *f.ParallelTools
	}
	return p, nil
}
