// Package archetype defines the catalog of agent archetypes and the
// configuration resolver that merges archetype defaults with instance-level
// overrides.
//
// Resolve is a pure function: no I/O, deterministic for identical inputs.
// Resolved configurations are therefore safe to cache per instance until the
// instance's overrides change.
package archetype

import (
	"maps"
	"time"

	"dario.cat/mergo"

	"github.com/mosaic0/mosaic/internal/tenant"
)

// Archetype names. Unknown names resolve to DefaultArchetype rather than
// failing; the fallback is logged by the caller, never surfaced as an error.
const (
	HRAssistant = "hr-assistant"
	SalesOps    = "sales-ops"
	Legal       = "legal"

	DefaultArchetype = HRAssistant
)

// Config is the resolved, immutable configuration consumed by exactly one
// pipeline construction.
type Config struct {
	Archetype    string
	Model        string
	Temperature  float32
	TopK         int
	SystemPrompt string

	// CollectionScope and Timeout are filled in by the engine from the
	// instance's identity and resource quota; they have no archetype default.
	CollectionScope string
	Timeout         time.Duration

	// Extras is the opaque passthrough bag for adapter-specific settings.
	Extras map[string]any
}

// Entry is a catalog listing for one archetype.
type Entry struct {
	Name             string
	DisplayName      string
	Description      string
	Category         string
	TrialEnabled     bool
	BasePriceMonthly float64
	PricePerQuery    float64
	Defaults         Config
}

// catalog is the fixed archetype table. Compliance-flavored archetypes run
// cooler and retrieve wider: legal gets the most conservative temperature
// and the largest topK.
var catalog = []Entry{
	{
		Name:             HRAssistant,
		DisplayName:      "HR Assistant",
		Description:      "Answers HR policy and benefits questions from the tenant's own handbook and policy documents.",
		Category:         "hr",
		TrialEnabled:     true,
		BasePriceMonthly: 99.0,
		PricePerQuery:    0.10,
		Defaults: Config{
			Archetype:   HRAssistant,
			Model:       "gemini-2.5-flash",
			Temperature: 0.3,
			TopK:        5,
			SystemPrompt: "You are an HR assistant. Answer HR-related questions using the provided context. " +
				"Be helpful, accurate, and compliant with employment law. " +
				"If you are unsure, recommend consulting an HR professional.",
		},
	},
	{
		Name:             SalesOps,
		DisplayName:      "Sales Operations",
		Description:      "Supports sales processes, lead management and pipeline analysis over the tenant's sales knowledge.",
		Category:         "sales",
		TrialEnabled:     true,
		BasePriceMonthly: 149.0,
		PricePerQuery:    0.12,
		Defaults: Config{
			Archetype:   SalesOps,
			Model:       "gemini-2.5-pro",
			Temperature: 0.4,
			TopK:        7,
			SystemPrompt: "You are a sales operations assistant. Help with sales processes, lead management, " +
				"pipeline analysis and sales strategy using the provided context. " +
				"Be data-driven and focus on actionable insights.",
		},
	},
	{
		Name:             Legal,
		DisplayName:      "Legal Assistant",
		Description:      "Provides guidance on legal matters grounded in the tenant's contracts and policy corpus.",
		Category:         "legal",
		TrialEnabled:     true,
		BasePriceMonthly: 199.0,
		PricePerQuery:    0.15,
		Defaults: Config{
			Archetype:   Legal,
			Model:       "gemini-2.5-pro",
			Temperature: 0.1,
			TopK:        8,
			SystemPrompt: "You are a legal assistant. Provide guidance on legal matters using the provided context. " +
				"Always remind users that this is not legal advice and that they should consult " +
				"a qualified attorney for specific legal matters.",
		},
	},
}

// Catalog returns the archetype catalog in a fixed order. The returned
// entries are copies; callers may not mutate the table through them.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog entry for name and whether it exists.
func Lookup(name string) (Entry, bool) {
	for _, e := range catalog {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Resolve merges the named archetype's defaults with instance overrides.
// Override fields always win over defaults; unset override fields (empty
// string, nil pointer) inherit. An unknown archetype name falls back to
// DefaultArchetype; the second return value reports whether the name was
// known so the caller can log the substitution.
func Resolve(name string, o tenant.Overrides) (Config, bool) {
	entry, known := Lookup(name)
	if !known {
		entry, _ = Lookup(DefaultArchetype)
	}

	cfg := entry.Defaults
	if o.Model != "" {
		cfg.Model = o.Model
	}
	if o.Temperature != nil {
		cfg.Temperature = *o.Temperature
	}
	if o.TopK != nil {
		cfg.TopK = *o.TopK
	}
	if o.SystemPrompt != "" {
		cfg.SystemPrompt = o.SystemPrompt
	}

	cfg.Extras = mergeExtras(entry.Defaults.Extras, o.Extras)
	return cfg, known
}

// mergeExtras deep-merges the override bag over the archetype bag without
// mutating either input.
func mergeExtras(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}

	merged := make(map[string]any, len(base)+len(override))
	maps.Copy(merged, base)
	// Nested maps from the override side replace recursively.
	if err := mergo.Merge(&merged, override, mergo.WithOverride); err != nil {
		// mergo only fails on type mismatches between the bags; prefer the
		// override content wholesale in that case.
		maps.Copy(merged, override)
	}
	return merged
}
