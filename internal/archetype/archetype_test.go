package archetype

import (
	"reflect"
	"testing"

	"github.com/mosaic0/mosaic/internal/tenant"
)

func float32p(v float32) *float32 { return &v }
func intp(v int) *int             { return &v }

func TestResolve_DefaultsPerArchetype(t *testing.T) {
	tests := []struct {
		name     string
		wantTemp float32
		wantTopK int
	}{
		{HRAssistant, 0.3, 5},
		{SalesOps, 0.4, 7},
		{Legal, 0.1, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, known := Resolve(tt.name, tenant.Overrides{})
			if !known {
				t.Fatalf("Resolve(%q) reported unknown", tt.name)
			}
			if cfg.Archetype != tt.name {
				t.Errorf("Archetype = %q, want %q", cfg.Archetype, tt.name)
			}
			if cfg.Temperature != tt.wantTemp {
				t.Errorf("Temperature = %v, want %v", cfg.Temperature, tt.wantTemp)
			}
			if cfg.TopK != tt.wantTopK {
				t.Errorf("TopK = %d, want %d", cfg.TopK, tt.wantTopK)
			}
			if cfg.Model == "" || cfg.SystemPrompt == "" {
				t.Error("archetype defaults missing model or system prompt")
			}
		})
	}
}

func TestResolve_LegalIsMostConservative(t *testing.T) {
	legal, _ := Resolve(Legal, tenant.Overrides{})
	for _, other := range []string{HRAssistant, SalesOps} {
		cfg, _ := Resolve(other, tenant.Overrides{})
		if legal.Temperature >= cfg.Temperature {
			t.Errorf("legal temperature %v not below %s temperature %v", legal.Temperature, other, cfg.Temperature)
		}
		if legal.TopK <= cfg.TopK {
			t.Errorf("legal topK %d not above %s topK %d", legal.TopK, other, cfg.TopK)
		}
	}
}

func TestResolve_OverridesWin(t *testing.T) {
	o := tenant.Overrides{
		Model:        "gemini-2.5-flash-lite",
		Temperature:  float32p(0.9),
		TopK:         intp(3),
		SystemPrompt: "You are terse.",
	}

	cfg, _ := Resolve(Legal, o)
	if cfg.Model != o.Model {
		t.Errorf("Model = %q, want override %q", cfg.Model, o.Model)
	}
	if cfg.Temperature != 0.9 {
		t.Errorf("Temperature = %v, want override 0.9", cfg.Temperature)
	}
	if cfg.TopK != 3 {
		t.Errorf("TopK = %d, want override 3", cfg.TopK)
	}
	if cfg.SystemPrompt != o.SystemPrompt {
		t.Errorf("SystemPrompt = %q, want override", cfg.SystemPrompt)
	}
}

func TestResolve_ZeroTemperatureOverrideIsRespected(t *testing.T) {
	cfg, _ := Resolve(SalesOps, tenant.Overrides{Temperature: float32p(0)})
	if cfg.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", cfg.Temperature)
	}
}

func TestResolve_UnknownArchetypeFallsBack(t *testing.T) {
	cfg, known := Resolve("astrology", tenant.Overrides{})
	if known {
		t.Error("unknown archetype reported known")
	}
	if cfg.Archetype != DefaultArchetype {
		t.Errorf("fallback archetype = %q, want %q", cfg.Archetype, DefaultArchetype)
	}

	// Overrides still apply on top of the fallback.
	cfg, _ = Resolve("astrology", tenant.Overrides{TopK: intp(2)})
	if cfg.TopK != 2 {
		t.Errorf("TopK = %d, want override 2 on fallback", cfg.TopK)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	o := tenant.Overrides{
		Model:  "gemini-2.5-pro",
		Extras: map[string]any{"safety": map[string]any{"threshold": "block_few"}},
	}
	a, _ := Resolve(HRAssistant, o)
	b, _ := Resolve(HRAssistant, o)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Resolve not deterministic: %+v vs %+v", a, b)
	}
}

func TestResolve_ExtrasMergedWithoutMutatingInput(t *testing.T) {
	o := tenant.Overrides{Extras: map[string]any{"a": 1}}
	cfg, _ := Resolve(HRAssistant, o)

	cfg.Extras["b"] = 2
	if _, leaked := o.Extras["b"]; leaked {
		t.Error("resolved extras alias the override map")
	}
	if cfg.Extras["a"] != 1 {
		t.Errorf("Extras[a] = %v, want 1", cfg.Extras["a"])
	}
}

func TestCatalog(t *testing.T) {
	entries := Catalog()
	if len(entries) != 3 {
		t.Fatalf("Catalog() returned %d entries, want 3", len(entries))
	}

	seen := map[string]bool{}
	for _, e := range entries {
		if e.DisplayName == "" || e.Category == "" {
			t.Errorf("entry %q missing display metadata", e.Name)
		}
		seen[e.Name] = true
	}
	for _, want := range []string{HRAssistant, SalesOps, Legal} {
		if !seen[want] {
			t.Errorf("catalog missing %q", want)
		}
	}

	if _, ok := Lookup("astrology"); ok {
		t.Error("Lookup of unknown archetype succeeded")
	}
}
