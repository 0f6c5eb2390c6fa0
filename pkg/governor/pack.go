package governor

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// EngineVersion gates pack loading: packs declare the minimum engine they
// were written against.
const EngineVersion = "1.0.0"

// Rule is one policy check. Expr must yield a bool; true means the check
// passes.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Expr        string `yaml:"expr" json:"expr"`
}

// Pack is a versioned set of policy rules, evaluated in order.
type Pack struct {
	Name      string `yaml:"name" json:"name"`
	Version   string `yaml:"version" json:"version"`
	MinEngine string `yaml:"min_engine,omitempty" json:"min_engine,omitempty"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

// ParsePack decodes and validates a pack document.
func ParsePack(raw []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy pack: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy pack: %w: missing name", envelope.ErrInvalid)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return nil, fmt.Errorf("policy pack %s: %w: version %q", p.Name, envelope.ErrInvalid, p.Version)
	}
	if p.MinEngine != "" {
		min, err := semver.NewVersion(p.MinEngine)
		if err != nil {
			return nil, fmt.Errorf("policy pack %s: %w: min_engine %q", p.Name, envelope.ErrInvalid, p.MinEngine)
		}
		engine := semver.MustParse(EngineVersion)
		if engine.LessThan(min) {
			return nil, fmt.Errorf("policy pack %s: %w: needs engine >= %s, running %s",
				p.Name, envelope.ErrInvalid, p.MinEngine, EngineVersion)
		}
	}
	if len(p.Rules) == 0 {
		return nil, fmt.Errorf("policy pack %s: %w: no rules", p.Name, envelope.ErrInvalid)
	}
	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("policy pack %s: %w: rule needs name and expr", p.Name, envelope.ErrInvalid)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("policy pack %s: %w: duplicate rule %q", p.Name, envelope.ErrInvalid, r.Name)
		}
		seen[r.Name] = true
	}
	return &p, nil
}

// LoadPack reads a pack from a YAML file.
func LoadPack(path string) (*Pack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy pack %s: %w", path, err)
	}
	return ParsePack(raw)
}

// DefaultPack returns the built-in baseline rules, used when no pack file is
// configured. Mirrors policies/default.yaml.
func DefaultPack() *Pack {
	return &Pack{
		Name:      "lodestar-baseline",
		Version:   "1.0.0",
		MinEngine: "1.0.0",
		Rules: []Rule{
			{
				Name:        "spend_threshold",
				Description: "autonomous spend stays under 50k USD",
				Expr:        "business_impact_usd <= 50000",
			},
			{
				Name:        "geo_exclusion",
				Description: "no routing through embargoed corridors",
				Expr:        `!regions.exists(r, r in ["northern_corridor", "sanctioned_strait"])`,
			},
			{
				Name:        "risk_threshold",
				Description: "risk probability at most 80 percent",
				Expr:        "risk_probability_pct <= 80",
			},
			{
				Name:        "carbon_cap",
				Description: "emissions increase capped at 20 percent",
				Expr:        "emissions_delta_pct <= 20",
			},
			{
				Name:        "sla_compliance",
				Description: "accepted delay at most 48 hours",
				Expr:        "delay_hours <= 48",
			},
		},
	}
}
