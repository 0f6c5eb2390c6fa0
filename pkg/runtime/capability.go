// Package runtime hosts agents: long-running workers that consume declared
// topics through consumer groups, dispatch envelopes to handlers, enforce
// idempotency via the durable dedup store, and route poison messages to
// dead-letter streams with a diagnostic envelope.
package runtime

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// Capability declares what an agent consumes and emits. The runtime verifies
// subscriptions against Consumes at startup and refuses emissions of topics
// missing from Emits, so the wiring documented here is the wiring that runs.
type Capability struct {
	Agent    string   `yaml:"agent" json:"agent"`
	Consumes []string `yaml:"consumes" json:"consumes"`
	Emits    []string `yaml:"emits" json:"emits"`
}

func (c Capability) Validate() error {
	if c.Agent == "" {
		return fmt.Errorf("capability: %w: missing agent name", envelope.ErrInvalid)
	}
	if len(c.Consumes) == 0 {
		return fmt.Errorf("capability %s: %w: consumes nothing", c.Agent, envelope.ErrInvalid)
	}
	return nil
}

func (c Capability) CanConsume(topic string) bool {
	return slices.Contains(c.Consumes, topic)
}

func (c Capability) CanEmit(topic string) bool {
	return slices.Contains(c.Emits, topic)
}

type capabilityFile struct {
	Agents []Capability `yaml:"agents"`
}

// LoadCapabilities reads a YAML capability file and returns declarations
// keyed by agent name. Operators use this to override the built-in
// declarations without recompiling.
func LoadCapabilities(path string) (map[string]Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capabilities: read %s: %w", path, err)
	}
	var file capabilityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("capabilities: parse %s: %w", path, err)
	}
	out := make(map[string]Capability, len(file.Agents))
	for _, c := range file.Agents {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[c.Agent]; dup {
			return nil, fmt.Errorf("capabilities: %w: duplicate agent %q", envelope.ErrInvalid, c.Agent)
		}
		out[c.Agent] = c
	}
	return out, nil
}
