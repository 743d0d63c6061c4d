package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// Policy is the default decision of a consumer.
type Policy string

const (
	// PolicyDefaultAllow allows everything except the blocked groups.
	PolicyDefaultAllow Policy = "default-allow"

	// PolicyDefaultBlock blocks everything except the allowed groups.
	PolicyDefaultBlock Policy = "default-block"
)

// ConsumerConfig is the policy of one consumer. Only the list matching the
// policy is meaningful: Block for default-allow, Allow for default-block.
type ConsumerConfig struct {
	Type             Policy
	Allow            []string
	Block            []string
	ConsumerGroupKey string
}

// DefaultAllow returns a policy allowing everything but the blocked groups.
func DefaultAllow(block ...string) ConsumerConfig {
	if block == nil {
		block = []string{}
	}

	return ConsumerConfig{Type: PolicyDefaultAllow, Block: block}
}

// DefaultBlock returns a policy blocking everything but the allowed groups.
func DefaultBlock(allow ...string) ConsumerConfig {
	if allow == nil {
		allow = []string{}
	}

	return ConsumerConfig{Type: PolicyDefaultBlock, Allow: allow}
}

// Groups returns the tool groups referenced by the active policy.
func (c ConsumerConfig) Groups() []string {
	switch c.Type {
	case PolicyDefaultAllow:
		return c.Block
	case PolicyDefaultBlock:
		return c.Allow
	default:
		return nil
	}
}

// References reports whether the policy references the named group.
func (c ConsumerConfig) References(group string) bool {
	return slices.Contains(c.Groups(), group)
}

// RenameGroup returns a copy with every reference to from replaced by to.
func (c ConsumerConfig) RenameGroup(from, to string) ConsumerConfig {
	clone := c.Clone()

	for i, name := range clone.Allow {
		if name == from {
			clone.Allow[i] = to
		}
	}

	for i, name := range clone.Block {
		if name == from {
			clone.Block[i] = to
		}
	}

	return clone
}

// Clone creates a deep copy of the consumer config.
func (c ConsumerConfig) Clone() ConsumerConfig {
	return ConsumerConfig{
		Type:             c.Type,
		Allow:            slices.Clone(c.Allow),
		Block:            slices.Clone(c.Block),
		ConsumerGroupKey: c.ConsumerGroupKey,
	}
}

// Validate checks the policy tag.
func (c ConsumerConfig) Validate() error {
	switch c.Type {
	case PolicyDefaultAllow, PolicyDefaultBlock:
		return nil
	default:
		return fmt.Errorf("%w: unknown consumer policy %q", ErrInvalidSchema, c.Type)
	}
}

type consumerConfigWire struct {
	Type             Policy    `json:"_type,omitempty"            yaml:"_type,omitempty"`            //nolint:tagliatelle
	Allow            *[]string `json:"allow,omitempty"            yaml:"allow,omitempty"`
	Block            *[]string `json:"block,omitempty"            yaml:"block,omitempty"`
	ConsumerGroupKey string    `json:"consumerGroupKey,omitempty" yaml:"consumerGroupKey,omitempty"` //nolint:tagliatelle
}

func (c ConsumerConfig) wire() consumerConfigWire {
	wire := consumerConfigWire{Type: c.Type, ConsumerGroupKey: c.ConsumerGroupKey}
	groups := c.Groups()

	if groups == nil {
		groups = []string{}
	}

	if c.Type == PolicyDefaultAllow {
		wire.Block = &groups
	} else {
		wire.Allow = &groups
	}

	return wire
}

// fromWire decodes the wire form. A lone block list means default-allow,
// a lone allow list means default-block, otherwise the explicit tag
// decides and anything else is default-block.
func (c *ConsumerConfig) fromWire(wire consumerConfigWire) {
	deref := func(list *[]string) []string {
		if list == nil {
			return []string{}
		}

		return *list
	}

	switch {
	case wire.Block != nil && wire.Allow == nil:
		*c = DefaultAllow(deref(wire.Block)...)
	case wire.Allow != nil && wire.Block == nil:
		*c = DefaultBlock(deref(wire.Allow)...)
	case wire.Type == PolicyDefaultAllow:
		*c = DefaultAllow(deref(wire.Block)...)
	default:
		*c = DefaultBlock(deref(wire.Allow)...)
	}

	c.ConsumerGroupKey = wire.ConsumerGroupKey
}

// MarshalJSON implements the json.Marshaler interface.
func (c ConsumerConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (c ConsumerConfig) MarshalYAML() (any, error) {
	return c.wire(), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *ConsumerConfig) UnmarshalJSON(data []byte) error {
	var wire consumerConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	c.fromWire(wire)

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *ConsumerConfig) UnmarshalYAML(value *yaml.Node) error {
	var wire consumerConfigWire
	if err := value.Decode(&wire); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	c.fromWire(wire)

	return nil
}

// Permissions holds the default policy and per-consumer overrides keyed by
// consumer tag.
type Permissions struct {
	Default   ConsumerConfig            `json:"default"   yaml:"default"`
	Consumers map[string]ConsumerConfig `json:"consumers" yaml:"consumers"`
}

// Clone creates a deep copy of the permissions.
func (p Permissions) Clone() Permissions {
	clone := Permissions{Default: p.Default.Clone()}

	if p.Consumers != nil {
		clone.Consumers = make(map[string]ConsumerConfig, len(p.Consumers))
		for name, consumer := range p.Consumers {
			clone.Consumers[name] = consumer.Clone()
		}
	}

	return clone
}

// ConsumerNames returns the sorted consumer tags.
func (p Permissions) ConsumerNames() []string {
	return slices.Sorted(maps.Keys(p.Consumers))
}
