package permissions

import (
	"errors"
	"fmt"

	"github.com/jkoelker/switchyard/pkg/config"
)

var (
	// ErrToolGroupNotFound is returned when a policy references an unknown group.
	ErrToolGroupNotFound = errors.New("tool group not found")

	// ErrDuplicateToolGroup is returned when two tool groups share a name.
	ErrDuplicateToolGroup = errors.New("duplicate tool group")
)

// ruleKind is the resolved decision for one service.
type ruleKind int

const (
	allowAll ruleKind = iota
	blockAll
	allowSome
	blockSome
)

type serviceRule struct {
	kind  ruleKind
	tools map[string]struct{}
}

func (r serviceRule) permits(tool string) bool {
	_, listed := r.tools[tool]

	switch r.kind {
	case allowAll:
		return true
	case blockAll:
		return false
	case allowSome:
		return listed
	case blockSome:
		return !listed
	default:
		return false
	}
}

// merge combines two rules of the same consumer. A wildcard rule dominates,
// otherwise the tool sets are united.
func (r serviceRule) merge(other serviceRule) serviceRule {
	switch {
	case r.kind == allowAll || other.kind == allowAll:
		return serviceRule{kind: allowAll}
	case r.kind == blockAll || other.kind == blockAll:
		return serviceRule{kind: blockAll}
	}

	tools := make(map[string]struct{}, len(r.tools)+len(other.tools))
	for tool := range r.tools {
		tools[tool] = struct{}{}
	}

	for tool := range other.tools {
		tools[tool] = struct{}{}
	}

	return serviceRule{kind: r.kind, tools: tools}
}

// consumerRules is the resolved policy of one consumer.
type consumerRules struct {
	allowByDefault bool
	services       map[string]serviceRule
}

func (c *consumerRules) permits(service, tool string) bool {
	rule, ok := c.services[service]
	if !ok {
		return c.allowByDefault
	}

	return rule.permits(tool)
}

// index is an immutable snapshot built from one configuration.
type index struct {
	defaults  *consumerRules
	consumers map[string]*consumerRules
}

func (i *index) permits(service, tool, consumerTag string) bool {
	rules, ok := i.consumers[consumerTag]
	if !ok || consumerTag == "" {
		rules = i.defaults
	}

	return rules.permits(service, tool)
}

func buildIndex(cfg config.Config) (*index, error) {
	groups := make(map[string]config.ToolGroup, len(cfg.ToolGroups))

	for _, group := range cfg.ToolGroups {
		if _, exists := groups[group.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToolGroup, group.Name)
		}

		groups[group.Name] = group
	}

	defaults, err := buildConsumer(groups, cfg.Permissions.Default)
	if err != nil {
		return nil, fmt.Errorf("default permission: %w", err)
	}

	idx := &index{
		defaults:  defaults,
		consumers: make(map[string]*consumerRules, len(cfg.Permissions.Consumers)),
	}

	for name, consumer := range cfg.Permissions.Consumers {
		rules, err := buildConsumer(groups, consumer)
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", name, err)
		}

		idx.consumers[name] = rules
	}

	return idx, nil
}

func buildConsumer(groups map[string]config.ToolGroup, consumer config.ConsumerConfig) (*consumerRules, error) {
	if err := consumer.Validate(); err != nil {
		return nil, err
	}

	rules := &consumerRules{
		allowByDefault: consumer.Type == config.PolicyDefaultAllow,
		services:       make(map[string]serviceRule),
	}

	for _, name := range consumer.Groups() {
		group, ok := groups[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolGroupNotFound, name)
		}

		for service, tools := range group.Services {
			rule := newServiceRule(rules.allowByDefault, tools)

			if current, ok := rules.services[service]; ok {
				rule = current.merge(rule)
			}

			rules.services[service] = rule
		}
	}

	return rules, nil
}

// newServiceRule turns a group entry into a rule. Groups of a default-allow
// consumer block, groups of a default-block consumer allow.
func newServiceRule(blocking bool, tools config.ServiceTools) serviceRule {
	if tools.All {
		if blocking {
			return serviceRule{kind: blockAll}
		}

		return serviceRule{kind: allowAll}
	}

	set := make(map[string]struct{}, len(tools.Tools))
	for _, tool := range tools.Tools {
		set[tool] = struct{}{}
	}

	if blocking {
		return serviceRule{kind: blockSome, tools: set}
	}

	return serviceRule{kind: allowSome, tools: set}
}
