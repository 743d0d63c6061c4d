package gateway

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// CapabilityType is the kind of a published capability.
type CapabilityType string

const (
	// CapabilityTool is a published tool.
	CapabilityTool CapabilityType = "tool"

	// CapabilityPrompt is a published prompt.
	CapabilityPrompt CapabilityType = "prompt"
)

// Separator joins the service name and the capability name.
const Separator = "__"

// ExposedName returns the name a capability of service is published under.
func ExposedName(service, name string) string {
	return service + Separator + name
}

// SplitExposedName splits a published name into service and capability name.
func SplitExposedName(exposed string) (string, string, bool) {
	return strings.Cut(exposed, Separator)
}

// CapabilityKey uniquely identifies a capability by its type and exposed name.
type CapabilityKey struct {
	Type CapabilityType
	Name string
}

// String returns a string representation of the capability key.
func (k CapabilityKey) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Name)
}

// Capability is a published capability and where it comes from.
type Capability struct {
	Service  string
	Original string
}

// CapabilityRegistry tracks which service provides each published
// capability.
type CapabilityRegistry struct {
	mu           sync.RWMutex
	capabilities map[CapabilityKey]Capability
	services     map[string]map[CapabilityKey]struct{}
}

// NewCapabilityRegistry creates a new capability registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{
		capabilities: make(map[CapabilityKey]Capability),
		services:     make(map[string]map[CapabilityKey]struct{}),
	}
}

// Add registers the capability original of service and returns its key.
func (r *CapabilityRegistry) Add(service string, capType CapabilityType, original string) CapabilityKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := CapabilityKey{Type: capType, Name: ExposedName(service, original)}
	r.capabilities[key] = Capability{Service: service, Original: original}

	if _, ok := r.services[service]; !ok {
		r.services[service] = make(map[CapabilityKey]struct{})
	}

	r.services[service][key] = struct{}{}

	return key
}

// Remove forgets a single capability.
func (r *CapabilityRegistry) Remove(key CapabilityKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capability, ok := r.capabilities[key]
	if !ok {
		return
	}

	delete(r.capabilities, key)

	if keys, ok := r.services[capability.Service]; ok {
		delete(keys, key)

		if len(keys) == 0 {
			delete(r.services, capability.Service)
		}
	}
}

// RemoveService forgets every capability of service and returns the
// exposed names grouped by type.
func (r *CapabilityRegistry) RemoveService(service string) map[CapabilityType][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make(map[CapabilityType][]string)

	for key := range r.services[service] {
		removed[key.Type] = append(removed[key.Type], key.Name)
		delete(r.capabilities, key)
	}

	delete(r.services, service)

	for capType := range removed {
		slices.Sort(removed[capType])
	}

	return removed
}

// Lookup returns the capability published under key.
func (r *CapabilityRegistry) Lookup(key CapabilityKey) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capability, ok := r.capabilities[key]

	return capability, ok
}

// ServiceCapabilities returns the keys of every capability of service.
func (r *CapabilityRegistry) ServiceCapabilities(service string) []CapabilityKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := slices.Collect(maps.Keys(r.services[service]))
	slices.SortFunc(keys, func(a, b CapabilityKey) int {
		return strings.Compare(a.String(), b.String())
	})

	return keys
}

// Services returns every service with published capabilities.
func (r *CapabilityRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.services))
}
