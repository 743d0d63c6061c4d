package config

import "maps"

// ServerAttributes are the gateway-side settings of a target server.
type ServerAttributes struct {
	// Inactive servers stay connected but are hidden from agents.
	Inactive bool `json:"inactive" yaml:"inactive"`
}

// ServerAttributeSet maps normalized server names to their attributes.
type ServerAttributeSet map[string]ServerAttributes

// Clone creates a copy of the attribute set.
func (s ServerAttributeSet) Clone() ServerAttributeSet {
	return maps.Clone(s)
}

// IsActive reports whether the named server is exposed to agents.
func (s ServerAttributeSet) IsActive(name string) bool {
	return !s[NormalizeName(name)].Inactive
}
