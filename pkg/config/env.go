package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// MissingEnvError is returned when a server references environment
// variables that are not set.
type MissingEnvError struct {
	Server string
	Vars   []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("server %s is missing environment variables: %s", e.Server, strings.Join(e.Vars, ", "))
}

// EnvValue is either a literal value or a reference to a variable of the
// gateway's own environment.
type EnvValue struct {
	Value   string `json:"-"                 yaml:"-"`
	FromEnv string `json:"fromEnv,omitempty" yaml:"fromEnv,omitempty"` //nolint:tagliatelle
}

// Literal returns an EnvValue holding value.
func Literal(value string) EnvValue {
	return EnvValue{Value: value}
}

// FromEnv returns an EnvValue referencing the variable name.
func FromEnv(name string) EnvValue {
	return EnvValue{FromEnv: name}
}

// Resolve returns the value, looking it up when it is a reference.
func (v EnvValue) Resolve(lookup func(string) (string, bool)) (string, bool) {
	if v.FromEnv == "" {
		return v.Value, true
	}

	return lookup(v.FromEnv)
}

// MarshalJSON implements the json.Marshaler interface.
func (v EnvValue) MarshalJSON() ([]byte, error) {
	if v.FromEnv == "" {
		return json.Marshal(v.Value)
	}

	return json.Marshal(map[string]string{"fromEnv": v.FromEnv})
}

// MarshalYAML implements the yaml.Marshaler interface.
func (v EnvValue) MarshalYAML() (any, error) {
	if v.FromEnv == "" {
		return v.Value, nil
	}

	return map[string]string{"fromEnv": v.FromEnv}, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (v *EnvValue) UnmarshalJSON(data []byte) error {
	return v.unmarshal(func(target any) error {
		return json.Unmarshal(data, target)
	})
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (v *EnvValue) UnmarshalYAML(value *yaml.Node) error {
	return v.unmarshal(value.Decode)
}

func (v *EnvValue) unmarshal(decode func(target any) error) error {
	var literal string
	if err := decode(&literal); err == nil {
		*v = EnvValue{Value: literal}

		return nil
	}

	var ref struct {
		FromEnv string `json:"fromEnv" yaml:"fromEnv"` //nolint:tagliatelle
	}

	if err := decode(&ref); err != nil || ref.FromEnv == "" {
		return fmt.Errorf("%w: env value must be a string or {fromEnv: NAME}", ErrInvalidSchema)
	}

	*v = EnvValue{FromEnv: ref.FromEnv}

	return nil
}

// ResolveEnv resolves every env entry of the server into KEY=VALUE pairs,
// sorted by key. Unset references are collected into a MissingEnvError.
func ResolveEnv(server TargetServer, lookup func(string) (string, bool)) ([]string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	keys := make([]string, 0, len(server.Env))
	for key := range server.Env {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	env := make([]string, 0, len(keys))

	var missing []string

	for _, key := range keys {
		value, ok := server.Env[key].Resolve(lookup)
		if !ok {
			missing = append(missing, server.Env[key].FromEnv)

			continue
		}

		env = append(env, key+"="+value)
	}

	if len(missing) > 0 {
		slices.Sort(missing)

		return nil, &MissingEnvError{Server: server.Name, Vars: slices.Compact(missing)}
	}

	return env, nil
}
