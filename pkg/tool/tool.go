// Package tool defines the interface external tool implementations
// satisfy to be callable from the execution loop and swarm workers,
// plus the argument-coercion rules applied to whatever an LLM sends
// back as tool-call arguments.
package tool

import (
	"context"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Result is what a tool call produces.
type Result struct {
	Content  string
	IsError  bool
	Metadata map[string]any
}

// Tool is anything invocable from a tool call. Name must be stable
// and unique within a registry; Schema documents the expected
// arguments for both the model and the policy engine's ArgPattern
// matching.
type Tool interface {
	Name() string
	Description() string
	Schema() *jsonschema.Schema
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// Reflect builds a Tool's argument schema from a representative Go
// struct, the same way the rest of the registry documents its tools.
func Reflect(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	return r.Reflect(v)
}

// Registry is a name-indexed set of tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// CoerceBool interprets common string renderings of booleans the way
// models tend to emit them when a schema expects a boolean but the
// model sent a string.
func CoerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// CoerceStringSlice accepts either a native []any of strings or a
// single comma-joined string and normalizes both to []string.
func CoerceStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		if t == "" {
			return nil, true
		}
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, true
	}
	return nil, false
}

// CoerceInt accepts a native number or a numeric string.
func CoerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
