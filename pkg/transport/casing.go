package transport

import (
	"github.com/iancoleman/strcase"
)

// ToWire renames every object key in v from the internal lowerCamel
// convention to the wire snake_case convention. Arrays and nested objects
// are walked to any depth; scalar values are returned unchanged.
func ToWire(v any) any {
	return transformKeys(v, strcase.ToSnake)
}

// FromWire is the inverse of ToWire.
func FromWire(v any) any {
	return transformKeys(v, strcase.ToLowerCamel)
}

func transformKeys(v any, rename func(string) string) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[rename(k)] = transformKeys(val, rename)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = transformKeys(val, rename)
		}
		return out
	default:
		return v
	}
}
