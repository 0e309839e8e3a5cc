package models

import "fmt"

type enumValue interface {
	~string
}

func enumValid[T enumValue](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func enumParse[T enumValue](values []T, kind, raw string) (T, error) {
	for _, candidate := range values {
		if string(candidate) == raw {
			return candidate, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", kind, raw)
}

// EnumStrings converts a closed value list into plain strings, in declaration order.
// Persistence uses it to derive CHECK constraints from the Go declarations.
func EnumStrings[T enumValue](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}
