package cli

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseValue reads a field value given on the command line. Valid JSON is
// decoded, so numbers, booleans, lists and objects keep their type; anything
// else is a string.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil && v != nil {
		return v
	}
	return raw
}

// ParseAssignment splits a key=value flag argument.
func ParseAssignment(flag, kv string) (key string, value any, err error) {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("--%s %q: want key=value", flag, kv)
	}
	return key, ParseValue(raw), nil
}
