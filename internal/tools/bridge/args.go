package bridge

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mark3labs/mcp-go/mcp"
)

// taskIDRe is the accepted shape of task and workflow identifiers.
var taskIDRe = regexp.MustCompile(`^[a-f0-9-]{8,36}$`)

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// optionalString extracts a string from args by key, empty when absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalBool extracts a bool from args by key, returning the fallback if
// not present.
func optionalBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// optionalInt extracts a number from args by key, returning the fallback if
// not present. JSON numbers arrive as float64.
func optionalInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// requireTaskID extracts and shape-checks an identifier argument.
func requireTaskID(args map[string]any, key string) (string, error) {
	id, err := requireString(args, key)
	if err != nil {
		return "", err
	}
	if !taskIDRe.MatchString(id) {
		return "", fmt.Errorf("%s %q is not a valid identifier", key, id)
	}
	return id, nil
}

// jsonResult marshals v as the tool's text payload.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
