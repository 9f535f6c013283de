package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoObject means the line holds no brace-delimited object.
	ErrNoObject = errors.New("telemetry: no json object in line")
	// ErrDecode means the brace-delimited text was not a valid JSON object.
	ErrDecode = errors.New("telemetry: invalid json object")
)

// ExtractObject decodes the JSON object embedded in a raw line.
//
// The candidate spans from the first '{' to the last '}', so boot
// banners or prefixes around the object are ignored. Nested objects
// are kept intact.
func ExtractObject(line string) (map[string]any, error) {
	line = strings.TrimSpace(line)
	start := strings.IndexByte(line, '{')
	end := strings.LastIndexByte(line, '}')
	if start < 0 || end < start {
		return nil, ErrNoObject
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(line[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if obj == nil {
		// "{}" decodes to an empty map; a literal null cannot reach here
		obj = map[string]any{}
	}
	return obj, nil
}
