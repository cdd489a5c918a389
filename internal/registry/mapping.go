package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TransformKind names the value conversion applied when a mapping copies a
// unified field to a provider field. The set is closed.
type TransformKind string

const (
	TransformNone                TransformKind = ""
	TransformFormatAsChatMessage TransformKind = "format_as_chat_message"
	TransformWrapInArray         TransformKind = "wrap_in_array"
	TransformToString            TransformKind = "to_string"
	TransformToInt               TransformKind = "to_int"
)

type transformFunc func(v any) (any, error)

var transforms = map[TransformKind]transformFunc{
	TransformNone:                func(v any) (any, error) { return v, nil },
	TransformFormatAsChatMessage: formatAsChatMessage,
	TransformWrapInArray:         wrapInArray,
	TransformToString:            toString,
	TransformToInt:               toInt,
}

// ParseTransformKind rejects names outside the closed set so bad mappings
// fail when they are loaded.
func ParseTransformKind(s string) (TransformKind, error) {
	k := TransformKind(strings.TrimSpace(s))
	if _, ok := transforms[k]; !ok {
		return "", fmt.Errorf("unknown transform %q", s)
	}
	return k, nil
}

// Apply runs the transform on v.
func (k TransformKind) Apply(v any) (any, error) {
	fn, ok := transforms[k]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", string(k))
	}
	return fn(v)
}

// ValidateMappings checks a mapping set for one model: every transform is known and
// each unified param appears once.
func ValidateMappings(mappings []ParameterMapping) error {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.UnifiedParam == "" || m.ProviderParam == "" {
			return fmt.Errorf("mapping for model %s has an empty param name", m.ModelID)
		}
		if _, ok := transforms[m.Transform]; !ok {
			return fmt.Errorf("mapping %s: unknown transform %q", m.UnifiedParam, string(m.Transform))
		}
		if seen[m.UnifiedParam] {
			return fmt.Errorf("mapping %s declared twice for model %s", m.UnifiedParam, m.ModelID)
		}
		seen[m.UnifiedParam] = true
	}
	return nil
}

func formatAsChatMessage(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return []map[string]any{{"role": "user", "content": val}}, nil
	case []map[string]any, []any:
		return val, nil
	default:
		return nil, fmt.Errorf("format_as_chat_message: unsupported %T", v)
	}
}

func wrapInArray(v any) (any, error) {
	switch val := v.(type) {
	case []any, []string, []map[string]any:
		return val, nil
	default:
		return []any{v}, nil
	}
}

func toString(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("to_string: %w", err)
		}
		return string(b), nil
	}
}

func toInt(v any) (any, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(math.Round(val)), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if ferr != nil {
				return nil, fmt.Errorf("to_int: %q is not a number", val)
			}
			return int(math.Round(f)), nil
		}
		return n, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("to_int: unsupported %T", v)
	}
}
