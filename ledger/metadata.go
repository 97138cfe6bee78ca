package ledger

import (
	"encoding/json"
	"strings"
)

// Metadata is the open, schema-less context attached to a transaction:
// action key, source system, correlation ids. Only "action" and "source" are
// required; everything else is carried as-is.
type Metadata map[string]any

const (
	MetaAction = "action"
	MetaSource = "source"

	DefaultSource = "system"
)

// Clone returns a shallow copy so callers cannot mutate stored entries.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// normalizeMetadata fills in the required keys and validates the shape.
// action is the value the call site implies; when strict, a conflicting
// explicit value is rejected, otherwise it is only a default.
func normalizeMetadata(m Metadata, action string, strict bool) (Metadata, error) {
	out := m.Clone()

	switch v := out[MetaAction].(type) {
	case nil:
		out[MetaAction] = action
	case string:
		if strings.TrimSpace(v) == "" {
			out[MetaAction] = action
		} else if strict && v != action {
			return nil, invalid("metadata.action", "%q does not match %q", v, action)
		}
	default:
		return nil, invalid("metadata.action", "must be a string")
	}

	switch v := out[MetaSource].(type) {
	case nil:
		out[MetaSource] = DefaultSource
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, invalid("metadata.source", "must not be blank")
		}
	default:
		return nil, invalid("metadata.source", "must be a string")
	}

	if out.String(MetaAction) == "" {
		return nil, invalid("metadata.action", "required")
	}
	if _, err := json.Marshal(out); err != nil {
		return nil, invalid("metadata", "not JSON encodable: %v", err)
	}
	return out, nil
}
