package models

import (
	"fmt"
	"time"
)

// Entity is a resolved record tracked by the presence registry.
type Entity struct {
	ID           string                 `json:"id"`
	AppearanceID string                 `json:"appearance_id,omitempty"`
	RawTagID     string                 `json:"raw_tag_id,omitempty"`
	Attributes   map[string]interface{} `json:"attributes"`
	Tags         []RuleTag              `json:"tags,omitempty"`
	FirstSeen    time.Time              `json:"first_seen"`
	LastSeen     time.Time              `json:"last_seen"`
}

// Attribute returns an attribute rendered as a string.
func (e *Entity) Attribute(name string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	v, ok := e.Attributes[name]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Clone returns a copy that shares no maps or slices with e.
func (e Entity) Clone() Entity {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = cloneValue(v)
		}
	}
	if e.Tags != nil {
		out.Tags = append([]RuleTag(nil), e.Tags...)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
