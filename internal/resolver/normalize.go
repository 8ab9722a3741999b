package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"presencetrack/pkg/models"
)

// FieldKind is the zero-value family of a declared attribute.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindMap    FieldKind = "map"
)

// Field declares an attribute that must always be present on a resolved entity.
type Field struct {
	Name string
	Kind FieldKind
}

// Normalizer shapes fetched records into entity attributes.
type Normalizer struct {
	idField string
	fields  []Field
}

// NewNormalizer validates the field declarations.
func NewNormalizer(idField string, fields []Field) (*Normalizer, error) {
	if strings.TrimSpace(idField) == "" {
		idField = "id"
	}
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, fmt.Errorf("field name is required")
		}
		kind := FieldKind(strings.ToLower(strings.TrimSpace(string(f.Kind))))
		switch kind {
		case KindString, KindNumber, KindBool, KindList, KindMap:
		default:
			return nil, fmt.Errorf("field %s: unknown kind %q", name, f.Kind)
		}
		out = append(out, Field{Name: name, Kind: kind})
	}
	return &Normalizer{idField: idField, fields: out}, nil
}

// Normalize copies record into a new entity, filling declared fields with zero values
// when they are missing, null or of the wrong kind. fallbackID is used when the record has no id.
func (n *Normalizer) Normalize(record map[string]interface{}, fallbackID string) *models.Entity {
	attrs := make(map[string]interface{}, len(record)+len(n.fields))
	for k, v := range record {
		attrs[k] = v
	}

	for _, f := range n.fields {
		v, ok := attrs[f.Name]
		if !ok || v == nil || !matchesKind(v, f.Kind) {
			attrs[f.Name] = zeroValue(f.Kind)
		}
	}

	id := idString(record[n.idField])
	if id == "" {
		id = fallbackID
	}
	return &models.Entity{ID: id, Attributes: attrs}
}

func matchesKind(v interface{}, kind FieldKind) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		_, ok := v.([]interface{})
		return ok
	case KindMap:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}

func zeroValue(kind FieldKind) interface{} {
	switch kind {
	case KindString:
		return ""
	case KindNumber:
		return float64(0)
	case KindBool:
		return false
	case KindList:
		return []interface{}{}
	case KindMap:
		return map[string]interface{}{}
	}
	return nil
}

func idString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	}
	return ""
}
