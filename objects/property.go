package objects

import (
	"strings"
)

// PSObject is a deserialized engine object: a property bag with its type names.
type PSObject struct {
	TypeNames  []string
	Properties map[string]any
	// ToString is the engine's own rendering of the object, if it sent one.
	ToString string
}

// String returns ToString, or the first type name in brackets.
func (o *PSObject) String() string {
	switch {
	case o == nil:
		return ""
	case o.ToString != "":
		return o.ToString
	case len(o.TypeNames) > 0:
		return "[" + o.TypeNames[0] + "]"
	default:
		return "PSObject"
	}
}

// Property returns the named property of an engine output object. It
// understands *PSObject and map[string]any, and falls back to a
// case-insensitive name match the way the engine resolves members.
func Property(obj any, name string) (any, bool) {
	var props map[string]any
	switch v := obj.(type) {
	case *PSObject:
		if v == nil {
			return nil, false
		}
		props = v.Properties
	case map[string]any:
		props = v
	default:
		return nil, false
	}
	if val, ok := props[name]; ok {
		return val, true
	}
	for k, val := range props {
		if strings.EqualFold(k, name) {
			return val, true
		}
	}
	return nil, false
}

// StringProperty returns a string property, or "" when missing or not a string.
func StringProperty(obj any, name string) string {
	v, _ := Property(obj, name)
	s, _ := v.(string)
	return s
}

// IntProperty returns a numeric property as an int, or def when missing.
func IntProperty(obj any, name string, def int) int {
	v, ok := Property(obj, name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// BoolProperty returns a bool property, or false when missing.
func BoolProperty(obj any, name string) bool {
	v, _ := Property(obj, name)
	b, _ := v.(bool)
	return b
}
