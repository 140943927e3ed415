package debugger

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/smnsjas/go-pseshost/objects"
)

// VariableDetails describes one variable captured at a debugger stop. When
// Expandable is set, ID can be passed to GetVariables to list its children.
type VariableDetails struct {
	ID         int
	Name       string
	Value      string
	Type       string
	Expandable bool
}

// Scope is a variable container shown for a stack frame.
type Scope struct {
	Name string
	// ID references the scope's variables.
	ID int
	// Expensive marks scopes a client should not expand eagerly.
	Expensive bool
}

// Scope names.
const (
	ScopeLocal  = "Local"
	ScopeScript = "Script"
	ScopeGlobal = "Global"
)

// variableEntry is one node of a stop's variable index.
type variableEntry struct {
	details VariableDetails
	value   any
	// scope is the engine scope a container maps to ("0", "script", ...).
	// Empty for entries that are not scopes.
	scope    string
	children []int
	expanded bool
}

type namedValue struct {
	name  string
	value any
}

// children lists the members of a structured value in a stable order.
func children(v any) []namedValue {
	switch val := v.(type) {
	case nil:
		return nil
	case *objects.PSObject:
		if val == nil {
			return nil
		}
		return mapChildren(val.Properties)
	case objects.PSObject:
		return mapChildren(val.Properties)
	case map[string]any:
		return mapChildren(val)
	case []any:
		out := make([]namedValue, len(val))
		for i, item := range val {
			out[i] = namedValue{name: "[" + strconv.Itoa(i) + "]", value: item}
		}
		return out
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]namedValue, rv.Len())
		for i := range out {
			out[i] = namedValue{name: "[" + strconv.Itoa(i) + "]", value: rv.Index(i).Interface()}
		}
		return out
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
		out := make([]namedValue, len(keys))
		for i, k := range keys {
			out[i] = namedValue{name: fmt.Sprint(k.Interface()), value: rv.MapIndex(k).Interface()}
		}
		return out
	case reflect.Struct:
		t := rv.Type()
		out := make([]namedValue, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); f.IsExported() {
				out = append(out, namedValue{name: f.Name, value: rv.Field(i).Interface()})
			}
		}
		return out
	}
	return nil
}

func mapChildren(m map[string]any) []namedValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]namedValue, len(keys))
	for i, k := range keys {
		out[i] = namedValue{name: k, value: m[k]}
	}
	return out
}

// isExpandable reports whether v has members worth listing.
func isExpandable(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float64:
		return false
	}
	return len(children(v)) > 0
}

// formatValue renders v the way the engine's debugger shows values.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "$null"
	case string:
		return `"` + val + `"`
	case bool:
		if val {
			return "$true"
		}
		return "$false"
	case *objects.PSObject:
		if val == nil {
			return "$null"
		}
		return "[" + psTypeName(val.TypeNames) + "]"
	case objects.PSObject:
		return "[" + psTypeName(val.TypeNames) + "]"
	case map[string]any:
		return fmt.Sprintf("[Hashtable: %d]", len(val))
	case []any:
		return fmt.Sprintf("[Object[]: %d]", len(val))
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("[%s: %d]", typeName(v), rv.Len())
	case reflect.Map:
		return fmt.Sprintf("[%s: %d]", typeName(v), rv.Len())
	case reflect.Struct, reflect.Pointer:
		return "[" + typeName(v) + "]"
	}
	return fmt.Sprint(v)
}

func psTypeName(names []string) string {
	if len(names) == 0 {
		return "PSCustomObject"
	}
	return names[0]
}

// typeName returns the engine type name for v.
func typeName(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return "System.String"
	case bool:
		return "System.Boolean"
	case int, int32:
		return "System.Int32"
	case int64:
		return "System.Int64"
	case float64:
		return "System.Double"
	case []any:
		return "System.Object[]"
	case map[string]any:
		return "System.Collections.Hashtable"
	case *objects.PSObject:
		if val != nil && len(val.TypeNames) > 0 {
			return val.TypeNames[0]
		}
		return "System.Management.Automation.PSCustomObject"
	case objects.PSObject:
		if len(val.TypeNames) > 0 {
			return val.TypeNames[0]
		}
		return "System.Management.Automation.PSCustomObject"
	}
	return fmt.Sprintf("%T", v)
}
