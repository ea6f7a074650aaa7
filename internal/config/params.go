package config

import (
	"fmt"
	"math"
	"strings"
)

type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamFloat
	ParamBool
	ParamString
	// ParamInts accepts a single integer or a list of integers.
	ParamInts
)

func (k ParamKind) String() string {
	switch k {
	case ParamInt:
		return "integer"
	case ParamFloat:
		return "number"
	case ParamBool:
		return "boolean"
	case ParamString:
		return "string"
	case ParamInts:
		return "integer or list of integers"
	default:
		return "unknown"
	}
}

// ParamSpec declares one parameter accepted by a loss kind.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
}

// LossCatalog resolves energy term names and their parameters.
type LossCatalog interface {
	LossNames() []string
	LossParams(name string) ([]ParamSpec, bool)
}

// Catalog exposes the registered kinds a document may reference.
type Catalog interface {
	LossCatalog
	TransformNames() []string
	OptimizerNames() []string
}

func checkParam(spec ParamSpec, value any) error {
	switch spec.Kind {
	case ParamInt:
		if _, ok := asInt(value); !ok {
			return fmt.Errorf("must be an %s", spec.Kind)
		}
	case ParamFloat:
		if _, ok := asFloat(value); !ok {
			return fmt.Errorf("must be a %s", spec.Kind)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("must be a %s", spec.Kind)
		}
	case ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("must be a %s", spec.Kind)
		}
	case ParamInts:
		if _, ok := asInts(value); !ok {
			return fmt.Errorf("must be an %s", spec.Kind)
		}
	}
	return nil
}

// IntParam returns params[name] as an int, or def when absent.
func IntParam(params map[string]any, name string, def int) int {
	if v, ok := asInt(params[name]); ok {
		return v
	}
	return def
}

// FloatParam returns params[name] as a float64 and whether it was set.
func FloatParam(params map[string]any, name string) (float64, bool) {
	return asFloat(params[name])
}

// IntsParam returns params[name] as an int vector of length n. A scalar is
// broadcast; nil is returned when the parameter is absent.
func IntsParam(params map[string]any, name string, n int) []int {
	values, ok := asInts(params[name])
	if !ok || len(values) == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		if i < len(values) {
			out[i] = values[i]
		} else {
			out[i] = values[len(values)-1]
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int(x), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func asInts(v any) ([]int, bool) {
	if x, ok := asInt(v); ok {
		return []int{x}, true
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		x, ok := asInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, x)
	}
	return out, true
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = fmt.Sprintf("%q", name)
	}
	return strings.Join(quoted, ", ")
}
