package config

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// termForm is one of the accepted document spellings of an energy term.
//
//	sim: {name: NMI, bins: 64}   verbose mapping
//	be:  [0.001, BE, stride: 4]  compact sequence, leading weight optional
//	ssd: SSD                     name only
type termForm interface {
	canonical(label, path string, errs *Error) (EnergyTerm, bool)
}

type verboseTerm struct{ node *yaml.Node }

type compactTerm struct{ items []*yaml.Node }

type namedTerm struct{ node *yaml.Node }

func termFormOf(n *yaml.Node) (termForm, error) {
	n = deref(n)
	switch n.Kind {
	case yaml.MappingNode:
		return verboseTerm{node: n}, nil
	case yaml.SequenceNode:
		return compactTerm{items: n.Content}, nil
	case yaml.ScalarNode:
		return namedTerm{node: n}, nil
	default:
		return nil, fmt.Errorf("must be a mapping, a [weight, name, key: value] list or a name")
	}
}

func decodeEnergy(n *yaml.Node, path string, dst *EnergySpec, errs *Error) {
	n = deref(n)
	if n.Kind != yaml.MappingNode {
		errs.Addf(path, "must be a mapping of labelled terms")
		return
	}
	for _, kv := range uniquePairs(n, path, errs) {
		termPath := join(path, kv.key)
		form, err := termFormOf(kv.value)
		if err != nil {
			errs.Addf(termPath, "%v", err)
			continue
		}
		if term, ok := form.canonical(kv.key, termPath, errs); ok {
			dst.Terms = append(dst.Terms, term)
		}
	}
}

func (f verboseTerm) canonical(label, path string, errs *Error) (EnergyTerm, bool) {
	term := EnergyTerm{Label: label, Weight: 1, Params: map[string]any{}}
	ok := true
	for _, kv := range uniquePairs(f.node, path, errs) {
		fieldPath := join(path, kv.key)
		switch kv.key {
		case "name":
			if !decodeName(kv.value, fieldPath, &term.Name, errs) {
				ok = false
			}
		case "weight":
			if !decodeWeight(kv.value, fieldPath, &term.Weight, errs) {
				ok = false
			}
		default:
			if !decodeParam(kv.value, fieldPath, kv.key, term.Params, errs) {
				ok = false
			}
		}
	}
	if term.Name == "" && ok {
		errs.Addf(join(path, "name"), "is required")
		ok = false
	}
	return term, ok
}

func (f compactTerm) canonical(label, path string, errs *Error) (EnergyTerm, bool) {
	term := EnergyTerm{Label: label, Weight: 1, Params: map[string]any{}}
	items := f.items
	if len(items) == 0 {
		errs.Addf(path, "empty term list")
		return term, false
	}
	ok := true
	if first := deref(items[0]); first.Kind == yaml.ScalarNode && isNumberTag(first.ShortTag()) {
		if !decodeWeight(first, indexPath(path, 0), &term.Weight, errs) {
			ok = false
		}
		items = items[1:]
	}
	if len(items) == 0 {
		errs.Addf(path, "term name is missing")
		return term, false
	}
	nameIndex := len(f.items) - len(items)
	if !decodeName(items[0], indexPath(path, nameIndex), &term.Name, errs) {
		return term, false
	}
	for i, item := range items[1:] {
		itemPath := indexPath(path, nameIndex+1+i)
		item = deref(item)
		if item.Kind != yaml.MappingNode {
			errs.Addf(itemPath, "positional parameters are not supported, write key: value")
			ok = false
			continue
		}
		for _, kv := range uniquePairs(item, path, errs) {
			switch kv.key {
			case "name", "weight":
				errs.Addf(join(path, kv.key), "must be given positionally in the compact form")
				ok = false
			default:
				if !decodeParam(kv.value, join(path, kv.key), kv.key, term.Params, errs) {
					ok = false
				}
			}
		}
	}
	return term, ok
}

func (f namedTerm) canonical(label, path string, errs *Error) (EnergyTerm, bool) {
	term := EnergyTerm{Label: label, Weight: 1, Params: map[string]any{}}
	return term, decodeName(f.node, path, &term.Name, errs)
}

func decodeName(n *yaml.Node, path string, dst *string, errs *Error) bool {
	n = deref(n)
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" || n.Value == "" {
		errs.Addf(path, "term name must be a non-empty string")
		return false
	}
	*dst = n.Value
	return true
}

func decodeWeight(n *yaml.Node, path string, dst *float64, errs *Error) bool {
	n = deref(n)
	var w float64
	if n.Kind != yaml.ScalarNode || n.Decode(&w) != nil {
		errs.Addf(path, "weight must be a number")
		return false
	}
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		errs.Addf(path, "weight must be a finite number >= 0, got %v", w)
		return false
	}
	*dst = w
	return true
}

func decodeParam(n *yaml.Node, path, key string, params map[string]any, errs *Error) bool {
	if _, dup := params[key]; dup {
		errs.Addf(path, "parameter given twice")
		return false
	}
	var v any
	if err := deref(n).Decode(&v); err != nil {
		errs.Addf(path, "%s", cleanYAMLError(err))
		return false
	}
	params[key] = v
	return true
}

func isNumberTag(tag string) bool {
	return tag == "!!int" || tag == "!!float"
}

// MarshalYAML writes terms in the verbose form, preserving order.
func (s EnergySpec) MarshalYAML() (any, error) {
	out := &yaml.Node{Kind: yaml.MappingNode}
	for _, term := range s.Terms {
		body := &yaml.Node{Kind: yaml.MappingNode}
		if err := appendPair(body, "name", term.Name); err != nil {
			return nil, err
		}
		if err := appendPair(body, "weight", term.Weight); err != nil {
			return nil, err
		}
		for _, name := range term.ParamNames() {
			if err := appendPair(body, name, term.Params[name]); err != nil {
				return nil, err
			}
		}
		out.Content = append(out.Content, keyNode(term.Label), body)
	}
	return out, nil
}

func appendPair(m *yaml.Node, key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.Content = append(m.Content, keyNode(key), &v)
	return nil
}

func keyNode(key string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
}

// Marshal renders cfg as a document Parse accepts.
func Marshal(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
