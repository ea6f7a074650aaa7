package config

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML registration document into the typed schema and
// validates it. All violations are collected into a single *Error.
func Parse(data []byte, catalog Catalog) (Config, error) {
	cfg := Defaults()
	errs := &Error{}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		errs.Addf("", "parse yaml: %s", cleanYAMLError(err))
		return Config{}, errs
	}
	root := deref(&doc)
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			errs.Addf("", "document is empty")
			return Config{}, errs
		}
		root = deref(root.Content[0])
	}
	if root.Kind != yaml.MappingNode {
		errs.Addf("", "document must be a mapping")
		return Config{}, errs
	}

	seen := make(map[string]bool)
	for _, kv := range uniquePairs(root, "", errs) {
		seen[kv.key] = true
		switch kv.key {
		case "model":
			decodeModel(kv.value, "model", &cfg.Model, errs)
		case "energy":
			decodeEnergy(kv.value, "energy", &cfg.Energy, errs)
		case "optim":
			decodeOptim(kv.value, "optim", &cfg.Optim, errs)
		case "pyramid":
			decodePyramid(kv.value, "pyramid", &cfg.Pyramid, errs)
		case "run":
			decodeRun(kv.value, "run", &cfg.Run, errs)
		default:
			errs.Addf(kv.key, "unknown section")
		}
	}
	for _, section := range []string{"model", "energy", "optim", "pyramid"} {
		if !seen[section] {
			errs.Addf(section, "section is required")
		}
	}

	validateStructure(cfg, errs)
	if catalog != nil {
		validateCatalog(cfg, catalog, errs)
	}
	if err := errs.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fieldDecoder func(n *yaml.Node, path string, errs *Error)

// decodeSection applies per-key decoders to a mapping node and reports
// unknown and missing keys.
func decodeSection(n *yaml.Node, path string, fields map[string]fieldDecoder, required []string, errs *Error) {
	n = deref(n)
	if n.Kind != yaml.MappingNode {
		errs.Addf(path, "must be a mapping")
		return
	}
	seen := make(map[string]bool)
	for _, kv := range uniquePairs(n, path, errs) {
		seen[kv.key] = true
		decode, ok := fields[kv.key]
		if !ok {
			errs.Addf(join(path, kv.key), "unknown field")
			continue
		}
		decode(kv.value, join(path, kv.key), errs)
	}
	for _, key := range required {
		if !seen[key] {
			errs.Addf(join(path, key), "is required")
		}
	}
}

func decodeModel(n *yaml.Node, path string, dst *TransformationSpec, errs *Error) {
	decodeSection(n, path, map[string]fieldDecoder{
		"name":         scalarInto(&dst.Name),
		"transpose":    scalarInto(&dst.Transpose),
		"stride":       listInto(&dst.Stride),
		"stride_unit":  scalarInto(&dst.StrideUnit),
		"steps":        scalarInto(&dst.Steps),
		"init_noise":   scalarInto(&dst.InitNoise),
		"affine_model": scalarInto(&dst.AffineModel),
	}, []string{"name"}, errs)
}

func decodeOptim(n *yaml.Node, path string, dst *OptimizerSpec, errs *Error) {
	decodeSection(n, path, map[string]fieldDecoder{
		"name":           scalarInto(&dst.Name),
		"lr":             scalarInto(&dst.LR),
		"min_delta":      scalarInto(&dst.MinDelta),
		"max_steps":      scalarInto(&dst.MaxSteps),
		"stall_steps":    scalarInto(&dst.StallSteps),
		"lr_decay_rate":  scalarInto(&dst.LRDecayRate),
		"lr_decay_steps": scalarInto(&dst.LRDecaySteps),
		"beta1":          optionalInto(&dst.Beta1),
		"beta2":          optionalInto(&dst.Beta2),
		"epsilon":        optionalInto(&dst.Epsilon),
		"momentum":       optionalInto(&dst.Momentum),
	}, []string{"name", "lr", "max_steps"}, errs)
}

func decodePyramid(n *yaml.Node, path string, dst *PyramidSpec, errs *Error) {
	decodeSection(n, path, map[string]fieldDecoder{
		"dims":    listInto(&dst.Dims),
		"levels":  scalarInto(&dst.Levels),
		"spacing": listInto(&dst.Spacing),
	}, []string{"dims", "levels", "spacing"}, errs)
}

func decodeRun(n *yaml.Node, path string, dst *RunSpec, errs *Error) {
	decodeSection(n, path, map[string]fieldDecoder{
		"on_level_failure": scalarInto(&dst.OnLevelFailure),
		"seed":             scalarInto(&dst.Seed),
	}, nil, errs)
}

func scalarInto[T any](dst *T) fieldDecoder {
	return func(n *yaml.Node, path string, errs *Error) {
		n = deref(n)
		if n.Kind != yaml.ScalarNode {
			errs.Addf(path, "must be a scalar")
			return
		}
		var v T
		if err := n.Decode(&v); err != nil {
			errs.Addf(path, "%s", cleanYAMLError(err))
			return
		}
		*dst = v
	}
}

func optionalInto(dst **float64) fieldDecoder {
	return func(n *yaml.Node, path string, errs *Error) {
		var v float64
		before := len(errs.Violations)
		scalarInto(&v)(n, path, errs)
		if len(errs.Violations) == before {
			*dst = &v
		}
	}
}

// listInto accepts a sequence of scalars, or a single scalar as a
// one-element list.
func listInto[T any](dst *[]T) fieldDecoder {
	return func(n *yaml.Node, path string, errs *Error) {
		n = deref(n)
		switch n.Kind {
		case yaml.ScalarNode:
			var v T
			if err := n.Decode(&v); err != nil {
				errs.Addf(path, "%s", cleanYAMLError(err))
				return
			}
			*dst = []T{v}
		case yaml.SequenceNode:
			out := make([]T, 0, len(n.Content))
			failed := false
			for i, item := range n.Content {
				item = deref(item)
				var v T
				if item.Kind != yaml.ScalarNode {
					errs.Addf(indexPath(path, i), "must be a scalar")
					failed = true
					continue
				}
				if err := item.Decode(&v); err != nil {
					errs.Addf(indexPath(path, i), "%s", cleanYAMLError(err))
					failed = true
					continue
				}
				out = append(out, v)
			}
			if !failed {
				*dst = out
			}
		default:
			errs.Addf(path, "must be a list")
		}
	}
}

type nodePair struct {
	key   string
	value *yaml.Node
}

// mappingPairs flattens a mapping node, expanding YAML merge keys ("<<")
// before the node's own keys so explicit keys win.
func mappingPairs(n *yaml.Node) []nodePair {
	n = deref(n)
	var merged, own []nodePair
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		if key.Tag == "!!merge" || key.Value == "<<" {
			src := deref(value)
			switch src.Kind {
			case yaml.MappingNode:
				merged = append(merged, mappingPairs(src)...)
			case yaml.SequenceNode:
				for _, item := range src.Content {
					merged = append(merged, mappingPairs(item)...)
				}
			}
			continue
		}
		own = append(own, nodePair{key: key.Value, value: value})
	}
	if len(merged) == 0 {
		return own
	}
	out := make([]nodePair, 0, len(merged)+len(own))
	overridden := make(map[string]bool, len(own)+len(merged))
	for _, kv := range own {
		overridden[kv.key] = true
	}
	for _, kv := range merged {
		if !overridden[kv.key] {
			overridden[kv.key] = true
			out = append(out, kv)
		}
	}
	return append(out, own...)
}

// uniquePairs is mappingPairs with keys repeated in the node itself
// reported at path and dropped after their first occurrence.
func uniquePairs(n *yaml.Node, path string, errs *Error) []nodePair {
	pairs := mappingPairs(n)
	seen := make(map[string]bool, len(pairs))
	out := pairs[:0:0]
	for _, kv := range pairs {
		if seen[kv.key] {
			errs.Addf(join(path, kv.key), "key given twice")
			continue
		}
		seen[kv.key] = true
		out = append(out, kv)
	}
	return out
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

func cleanYAMLError(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "yaml: unmarshal errors:\n")
	msg = strings.TrimPrefix(msg, "yaml: ")
	return strings.TrimSpace(msg)
}
