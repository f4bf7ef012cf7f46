package config

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// buildLookup materializes a generic view of the loaded config keyed by
// family name. Keys follow the yaml tags, so composition variables address
// values exactly as they appear in the files ("validation.presets.quick").
func (c *Config) buildLookup() error {
	c.lookup = map[string]any{}
	for name, v := range map[string]any{
		"workflow":    c.Workflow,
		"session":     c.Session,
		"validation":  c.Validation,
		"composition": c.Composition,
		"vendors":     c.Vendors,
		"tampering":   c.Tampering,
	} {
		m, err := toGeneric(v)
		if err != nil {
			return errs.Internalf("config lookup for %s: %v", name, err)
		}
		c.lookup[name] = m
	}
	return nil
}

func toGeneric(v any) (any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup resolves a dotted path into the loaded config. Path segments index
// maps by key and slices by decimal position. A leading "config." prefix is
// accepted and stripped.
func (c *Config) Lookup(path string) (any, bool) {
	path = strings.TrimPrefix(path, "config.")
	if path == "" {
		return nil, false
	}
	var cur any = c.lookup
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// LookupString resolves a dotted path and renders scalars as strings.
// Non-scalar values (maps, slices) report false; composition loops access
// those through Lookup directly.
func (c *Config) LookupString(path string) (string, bool) {
	v, ok := c.Lookup(path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
