// Package manifest parses and serializes declarative resource documents.
//
// Documents are accepted as YAML or JSON. Input may contain raw UTF-8 or JSON
// \uXXXX escapes; output is always raw UTF-8 (JSON is written without HTML
// escaping and YAML without non-ASCII escaping). Numbers are carried as exact
// decimal text so parsing a serialized document yields the same values.
package manifest

import (
	"encoding/json"
	"sort"
)

// APIVersion is the only version currently served.
const APIVersion = "smarter.sh/v1"

type Metadata struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	PluginClass string            `json:"pluginClass,omitempty" yaml:"pluginClass,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Document is the envelope shared by every Kind.
type Document struct {
	APIVersion string         `json:"apiVersion" yaml:"apiVersion"`
	Kind       string         `json:"kind" yaml:"kind"`
	Metadata   Metadata       `json:"metadata" yaml:"metadata"`
	Spec       map[string]any `json:"spec,omitempty" yaml:"spec,omitempty"`
	Status     map[string]any `json:"status,omitempty" yaml:"status,omitempty"`

	// tree is the normalized input, kept so validation sees exactly what
	// the client sent (including fields of the wrong type).
	tree map[string]any
}

// Tree returns the document as a generic JSON-shaped value without status.
func (d *Document) Tree() map[string]any {
	if d.tree != nil {
		return DeepCopy(d.tree).(map[string]any)
	}
	out := map[string]any{}
	if d.APIVersion != "" {
		out["apiVersion"] = d.APIVersion
	}
	if d.Kind != "" {
		out["kind"] = d.Kind
	}
	md := map[string]any{}
	if d.Metadata.Name != "" {
		md["name"] = d.Metadata.Name
	}
	if d.Metadata.Description != "" {
		md["description"] = d.Metadata.Description
	}
	if d.Metadata.Version != "" {
		md["version"] = d.Metadata.Version
	}
	if d.Metadata.PluginClass != "" {
		md["pluginClass"] = d.Metadata.PluginClass
	}
	if len(d.Metadata.Labels) > 0 {
		md["labels"] = stringMapToAny(d.Metadata.Labels)
	}
	if len(d.Metadata.Annotations) > 0 {
		md["annotations"] = stringMapToAny(d.Metadata.Annotations)
	}
	out["metadata"] = md
	if d.Spec != nil {
		out["spec"] = DeepCopy(d.Spec)
	}
	return out
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Metadata.Labels = cloneStrings(d.Metadata.Labels)
	c.Metadata.Annotations = cloneStrings(d.Metadata.Annotations)
	if d.Spec != nil {
		c.Spec = DeepCopy(d.Spec).(map[string]any)
	}
	if d.Status != nil {
		c.Status = DeepCopy(d.Status).(map[string]any)
	}
	if d.tree != nil {
		c.tree = DeepCopy(d.tree).(map[string]any)
	}
	return &c
}

// Lookup walks a dotted path through nested maps.
func Lookup(tree map[string]any, path ...string) (any, bool) {
	var cur any = tree
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// DeepCopy copies maps and slices of a JSON-shaped value.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// Normalize converts an arbitrary Go value into the JSON-shaped form used
// throughout: map[string]any, []any, string, bool, json.Number, nil.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(data)
}

// SortedKeys returns map keys in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringMapToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
