package manifest

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Serialize writes the document in the requested format.
func Serialize(doc *Document, format Format) ([]byte, error) {
	if format == YAML {
		return serializeYAML(doc)
	}
	return MarshalJSON(doc)
}

// Encode writes a *Document with Serialize and any other value as JSON or
// as YAML of its JSON form.
func Encode(v any, format Format) ([]byte, error) {
	if doc, ok := v.(*Document); ok && doc != nil {
		return Serialize(doc, format)
	}
	if format != YAML {
		return MarshalJSON(v)
	}
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return MarshalYAML(tree)
}

// MarshalJSON encodes v as indented JSON with raw UTF-8 and no HTML escaping.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalYAML encodes v with two-space indentation, preserving json.Number
// values as YAML numbers.
func MarshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(yamlValue(v)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serializeYAML(doc *Document) ([]byte, error) {
	out := *doc
	if doc.Spec != nil {
		out.Spec = yamlValue(doc.Spec).(map[string]any)
	}
	if doc.Status != nil {
		out.Status = yamlValue(doc.Status).(map[string]any)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func yamlValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = yamlValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = yamlValue(val)
		}
		return out
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(t.String(), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: t.String()}
	default:
		return v
	}
}
