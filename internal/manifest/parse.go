package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, true
	case "yaml", "yml":
		return YAML, true
	}
	return "", false
}

// ContentType returns the media type written for the format.
func (f Format) ContentType() string {
	if f == YAML {
		return "application/yaml"
	}
	return "application/json"
}

type ErrorKind string

const (
	Malformed            ErrorKind = "MALFORMED"
	MissingEnvelopeField ErrorKind = "MISSING_ENVELOPE_FIELD"
)

// ParseError reports a document that could not be parsed, or that lacks
// envelope fields. For MissingEnvelopeField the partial document is still
// returned alongside the error.
type ParseError struct {
	Kind   ErrorKind
	Detail string
	Fields field.ErrorList
}

func (e *ParseError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Fields.ToAggregate().Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectFormat resolves the format from a Content-Type value, falling back
// to sniffing the first non-space byte.
func DetectFormat(raw []byte, contentType string) Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/json" || strings.HasSuffix(mt, "+json"):
			return JSON
		case mt == "application/yaml", mt == "application/x-yaml", mt == "text/yaml", mt == "text/x-yaml":
			return YAML
		}
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(raw, utf8BOM), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return JSON
	}
	return YAML
}

// Parse decodes raw manifest text. It never touches state.
func Parse(raw []byte, contentType string) (*Document, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Kind: Malformed, Detail: "empty document"}
	}
	if !utf8.Valid(raw) {
		return nil, &ParseError{Kind: Malformed, Detail: "document is not valid UTF-8"}
	}
	var (
		tree any
		err  error
	)
	switch DetectFormat(raw, contentType) {
	case JSON:
		tree, err = decodeJSON(raw)
		if err != nil {
			return nil, &ParseError{Kind: Malformed, Detail: "invalid JSON: " + err.Error()}
		}
	default:
		tree, err = decodeYAML(raw)
		if err != nil {
			return nil, &ParseError{Kind: Malformed, Detail: err.Error()}
		}
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, &ParseError{Kind: Malformed, Detail: "document must be a mapping"}
	}
	delete(obj, "status")
	return fromTree(obj)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return v, nil
}

func decodeYAML(raw []byte) (any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid YAML: exactly one document expected")
	}
	// json.Marshal rejects non-string mapping keys, which is what we want.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New("invalid YAML: mapping keys must be strings")
	}
	return decodeJSON(data)
}

func fromTree(obj map[string]any) (*Document, error) {
	doc := &Document{tree: obj}
	var missing field.ErrorList

	doc.APIVersion, _ = obj["apiVersion"].(string)
	if v, ok := obj["apiVersion"]; !ok || v == nil || v == "" {
		missing = append(missing, field.Required(field.NewPath("apiVersion"), ""))
	}
	doc.Kind, _ = obj["kind"].(string)
	if v, ok := obj["kind"]; !ok || v == nil || v == "" {
		missing = append(missing, field.Required(field.NewPath("kind"), ""))
	}

	md, _ := obj["metadata"].(map[string]any)
	doc.Metadata.Name, _ = md["name"].(string)
	if v, ok := md["name"]; !ok || v == nil || v == "" {
		missing = append(missing, field.Required(field.NewPath("metadata", "name"), ""))
	}
	doc.Metadata.Description, _ = md["description"].(string)
	doc.Metadata.Version = scalarString(md["version"])
	doc.Metadata.PluginClass, _ = md["pluginClass"].(string)
	doc.Metadata.Labels = stringMap(md["labels"])
	doc.Metadata.Annotations = stringMap(md["annotations"])

	if spec, ok := obj["spec"].(map[string]any); ok {
		doc.Spec = DeepCopy(spec).(map[string]any)
	}
	if len(missing) > 0 {
		return doc, &ParseError{Kind: MissingEnvelopeField, Detail: "missing envelope fields", Fields: missing}
	}
	return doc, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
