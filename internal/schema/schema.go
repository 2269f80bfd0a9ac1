// Package schema validates manifest documents against per-Kind JSON schemas
// and business rules, producing typed models for the transformers.
package schema

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"smarter/internal/apierr"
	"smarter/internal/manifest"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://smarter.sh/schemas/v1/"

// Model is a document that passed structural and business-rule checks.
type Model struct {
	APIVersion string
	Kind       string
	Variant    string
	Metadata   manifest.Metadata
	Spec       map[string]any
	// Typed holds the Kind-specific projection of Spec, e.g. *PluginSpec.
	Typed any
}

// References answers existence questions about other resources in the
// caller's scope. Implementations may be bound to a transaction.
type References interface {
	Exists(ctx context.Context, kind, name string) (bool, error)
}

// Env is what business rules may consult besides the model itself.
type Env struct {
	Refs References
	Now  time.Time
}

type Rule func(ctx context.Context, m *Model, env Env) (field.ErrorList, error)

// Schema validates one (kind, variant).
type Schema struct {
	Kind    string
	Variant string
	File    string

	compiled *jsonschema.Schema
	decode   func(spec map[string]any) (any, error)
	rules    []Rule
}

// Catalog holds every compiled schema.
type Catalog struct {
	schemas map[string]*Schema
	Now     func() time.Time
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
	defaultCatalogErr  error
)

// Default returns the process-wide catalog, compiling it on first use.
func Default() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = NewCatalog()
	})
	return defaultCatalog, defaultCatalogErr
}

// NewCatalog compiles the embedded schemas.
func NewCatalog() (*Catalog, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := schemaFiles.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}
	c := &Catalog{schemas: map[string]*Schema{}, Now: time.Now}
	for _, def := range definitions() {
		compiled, err := compiler.Compile(schemaBaseURL + def.File)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", def.File, err)
		}
		s := def
		s.compiled = compiled
		c.schemas[catalogKey(s.Kind, s.Variant)] = &s
	}
	return c, nil
}

// Get returns the schema for a kind and variant ("" for single-variant kinds).
func (c *Catalog) Get(kind, variant string) (*Schema, bool) {
	s, ok := c.schemas[catalogKey(kind, variant)]
	return s, ok
}

func (c *Catalog) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Bind returns a validator that reads the catalog clock.
func (c *Catalog) Bind(s *Schema) Validator {
	return Validator{Schema: s, Now: c.now}
}

func catalogKey(kind, variant string) string {
	return kind + "/" + variant
}

// Validator couples a schema with a clock.
type Validator struct {
	Schema *Schema
	Now    func() time.Time
}

// Validate checks doc and returns the model, or a BAD_REQUEST *apierr.Error
// listing every field error. prior holds field errors found earlier (for
// example missing envelope fields) that must be reported together.
func (v Validator) Validate(ctx context.Context, doc *manifest.Document, refs References, prior field.ErrorList) (*Model, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return v.Schema.validate(ctx, doc, Env{Refs: refs, Now: now()}, prior)
}

func (s *Schema) validate(ctx context.Context, doc *manifest.Document, env Env, prior field.ErrorList) (*Model, error) {
	structural := s.Structural(doc)
	model := &Model{
		APIVersion: doc.APIVersion,
		Kind:       doc.Kind,
		Variant:    s.Variant,
		Metadata:   doc.Metadata,
		Spec:       manifest.DeepCopy(doc.Spec).(map[string]any),
	}
	if model.Spec == nil {
		model.Spec = map[string]any{}
	}
	var ruleErrs field.ErrorList
	if typed, err := s.decode(model.Spec); err == nil {
		model.Typed = typed
		for _, rule := range append(commonRules(), s.rules...) {
			errs, err := rule(ctx, model, env)
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "validate %s %s", s.Kind, doc.Metadata.Name)
			}
			ruleErrs = append(ruleErrs, errs...)
		}
	} else if len(structural) == 0 {
		return nil, apierr.Wrap(apierr.Internal, err, "decode %s spec", s.Kind)
	}

	all := merge(prior, structural, dropCovered(ruleErrs, structural))
	if len(all) > 0 {
		return nil, apierr.Invalid(fmt.Sprintf("%s %q failed validation", s.Kind, doc.Metadata.Name), all)
	}
	return model, nil
}

// Structural runs only the JSON schema and returns every leaf violation.
func (s *Schema) Structural(doc *manifest.Document) field.ErrorList {
	err := s.compiled.Validate(doc.Tree())
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return field.ErrorList{field.InternalError(field.NewPath(""), err)}
	}
	var out field.ErrorList
	collectLeaves(ve, &out)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Type < out[j].Type
	})
	return out
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

func collectLeaves(ve *jsonschema.ValidationError, out *field.ErrorList) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectLeaves(c, out)
		}
		return
	}
	path := pointerToPath(ve.InstanceLocation)
	keyword := ve.KeywordLocation
	if i := strings.LastIndex(keyword, "/"); i >= 0 {
		keyword = keyword[i+1:]
	}
	switch keyword {
	case "required":
		for _, m := range quotedName.FindAllStringSubmatch(ve.Message, -1) {
			*out = append(*out, field.Required(childOf(path, m[1]), ""))
		}
	case "additionalProperties":
		for _, m := range quotedName.FindAllStringSubmatch(ve.Message, -1) {
			*out = append(*out, field.Forbidden(childOf(path, m[1]), "unknown field"))
		}
	case "type":
		*out = append(*out, &field.Error{Type: field.ErrorTypeTypeInvalid, Field: pathString(path), Detail: ve.Message})
	case "enum", "const":
		*out = append(*out, &field.Error{Type: field.ErrorTypeNotSupported, Field: pathString(path), Detail: ve.Message})
	case "maxLength", "maxItems":
		*out = append(*out, &field.Error{Type: field.ErrorTypeTooLong, Field: pathString(path), Detail: ve.Message})
	case "maxProperties":
		*out = append(*out, &field.Error{Type: field.ErrorTypeTooMany, Field: pathString(path), Detail: ve.Message})
	default:
		*out = append(*out, &field.Error{Type: field.ErrorTypeInvalid, Field: pathString(path), Detail: ve.Message})
	}
}

// childOf appends name to p. A nil p is the document root.
func childOf(p *field.Path, name string) *field.Path {
	if p == nil {
		return field.NewPath(name)
	}
	return p.Child(name)
}

func pathString(p *field.Path) string {
	if p == nil {
		return ""
	}
	return p.String()
}

// pointerToPath turns "/spec/data/parameters/0/name" into
// spec.data.parameters[0].name. The root pointer yields nil.
func pointerToPath(ptr string) *field.Path {
	var p *field.Path
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if seg == "" {
			continue
		}
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if p == nil {
			p = field.NewPath(seg)
			continue
		}
		if idx, err := strconv.Atoi(seg); err == nil {
			p = p.Index(idx)
			continue
		}
		p = p.Child(seg)
	}
	return p
}

// dropCovered removes rule errors reported on a field, or below a field,
// that already failed structurally.
func dropCovered(rules, structural field.ErrorList) field.ErrorList {
	if len(structural) == 0 {
		return rules
	}
	var out field.ErrorList
	for _, re := range rules {
		covered := false
		for _, se := range structural {
			if re.Field == se.Field || strings.HasPrefix(re.Field, se.Field+".") || strings.HasPrefix(re.Field, se.Field+"[") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, re)
		}
	}
	return out
}

func merge(lists ...field.ErrorList) field.ErrorList {
	seen := map[string]bool{}
	var out field.ErrorList
	for _, l := range lists {
		for _, e := range l {
			key := e.Field + "|" + string(e.Type)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	return out
}

func decodeInto[T any](spec map[string]any) (any, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
