// Package transform maps validated manifests onto persisted records and
// back. Updates are partial: fields omitted from a manifest keep their
// stored value, nested maps merge key by key, and lists and scalars are
// replaced.
package transform

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/manifest"
	"smarter/internal/schema"
	"smarter/internal/secrets"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpNone   Op = "none"
)

// Change is one leaf difference between the stored and the desired record.
type Change struct {
	Path string `json:"path"`
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Mutation is what applying a model to the current record would do.
type Mutation struct {
	Op     Op
	Record domain.Resource
	Diff   []Change
}

type Transformer interface {
	// ToRecord computes the record for m. existing is nil on create.
	ToRecord(m *schema.Model, existing *domain.Resource) (Mutation, error)
	// ToManifest renders a record as a document without status.
	ToManifest(res domain.Resource) *manifest.Document
	// SystemManaged lists paths whose manifest value differs from what
	// was applied, such as masked secrets.
	SystemManaged() []string
}

// metadataFullReplace applies to every Kind.
var metadataFullReplace = []string{"metadata.labels", "metadata.annotations"}

// Resource is the transformer shared by every persisted Kind.
type Resource struct {
	Kind string
	// FullReplace lists dotted paths that are replaced wholesale when present.
	FullReplace []string
	// Sealed lists string paths encrypted at rest and masked on output.
	Sealed []string
	Sealer secrets.Sealer
}

func (t Resource) SystemManaged() []string {
	return append([]string(nil), t.Sealed...)
}

func (t Resource) ToRecord(m *schema.Model, existing *domain.Resource) (Mutation, error) {
	incoming, err := modelTree(m)
	if err != nil {
		return Mutation{}, apierr.Wrap(apierr.Internal, err, "normalize %s %s", t.Kind, m.Metadata.Name)
	}
	var current map[string]any
	if existing != nil {
		if current, err = recordTree(*existing); err != nil {
			return Mutation{}, apierr.Wrap(apierr.Internal, err, "normalize stored %s %s", t.Kind, existing.Name)
		}
	}
	if err := t.seal(incoming, current); err != nil {
		return Mutation{}, err
	}

	var desired map[string]any
	switch {
	case existing == nil:
		desired = incoming
	case existing.Variant != m.Variant:
		// a different implementation shares no spec fields with the old one
		desired = mergeTrees(current, incoming, "", t.fullReplace())
		desired["spec"] = manifest.DeepCopy(incoming["spec"])
	default:
		desired = mergeTrees(current, incoming, "", t.fullReplace())
	}

	rec := domain.Resource{}
	if existing != nil {
		rec = *existing
	}
	rec.Kind = t.Kind
	rec.Name = m.Metadata.Name
	rec.APIVersion = m.APIVersion
	rec.Variant = m.Variant
	if err := fromTree(desired, &rec); err != nil {
		return Mutation{}, apierr.Wrap(apierr.Internal, err, "build %s %s", t.Kind, m.Metadata.Name)
	}

	if existing == nil {
		return Mutation{Op: OpCreate, Record: rec, Diff: t.mask(diffTrees(nil, desired, ""))}, nil
	}
	changes := diffTrees(current, desired, "")
	if existing.APIVersion != rec.APIVersion {
		changes = append(changes, Change{Path: "apiVersion", Old: existing.APIVersion, New: rec.APIVersion})
	}
	if existing.Variant != rec.Variant {
		changes = append(changes, Change{Path: "metadata.pluginClass", Old: existing.Variant, New: rec.Variant})
	}
	sortChanges(changes)
	if len(changes) == 0 {
		return Mutation{Op: OpNone, Record: *existing}, nil
	}
	return Mutation{Op: OpUpdate, Record: rec, Diff: t.mask(changes)}, nil
}

func (t Resource) ToManifest(res domain.Resource) *manifest.Document {
	doc := &manifest.Document{
		APIVersion: res.APIVersion,
		Kind:       res.Kind,
		Metadata: manifest.Metadata{
			Name:        res.Name,
			Description: res.Description,
			Version:     res.Version,
			PluginClass: res.Variant,
		},
	}
	if doc.APIVersion == "" {
		doc.APIVersion = manifest.APIVersion
	}
	if len(res.Labels) > 0 {
		doc.Metadata.Labels = copyStrings(res.Labels)
	}
	if len(res.Annotations) > 0 {
		doc.Metadata.Annotations = copyStrings(res.Annotations)
	}
	spec, _ := manifest.DeepCopy(res.Spec).(map[string]any)
	if spec == nil {
		spec = map[string]any{}
	}
	for _, p := range t.Sealed {
		path := strings.Split(strings.TrimPrefix(p, "spec."), ".")
		if _, ok := manifest.Lookup(spec, path...); ok {
			setPath(spec, path, secrets.Mask)
		}
	}
	doc.Spec = spec
	return doc
}

// Reveal returns the plaintext of a sealed path of res.
func (t Resource) Reveal(res domain.Resource, path string) (string, error) {
	v, ok := manifest.Lookup(res.Spec, strings.Split(strings.TrimPrefix(path, "spec."), ".")...)
	if !ok {
		return "", fmt.Errorf("%s not set", path)
	}
	s, _ := v.(string)
	return t.Sealer.Open(s)
}

func (t Resource) fullReplace() map[string]bool {
	out := map[string]bool{}
	for _, p := range metadataFullReplace {
		out[p] = true
	}
	for _, p := range t.FullReplace {
		out[p] = true
	}
	return out
}

// seal replaces plaintext secrets in incoming with ciphertext. An unchanged
// value, or the mask itself, keeps the stored ciphertext so reapplying is
// not a change.
func (t Resource) seal(incoming, current map[string]any) error {
	var errs field.ErrorList
	for _, p := range t.Sealed {
		path := strings.Split(p, ".")
		v, ok := manifest.Lookup(incoming, path...)
		if !ok {
			continue
		}
		plain, _ := v.(string)
		stored, _ := manifest.Lookup(current, path...)
		storedText, _ := stored.(string)
		if storedText != "" && secrets.IsSealed(storedText) {
			if plain == secrets.Mask {
				setPath(incoming, path, storedText)
				continue
			}
			if t.Sealer.Enabled() {
				if old, err := t.Sealer.Open(storedText); err == nil && old == plain {
					setPath(incoming, path, storedText)
					continue
				}
			}
		}
		if plain == secrets.Mask {
			errs = append(errs, field.Invalid(fieldPath(p), secrets.Mask, "masked value cannot be applied"))
			continue
		}
		if !t.Sealer.Enabled() {
			return apierr.New(apierr.NotReady, "secret encryption is not configured")
		}
		sealed, err := t.Sealer.Seal(plain)
		if err != nil {
			return apierr.Wrap(apierr.Internal, err, "seal %s", p)
		}
		setPath(incoming, path, sealed)
	}
	if len(errs) > 0 {
		return apierr.Invalid(fmt.Sprintf("%s failed validation", t.Kind), errs)
	}
	return nil
}

func (t Resource) mask(changes []Change) []Change {
	for i := range changes {
		for _, p := range t.Sealed {
			if changes[i].Path == p {
				if changes[i].Old != nil {
					changes[i].Old = secrets.Mask
				}
				if changes[i].New != nil {
					changes[i].New = secrets.Mask
				}
			}
		}
	}
	return changes
}

// modelTree holds only what the client sent.
func modelTree(m *schema.Model) (map[string]any, error) {
	md := map[string]any{}
	if m.Metadata.Description != "" {
		md["description"] = m.Metadata.Description
	}
	if m.Metadata.Version != "" {
		md["version"] = m.Metadata.Version
	}
	if m.Metadata.Labels != nil {
		md["labels"] = m.Metadata.Labels
	}
	if m.Metadata.Annotations != nil {
		md["annotations"] = m.Metadata.Annotations
	}
	spec := m.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	v, err := manifest.Normalize(map[string]any{"metadata": md, "spec": spec})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func recordTree(res domain.Resource) (map[string]any, error) {
	md := map[string]any{}
	if res.Description != "" {
		md["description"] = res.Description
	}
	if res.Version != "" {
		md["version"] = res.Version
	}
	if len(res.Labels) > 0 {
		md["labels"] = res.Labels
	}
	if len(res.Annotations) > 0 {
		md["annotations"] = res.Annotations
	}
	spec := res.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	v, err := manifest.Normalize(map[string]any{"metadata": md, "spec": spec})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func fromTree(tree map[string]any, rec *domain.Resource) error {
	md, _ := tree["metadata"].(map[string]any)
	rec.Description, _ = md["description"].(string)
	rec.Version, _ = md["version"].(string)
	var err error
	if rec.Labels, err = toStrings(md["labels"]); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	if rec.Annotations, err = toStrings(md["annotations"]); err != nil {
		return fmt.Errorf("annotations: %w", err)
	}
	spec, _ := tree["spec"].(map[string]any)
	if spec == nil {
		spec = map[string]any{}
	}
	rec.Spec = spec
	return nil
}

func toStrings(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", k, val)
		}
		out[k] = s
	}
	return out, nil
}

func mergeTrees(base, patch map[string]any, prefix string, full map[string]bool) map[string]any {
	out := manifest.DeepCopy(base).(map[string]any)
	for k, v := range patch {
		p := join(prefix, k)
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok && !full[p] {
			out[k] = mergeTrees(bm, pm, p, full)
			continue
		}
		out[k] = manifest.DeepCopy(v)
	}
	return out
}

func diffTrees(old, updated map[string]any, prefix string) []Change {
	var out []Change
	for _, k := range unionKeys(old, updated) {
		p := join(prefix, k)
		ov, ook := old[k]
		nv, nok := updated[k]
		om, omok := ov.(map[string]any)
		nm, nmok := nv.(map[string]any)
		switch {
		case omok && nmok:
			out = append(out, diffTrees(om, nm, p)...)
		case !ook && nmok:
			out = append(out, diffTrees(nil, nm, p)...)
		case omok && !nok:
			out = append(out, diffTrees(om, nil, p)...)
		case !reflect.DeepEqual(ov, nv):
			out = append(out, Change{Path: p, Old: ov, New: nv})
		}
	}
	return out
}

func unionKeys(a, b map[string]any) []string {
	seen := map[string]struct{}{}
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
}

func setPath(tree map[string]any, path []string, v any) {
	cur := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

func fieldPath(dotted string) *field.Path {
	parts := strings.Split(dotted, ".")
	return field.NewPath(parts[0], parts[1:]...)
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
