package schema

import (
	"k8s.io/apimachinery/pkg/util/validation/field"

	"smarter/internal/manifest"
)

// Discriminator names the document field that selects between several
// implementations of one Kind.
type Discriminator struct {
	Path   []string
	Values []string
}

func (d *Discriminator) fieldPath() *field.Path {
	p := field.NewPath(d.Path[0])
	for _, seg := range d.Path[1:] {
		p = p.Child(seg)
	}
	return p
}

// Resolve validates only the discriminator field and returns its value.
func (d *Discriminator) Resolve(doc *manifest.Document) (string, *field.Error) {
	v, ok := manifest.Lookup(doc.Tree(), d.Path...)
	if !ok || v == nil || v == "" {
		return "", field.Required(d.fieldPath(), "one of "+quoteJoin(d.Values))
	}
	s, ok := v.(string)
	if !ok {
		return "", field.TypeInvalid(d.fieldPath(), v, "must be a string")
	}
	for _, allowed := range d.Values {
		if s == allowed {
			return s, nil
		}
	}
	return "", field.NotSupported(d.fieldPath(), s, d.Values)
}

func quoteJoin(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += `"` + v + `"`
	}
	return out
}
