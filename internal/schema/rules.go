package schema

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/hashicorp/go-version"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func commonRules() []Rule {
	return []Rule{metadataRules}
}

func metadataRules(_ context.Context, m *Model, _ Env) (field.ErrorList, error) {
	var errs field.ErrorList
	md := field.NewPath("metadata")
	if m.Metadata.Name != "" {
		for _, msg := range validation.IsCIdentifier(m.Metadata.Name) {
			errs = append(errs, field.Invalid(md.Child("name"), m.Metadata.Name, msg))
		}
	}
	if m.Metadata.Version != "" {
		if _, err := version.NewVersion(m.Metadata.Version); err != nil {
			errs = append(errs, field.Invalid(md.Child("version"), m.Metadata.Version, "must be a semantic version such as 1.0.0"))
		}
	}
	return errs, nil
}

func secretExpiration(_ context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*SecretSpec)
	if spec.ExpirationDate == "" {
		return nil, nil
	}
	p := field.NewPath("spec", "expirationDate")
	exp, err := time.Parse(time.DateOnly, spec.ExpirationDate)
	if err != nil {
		return field.ErrorList{field.Invalid(p, spec.ExpirationDate, "must be a date in YYYY-MM-DD form")}, nil
	}
	if !exp.After(env.Now) {
		return field.ErrorList{field.Invalid(p, spec.ExpirationDate, "must be in the future")}, nil
	}
	return nil, nil
}

func sqlConnectionRules(ctx context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*SqlConnectionSpec)
	conn := field.NewPath("spec", "connection")
	var errs field.ErrorList
	for _, msg := range validation.IsValidPortNum(spec.Connection.Port) {
		errs = append(errs, field.Invalid(conn.Child("port"), spec.Connection.Port, msg))
	}
	errs = append(errs, checkHost(conn.Child("hostname"), spec.Connection.Hostname)...)
	if spec.Connection.Password != "" {
		refErrs, err := checkRef(ctx, env, conn.Child("password"), KindSecret, spec.Connection.Password)
		if err != nil {
			return nil, err
		}
		errs = append(errs, refErrs...)
	}
	return errs, nil
}

func apiConnectionRules(ctx context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*ApiConnectionSpec)
	conn := field.NewPath("spec", "connection")
	var errs field.ErrorList
	if spec.Connection.AuthMethod != "none" && spec.Connection.APIKey == "" {
		errs = append(errs, field.Required(conn.Child("apiKey"), fmt.Sprintf("required when authMethod is %q", spec.Connection.AuthMethod)))
	}
	if spec.Connection.APIKey != "" {
		refErrs, err := checkRef(ctx, env, conn.Child("apiKey"), KindSecret, spec.Connection.APIKey)
		if err != nil {
			return nil, err
		}
		errs = append(errs, refErrs...)
	}
	return errs, nil
}

func pluginSelector(_ context.Context, m *Model, _ Env) (field.ErrorList, error) {
	spec := m.Typed.(*PluginSpec)
	if spec.Selector.Directive == "search_terms" && len(spec.Selector.SearchTerms) == 0 {
		return field.ErrorList{field.Required(field.NewPath("spec", "selector", "searchTerms"), `required when directive is "search_terms"`)}, nil
	}
	return nil, nil
}

func sqlPluginRules(ctx context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*PluginSpec)
	p := field.NewPath("spec", "data", "sqlData")
	if spec.Data.SQLData == nil {
		return field.ErrorList{field.Required(p, "")}, nil
	}
	d := spec.Data.SQLData
	errs, err := checkRef(ctx, env, p.Child("connection"), KindSqlConnection, d.Connection)
	if err != nil {
		return nil, err
	}
	declared, paramErrs := checkParameters(p.Child("parameters"), d.Parameters)
	errs = append(errs, paramErrs...)
	errs = append(errs, checkPlaceholders(p.Child("sqlQuery"), d.SQLQuery, declared)...)
	errs = append(errs, checkTestValues(p.Child("testValues"), d.TestValues, declared)...)
	return errs, nil
}

func apiPluginRules(ctx context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*PluginSpec)
	p := field.NewPath("spec", "data", "apiData")
	if spec.Data.APIData == nil {
		return field.ErrorList{field.Required(p, "")}, nil
	}
	d := spec.Data.APIData
	errs, err := checkRef(ctx, env, p.Child("connection"), KindApiConnection, d.Connection)
	if err != nil {
		return nil, err
	}
	declared, paramErrs := checkParameters(p.Child("parameters"), d.Parameters)
	errs = append(errs, paramErrs...)
	errs = append(errs, checkPlaceholders(p.Child("endpoint"), d.Endpoint, declared)...)
	errs = append(errs, checkTestValues(p.Child("testValues"), d.TestValues, declared)...)
	return errs, nil
}

func chatBotRules(ctx context.Context, m *Model, env Env) (field.ErrorList, error) {
	spec := m.Typed.(*ChatBotSpec)
	var errs field.ErrorList
	cfg := field.NewPath("spec", "config")
	if spec.Config.Subdomain != "" {
		for _, msg := range validation.IsDNS1123Label(spec.Config.Subdomain) {
			errs = append(errs, field.Invalid(cfg.Child("subdomain"), spec.Config.Subdomain, msg))
		}
	}
	if spec.Config.CustomDomain != "" {
		for _, msg := range validation.IsDNS1123Subdomain(spec.Config.CustomDomain) {
			errs = append(errs, field.Invalid(cfg.Child("customDomain"), spec.Config.CustomDomain, msg))
		}
	}
	plugins := field.NewPath("spec", "plugins")
	seen := map[string]bool{}
	for i, name := range spec.Plugins {
		if seen[name] {
			errs = append(errs, field.Duplicate(plugins.Index(i), name))
			continue
		}
		seen[name] = true
		refErrs, err := checkRef(ctx, env, plugins.Index(i), KindPlugin, name)
		if err != nil {
			return nil, err
		}
		errs = append(errs, refErrs...)
	}
	functions := field.NewPath("spec", "functions")
	seenFn := map[string]bool{}
	for i, fn := range spec.Functions {
		if seenFn[fn] {
			errs = append(errs, field.Duplicate(functions.Index(i), fn))
		}
		seenFn[fn] = true
	}
	if spec.APIKey != "" {
		refErrs, err := checkRef(ctx, env, field.NewPath("spec", "apiKey"), KindSecret, spec.APIKey)
		if err != nil {
			return nil, err
		}
		errs = append(errs, refErrs...)
	}
	return errs, nil
}

// checkRef validates a reference to another resource: the name must be a
// snake_case identifier and, when a lookup is available, must exist.
func checkRef(ctx context.Context, env Env, p *field.Path, kind, name string) (field.ErrorList, error) {
	var errs field.ErrorList
	for _, msg := range validation.IsCIdentifier(name) {
		errs = append(errs, field.Invalid(p, name, msg))
	}
	if len(errs) > 0 || env.Refs == nil {
		return errs, nil
	}
	ok, err := env.Refs.Exists(ctx, kind, name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", kind, name, err)
	}
	if !ok {
		errs = append(errs, &field.Error{
			Type:     field.ErrorTypeNotFound,
			Field:    p.String(),
			BadValue: name,
			Detail:   fmt.Sprintf("%s %q does not exist", kind, name),
		})
	}
	return errs, nil
}

func checkHost(p *field.Path, host string) field.ErrorList {
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	var errs field.ErrorList
	for _, msg := range validation.IsDNS1123Subdomain(host) {
		errs = append(errs, field.Invalid(p, host, msg))
	}
	return errs
}

func checkParameters(p *field.Path, params []Parameter) (map[string]Parameter, field.ErrorList) {
	declared := map[string]Parameter{}
	var errs field.ErrorList
	for i, param := range params {
		ip := p.Index(i)
		if _, dup := declared[param.Name]; dup {
			errs = append(errs, field.Duplicate(ip.Child("name"), param.Name))
			continue
		}
		declared[param.Name] = param
		if param.Default != nil && !matchesType(param.Type, param.Default) {
			errs = append(errs, field.Invalid(ip.Child("default"), param.Default, "must be of type "+param.Type))
		}
		for j, v := range param.Enum {
			if !matchesType(param.Type, v) {
				errs = append(errs, field.Invalid(ip.Child("enum").Index(j), v, "must be of type "+param.Type))
			}
		}
	}
	return declared, errs
}

func checkPlaceholders(p *field.Path, text string, declared map[string]Parameter) field.ErrorList {
	var errs field.ErrorList
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := declared[m[1]]; !ok {
			errs = append(errs, field.Invalid(p, text, fmt.Sprintf("placeholder {%s} does not reference a declared parameter", m[1])))
		}
	}
	return errs
}

func checkTestValues(p *field.Path, values []TestValue, declared map[string]Parameter) field.ErrorList {
	var errs field.ErrorList
	for i, tv := range values {
		param, ok := declared[tv.Name]
		if !ok {
			errs = append(errs, field.Invalid(p.Index(i).Child("name"), tv.Name, "does not reference a declared parameter"))
			continue
		}
		if !matchesType(param.Type, tv.Value) {
			errs = append(errs, field.Invalid(p.Index(i).Child("value"), tv.Value, "must be of type "+param.Type))
		}
	}
	return errs
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := v.(float64)
		return ok
	}
	return false
}
