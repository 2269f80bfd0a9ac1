package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smarter/internal/apierr"
	"smarter/internal/broker"
	"smarter/internal/controller"
	"smarter/internal/engine"
	"smarter/internal/manifest"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	// Debug adds stack traces to INTERNAL and UNKNOWN_KIND error bodies.
	Debug          bool
	AllowedOrigins []string
	Logger         *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// apiError is the error envelope written for every failed request.
type apiError struct {
	status      int
	Kind        string              `json:"error" example:"BAD_REQUEST"`
	Detail      string              `json:"detail" example:"ChatBot failed validation"`
	FieldErrors []apierr.FieldError `json:"field_errors,omitempty"`
	StackTrace  string              `json:"stack_trace,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

// New returns an HTTP handler exposing the manifest API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, errs...)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, errs...)
	}

	router := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Engine.Auth, cfg.Debug))
	hcfg := huma.DefaultConfig("Smarter API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Engine)
	registerHealth(group)
	registerWhoAmI(group)
	registerKinds(group, cfg)
	registerManifests(group, cfg)
	registerStatus(group, cfg)
	registerResources(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// newAPIError converts errors raised by huma itself (request validation,
// unknown routes) into the envelope.
func newAPIError(status int, msg string, errs ...error) huma.StatusError {
	kind := kindForStatus(status)
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	out := &apiError{status: status, Kind: string(kind), Detail: msg}
	for _, err := range errs {
		if err == nil {
			continue
		}
		fe := apierr.FieldError{Message: err.Error(), Code: "invalid"}
		if d, ok := err.(*huma.ErrorDetail); ok {
			fe.Field = d.Location
			fe.Message = d.Message
		}
		out.FieldErrors = append(out.FieldErrors, fe)
	}
	return out
}

func kindForStatus(status int) apierr.Kind {
	for _, k := range apierr.Kinds {
		if k.Status() == status && k != apierr.UnknownKind {
			return k
		}
	}
	if status == http.StatusUnprocessableEntity || (status >= 400 && status < 500) {
		return apierr.BadRequest
	}
	return apierr.Internal
}

// handleError writes err with the status of its kind. Untyped errors are
// INTERNAL.
func handleError(err error, debug bool) huma.StatusError {
	if err == nil {
		return nil
	}
	ae := apierr.From(err)
	env := ae.Envelope(debug)
	return &apiError{
		status:      ae.Status(),
		Kind:        env.Error,
		Detail:      env.Detail,
		FieldErrors: env.FieldErrors,
		StackTrace:  env.StackTrace,
	}
}

func (c Config) fail(err error) huma.StatusError {
	if apierr.KindOf(err) == apierr.Internal {
		c.logger().Printf("server: %v", err)
	}
	return handleError(err, c.Debug)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, e *engine.Engine) {
	if e.Controller == nil || e.Controller.Metrics == nil {
		return
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(e.Controller.Metrics.Registry, promhttp.HandlerOpts{}))
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Smarter API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

// formatParam selects the response encoding of manifest-shaped bodies.
type formatParam struct {
	Format string `query:"format" doc:"Response format: json (default) or yaml"`
}

func (p formatParam) format() (manifest.Format, error) {
	if p.Format == "" {
		return manifest.JSON, nil
	}
	f, ok := manifest.ParseFormat(p.Format)
	if !ok {
		return "", apierr.New(apierr.BadRequest, "unsupported format %q", p.Format)
	}
	return f, nil
}

type requestIDParam struct {
	RequestID string `header:"X-Request-Id" doc:"Correlates the journal entry of this request"`
}

// rawOutput carries a body that has already been encoded.
type rawOutput struct {
	Status      int
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func encode(status int, v any, f manifest.Format) (*rawOutput, error) {
	data, err := manifest.Encode(v, f)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "encode response")
	}
	return &rawOutput{Status: status, ContentType: f.ContentType(), Body: data}, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWhoAmI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Current principal",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: whoAmIResponse(p)}, nil
	})
}

func registerKinds(api huma.API, cfg Config) {
	ctl := cfg.Engine.Controller
	huma.Register(api, huma.Operation{
		OperationID: "list-kinds",
		Method:      http.MethodGet,
		Path:        "/kinds",
		Summary:     "List registered kinds",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body KindsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body KindsResponse `json:"body"`
		}{Body: KindsResponse{Items: nonNilSlice(ctl.Kinds())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kind-example",
		Method:      http.MethodGet,
		Path:        "/kinds/{kind}/example",
		Summary:     "Example manifest for a kind",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		formatParam
		Kind    string `path:"kind"`
		Variant string `query:"variant" doc:"Variant of kinds with a discriminator, e.g. pluginClass"`
	}) (*rawOutput, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		doc, err := ctl.Example(canonicalKind(ctl, input.Kind), input.Variant)
		if err != nil {
			return nil, cfg.fail(err)
		}
		out, err := encode(http.StatusOK, doc, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})
}

type manifestInput struct {
	formatParam
	requestIDParam
	ContentType string `header:"Content-Type"`
	RawBody     []byte `contentType:"application/yaml"`
}

var manifestErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusMethodNotAllowed,
	http.StatusInternalServerError,
	http.StatusServiceUnavailable,
}

func registerManifests(api huma.API, cfg Config) {
	ctl := cfg.Engine.Controller
	apply := func(ctx context.Context, input *manifestInput) (*rawOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		res, err := ctl.Dispatch(ctx, controller.Request{
			RequestID:   input.RequestID,
			Principal:   p,
			Verb:        broker.VerbApply,
			Body:        input.RawBody,
			ContentType: input.ContentType,
		})
		if err != nil {
			return nil, cfg.fail(err)
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		out, err := encode(status, res, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	}
	for _, method := range []string{http.MethodPost, http.MethodPut} {
		huma.Register(api, huma.Operation{
			OperationID: "apply-manifest-" + strings.ToLower(method),
			Method:      method,
			Path:        "/manifests",
			Summary:     "Apply a manifest",
			Description: "Creates or updates the resource described by a YAML or JSON manifest. Responds 201 when the resource was created.",
			Errors:      manifestErrors,
		}, apply)
	}

	huma.Register(api, huma.Operation{
		OperationID: "validate-manifest",
		Method:      http.MethodPost,
		Path:        "/manifests/validate",
		Summary:     "Validate a manifest without applying it",
		Errors:      manifestErrors,
	}, func(ctx context.Context, input *manifestInput) (*rawOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		doc, err := ctl.Validate(ctx, controller.Request{
			RequestID:   input.RequestID,
			Principal:   p,
			Body:        input.RawBody,
			ContentType: input.ContentType,
		})
		if err != nil {
			return nil, cfg.fail(err)
		}
		out, err := encode(http.StatusOK, doc, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	ctl := cfg.Engine.Controller
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Status of one kind, or of every kind",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		formatParam
		requestIDParam
		Kind string `query:"kind"`
	}) (*rawOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		if input.Kind != "" {
			res, err := ctl.Dispatch(ctx, controller.Request{
				RequestID: input.RequestID,
				Principal: p,
				Verb:      broker.VerbStatus,
				Kind:      canonicalKind(ctl, input.Kind),
			})
			if err != nil {
				return nil, cfg.fail(err)
			}
			out, err := encode(http.StatusOK, res.Report, f)
			if err != nil {
				return nil, cfg.fail(err)
			}
			return out, nil
		}
		resp := StatusListResponse{Items: []*manifest.Document{}}
		for _, k := range ctl.Kinds() {
			res, err := ctl.Dispatch(ctx, controller.Request{
				RequestID:  input.RequestID,
				Principal:  p,
				Verb:       broker.VerbStatus,
				Kind:       k.Kind,
				APIVersion: k.APIVersion,
			})
			if err != nil {
				return nil, cfg.fail(err)
			}
			if res.Report != nil {
				resp.Items = append(resp.Items, res.Report)
			}
		}
		out, err := encode(http.StatusOK, resp, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})
}

type resourcePath struct {
	Kind string `path:"kind" doc:"Kind name, case-insensitive"`
	Name string `path:"name"`
}

func registerResources(api huma.API, cfg Config) {
	ctl := cfg.Engine.Controller
	run := func(ctx context.Context, verb broker.Verb, rp resourcePath, requestID string, q broker.LogQuery) (broker.Result, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return broker.Result{}, authErr
		}
		res, err := ctl.Dispatch(ctx, controller.Request{
			RequestID: requestID,
			Principal: p,
			Verb:      verb,
			Kind:      canonicalKind(ctl, rp.Kind),
			Name:      rp.Name,
			Logs:      q,
		})
		if err != nil {
			return broker.Result{}, cfg.fail(err)
		}
		return res, nil
	}
	resourceErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusInternalServerError,
		http.StatusNotImplemented,
		http.StatusServiceUnavailable,
	}

	huma.Register(api, huma.Operation{
		OperationID: "describe",
		Method:      http.MethodGet,
		Path:        "/{kind}/{name}",
		Summary:     "Describe a resource",
		Description: "Returns the stored manifest with status. The output can be applied again unchanged.",
		Errors:      resourceErrors,
	}, func(ctx context.Context, input *struct {
		resourcePath
		formatParam
		requestIDParam
	}) (*rawOutput, error) {
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		res, err := run(ctx, broker.VerbDescribe, input.resourcePath, input.RequestID, broker.LogQuery{})
		if err != nil {
			return nil, err
		}
		out, err := encode(http.StatusOK, res.Report, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deploy",
		Method:        http.MethodPatch,
		Path:          "/{kind}/{name}",
		Summary:       "Deploy a resource",
		Description:   "Schedules deployment and returns immediately. Poll describe for deployState.",
		DefaultStatus: http.StatusAccepted,
		Errors:        resourceErrors,
	}, func(ctx context.Context, input *struct {
		resourcePath
		formatParam
		requestIDParam
	}) (*rawOutput, error) {
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		res, err := run(ctx, broker.VerbDeploy, input.resourcePath, input.RequestID, broker.LogQuery{})
		if err != nil {
			return nil, err
		}
		status := http.StatusOK
		if res.Accepted {
			status = http.StatusAccepted
		}
		out, err := encode(status, res, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete",
		Method:      http.MethodDelete,
		Path:        "/{kind}/{name}",
		Summary:     "Delete a resource",
		Errors:      resourceErrors,
	}, func(ctx context.Context, input *struct {
		resourcePath
		formatParam
		requestIDParam
	}) (*rawOutput, error) {
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		res, err := run(ctx, broker.VerbDelete, input.resourcePath, input.RequestID, broker.LogQuery{})
		if err != nil {
			return nil, err
		}
		out, err := encode(http.StatusOK, res, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logs",
		Method:      http.MethodGet,
		Path:        "/{kind}/{name}/logs",
		Summary:     "Deployment log of a resource",
		Errors:      resourceErrors,
	}, func(ctx context.Context, input *struct {
		resourcePath
		formatParam
		requestIDParam
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor string `query:"cursor"`
	}) (*rawOutput, error) {
		f, err := input.format()
		if err != nil {
			return nil, cfg.fail(err)
		}
		res, err := run(ctx, broker.VerbLogs, input.resourcePath, input.RequestID, broker.LogQuery{
			Limit:  broker.NormalizeLimit(input.Limit),
			Cursor: input.Cursor,
		})
		if err != nil {
			return nil, err
		}
		page := res.Logs
		if page == nil {
			page = &broker.LogPage{}
		}
		if page.Items == nil {
			page.Items = []broker.LogLine{}
		}
		out, err := encode(http.StatusOK, page, f)
		if err != nil {
			return nil, cfg.fail(err)
		}
		return out, nil
	})
}

// canonicalKind maps a case-insensitive kind from a URL onto the
// registered spelling. Unknown names are passed through so the registry
// reports them.
func canonicalKind(ctl *controller.Controller, kind string) string {
	for _, k := range ctl.Registry.Kinds() {
		if strings.EqualFold(k, kind) {
			return k
		}
	}
	return kind
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
