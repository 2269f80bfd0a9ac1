package smartersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Smarter HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  30 * time.Second,
	}
}

// Document is a manifest as returned by describe, status and example.
type Document struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   map[string]any `json:"metadata"`
	Spec       map[string]any `json:"spec,omitempty"`
	Status     map[string]any `json:"status,omitempty"`
}

// Name returns metadata.name.
func (d Document) Name() string {
	s, _ := d.Metadata["name"].(string)
	return s
}

// Change is one field changed by an apply.
type Change struct {
	Path string `json:"path"`
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Result is returned by apply, deploy and delete.
type Result struct {
	Verb     string    `json:"verb"`
	Created  bool      `json:"created,omitempty"`
	Accepted bool      `json:"accepted,omitempty"`
	Op       string    `json:"op,omitempty"`
	Diff     []Change  `json:"diff,omitempty"`
	Report   *Document `json:"report,omitempty"`
}

type LogLine struct {
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type LogPage struct {
	Items      []LogLine `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type KindInfo struct {
	Kind       string   `json:"kind"`
	APIVersion string   `json:"apiVersion"`
	Variants   []string `json:"variants,omitempty"`
	ReadOnly   bool     `json:"readOnly,omitempty"`
}

type WhoAmI struct {
	ActorID string `json:"actor_id"`
	Account struct {
		ID            string `json:"id"`
		AccountNumber string `json:"account_number"`
		Name          string `json:"name"`
	} `json:"account"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// APIError wraps non-2xx responses. Kind holds the error taxonomy name
// when the body was an error envelope.
type APIError struct {
	StatusCode  int
	Kind        string       `json:"error"`
	Detail      string       `json:"detail"`
	FieldErrors []FieldError `json:"field_errors,omitempty"`
	StackTrace  string       `json:"stack_trace,omitempty"`
	Body        string       `json:"-"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Apply submits a YAML or JSON manifest.
func (c *Client) Apply(ctx context.Context, manifest []byte, contentType string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "manifests", manifest, contentType, &resp)
	return resp, err
}

// Validate checks a manifest without applying it and returns it as it would
// be stored.
func (c *Client) Validate(ctx context.Context, manifest []byte, contentType string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "manifests/validate", manifest, contentType, &resp)
	return resp, err
}

func (c *Client) Describe(ctx context.Context, kind, name string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, resourcePath(kind, name), nil, "", &resp)
	return resp, err
}

// Deploy schedules deployment. The result is accepted before the
// deployment finishes; poll Describe for status.deployState.
func (c *Client) Deploy(ctx context.Context, kind, name string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPatch, resourcePath(kind, name), nil, "", &resp)
	return resp, err
}

func (c *Client) Delete(ctx context.Context, kind, name string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodDelete, resourcePath(kind, name), nil, "", &resp)
	return resp, err
}

func (c *Client) Logs(ctx context.Context, kind, name string, limit int, cursor string) (LogPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := resourcePath(kind, name) + "/logs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp LogPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// Status returns the status report of one kind.
func (c *Client) Status(ctx context.Context, kind string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, "status?kind="+url.QueryEscape(kind), nil, "", &resp)
	return resp, err
}

// StatusAll returns one status report per registered kind.
func (c *Client) StatusAll(ctx context.Context) ([]Document, error) {
	var resp struct {
		Items []Document `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "status", nil, "", &resp)
	return resp.Items, err
}

func (c *Client) Kinds(ctx context.Context) ([]KindInfo, error) {
	var resp struct {
		Items []KindInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "kinds", nil, "", &resp)
	return resp.Items, err
}

func (c *Client) Example(ctx context.Context, kind, variant string) (Document, error) {
	endpoint := fmt.Sprintf("kinds/%s/example", url.PathEscape(kind))
	if variant != "" {
		endpoint += "?variant=" + url.QueryEscape(variant)
	}
	var resp Document
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

func (c *Client) WhoAmI(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "whoami", nil, "", &resp)
	return resp, err
}

// Raw performs a request and returns the body untouched, e.g. to fetch
// YAML with format=yaml.
func (c *Client) Raw(ctx context.Context, method, endpoint string, body []byte, contentType string) ([]byte, error) {
	var out bytes.Buffer
	err := c.do(ctx, method, endpoint, body, contentType, &out)
	return out.Bytes(), err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, contentType string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		if contentType == "" {
			contentType = "application/yaml"
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func resourcePath(kind, name string) string {
	return url.PathEscape(kind) + "/" + url.PathEscape(name)
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
