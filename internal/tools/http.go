package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/stateflow/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTool is the built-in "http.request" tool. Params:
//
//	url     (required) request URL
//	method  GET|POST|PUT|PATCH|DELETE|HEAD, default GET
//	headers map of header name -> value
//	query   map of query param -> value
//	body    any JSON value, sent as the request body
//	timeout duration string, e.g. "10s"
//
// The response body is auto-parsed when it is valid JSON.
type HTTPTool struct {
	client *resty.Client
}

// NewHTTPTool creates the http.request tool with its own resty client.
func NewHTTPTool() *HTTPTool {
	client := resty.New().
		SetTimeout(defaultHTTPTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &HTTPTool{client: client}
}

// Name returns the tool identifier.
func (t *HTTPTool) Name() string { return "http.request" }

// Execute performs the HTTP request described by params.
func (t *HTTPTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	url := stringParam(params, "url", "")
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	method := strings.ToUpper(stringParam(params, "method", "GET"))
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: unsupported method %q", method)
	}

	reqCtx := ctx
	if timeoutStr := stringParam(params, "timeout", ""); timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid timeout %q", timeoutStr)
		}
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	req := t.client.R().SetContext(reqCtx)
	if headers := stringMapParam(params, "headers"); headers != nil {
		req.SetHeaders(headers)
	}
	if query := stringMapParam(params, "query"); query != nil {
		req.SetQueryParams(query)
	}
	if body, ok := params["body"]; ok && method != "GET" && method != "HEAD" {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: %s %s timed out", method, url).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s %s: %s", method, url, err.Error()).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header()))
	for name, vals := range resp.Header() {
		if len(vals) > 0 {
			headers[name] = vals[0]
		}
	}

	raw := resp.Body()
	var body any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			body = parsed
		}
	}

	return map[string]any{
		"status":      resp.StatusCode(),
		"headers":     headers,
		"body":        body,
		"duration_ms": time.Since(start).Milliseconds(),
	}, nil
}

var _ Tool = (*HTTPTool)(nil)
