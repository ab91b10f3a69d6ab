// Package api implements a generic REST connector. Requests are relative to
// the configured base URL; the upstream status and body are passed through
// to the caller.
package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Type is the connection type served by this package.
const Type = "api"

// DefaultMaxResponseBytes caps how much of an upstream body is read.
const DefaultMaxResponseBytes = 10 << 20

const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthHeader = "header"
)

//go:embed schema.yaml
var schemaYAML []byte

var schema = connector.MustParseSchema(schemaYAML)

var allowedMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// Connector sends HTTP requests to REST APIs.
type Connector struct {
	client           *http.Client
	maxResponseBytes int64
	lookup           func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// New creates the connector. A nil client uses a client without a global
// timeout; calls are bounded by the caller's context.
func New(client *http.Client, maxResponseBytes int64) *Connector {
	if client == nil {
		client = &http.Client{}
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = DefaultMaxResponseBytes
	}
	return &Connector{client: client, maxResponseBytes: maxResponseBytes, lookup: net.DefaultResolver.LookupIPAddr}
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Type:        Type,
		DisplayName: "REST API",
		Description: "Call an HTTP API with static credentials",
		Family:      connector.FamilyAPI,
		Schema:      schema,
	}
}

func (c *Connector) ValidateConfig(params map[string]any) error {
	if err := schema.Validate(params); err != nil {
		return err
	}
	params = schema.WithDefaults(params)
	switch connector.String(params, "auth_mode") {
	case AuthBasic:
		if connector.String(params, "user") == "" {
			return apperrors.Validation("invalid connection parameters: user: required for basic auth")
		}
	case AuthHeader:
		if connector.String(params, "header_name") == "" {
			return apperrors.Validation("invalid connection parameters: header_name: required for header auth")
		}
	}
	return nil
}

// TestConnection requests health_path (or the base URL). Any 2xx or 3xx
// answer counts as reachable.
func (c *Connector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	params := schema.WithDefaults(t.Params)
	res, err := c.do(ctx, t, params, &models.APIRequest{Method: http.MethodGet, Route: connector.String(params, "health_path")})
	if err != nil {
		return nil, err
	}
	if res.UpstreamStatus >= http.StatusBadRequest {
		return nil, apperrors.Upstream(apperrors.KindConnection, res.UpstreamStatus, "api answered %d", res.UpstreamStatus)
	}
	res.Body = nil
	return res, nil
}

// Execute sends spec.API. Upstream error statuses are not Go errors: the
// result carries Status "error" with the upstream status and body.
func (c *Connector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	if spec == nil || spec.API == nil {
		return nil, apperrors.Validation("api connections need an api request")
	}
	return c.do(ctx, t, schema.WithDefaults(t.Params), spec.API)
}

func (c *Connector) do(ctx context.Context, t connector.Target, params map[string]any, r *models.APIRequest) (*connector.Result, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !slices.Contains(allowedMethods, method) {
		return nil, apperrors.Validation("method %q is not allowed", r.Method)
	}

	target, err := ResolveURL(connector.String(params, "base_url"), r.Route, r.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Validation("invalid request: %v", err)
	}
	if t.ConnectionID == uuid.Nil {
		if err := c.checkUnsavedHost(ctx, req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range connector.StringMap(params, "headers") {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if err := applyAuth(req, params, t.Secret); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, apperrors.Wrap(apperrors.KindConnection, err, "request to %s failed: %v", req.URL.Host, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConnection, err, "read response from %s", req.URL.Host)
	}

	res := &connector.Result{Status: connector.StatusOK, UpstreamStatus: resp.StatusCode}
	if resp.StatusCode >= http.StatusBadRequest {
		res.Status = connector.StatusError
	}
	if int64(len(raw)) > c.maxResponseBytes {
		raw = raw[:c.maxResponseBytes]
		res.Truncated = true
	}
	res.Body = decodeBody(resp.Header.Get("Content-Type"), raw, res.Truncated)
	res.Metadata = map[string]any{"content_type": resp.Header.Get("Content-Type")}
	return res, nil
}

// checkUnsavedHost refuses loopback, link-local and unspecified addresses for
// settings that were never saved. Saving a connection takes an admin; testing
// ad-hoc settings does not.
func (c *Connector) checkUnsavedHost(ctx context.Context, host string) error {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		addrs, err := c.lookup(ctx, host)
		if err != nil {
			return apperrors.Wrap(apperrors.KindConnection, err, "could not resolve %s", host)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return apperrors.Validation("unsaved connections may not call local address %s", ip)
		}
	}
	return nil
}

// ResolveURL joins route onto base. The route may not leave the base URL's
// host, so a request spec cannot redirect stored credentials elsewhere.
func ResolveURL(base, route string, query map[string]string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return "", apperrors.Validation("invalid base_url")
	}
	ref, err := url.Parse(route)
	if err != nil {
		return "", apperrors.Validation("invalid route: %v", err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", apperrors.Validation("route must be relative to the base URL")
	}

	u := *baseURL
	if ref.Path != "" {
		u.Path = strings.TrimSuffix(baseURL.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
		u.RawPath = ""
	}
	q := baseURL.Query()
	for k, v := range ref.Query() {
		q[k] = v
	}
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func applyAuth(req *http.Request, params map[string]any, secret *models.Secret) error {
	var password string
	if secret != nil {
		password = secret.Password
	}
	switch mode := connector.String(params, "auth_mode"); mode {
	case "", AuthNone:
	case AuthBasic:
		req.SetBasicAuth(connector.String(params, "user"), password)
	case AuthBearer:
		if password == "" {
			return apperrors.Validation("bearer auth needs a token")
		}
		req.Header.Set("Authorization", "Bearer "+password)
	case AuthHeader:
		if password == "" {
			return apperrors.Validation("header auth needs an API key")
		}
		req.Header.Set(connector.String(params, "header_name"), password)
	default:
		return apperrors.Validation("unsupported auth_mode %q", mode)
	}
	return nil
}

// decodeBody returns parsed JSON for JSON responses and a string otherwise.
func decodeBody(contentType string, raw []byte, truncated bool) any {
	if len(raw) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !truncated && (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

var _ connector.Connector = (*Connector)(nil)
