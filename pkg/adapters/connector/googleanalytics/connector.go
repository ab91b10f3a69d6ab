// Package googleanalytics implements a connector for the Google Analytics
// Data API. It authenticates with an OAuth access token obtained through the
// "google" provider; the connector never refreshes tokens itself.
package googleanalytics

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

const (
	// Type is the connection type served by this package.
	Type = "google-analytics"
	// Provider names the OAuth provider whose tokens this connector uses.
	Provider = "google"

	DefaultBaseURL = "https://analyticsdata.googleapis.com"
	// Scope is requested during authorization.
	Scope = "https://www.googleapis.com/auth/analytics.readonly"
)

//go:embed schema.yaml
var schemaYAML []byte

var schema = connector.MustParseSchema(schemaYAML)

// Connector calls the GA4 Data API.
type Connector struct {
	baseURL string
	client  *http.Client
	maxRows int
}

// New creates the connector. An empty baseURL uses the public endpoint;
// client is the transport underneath the OAuth token source.
func New(baseURL string, client *http.Client, maxRows int) *Connector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Connector{baseURL: strings.TrimSuffix(baseURL, "/"), client: client, maxRows: maxRows}
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Type:          Type,
		DisplayName:   "Google Analytics",
		Description:   "Run GA4 reports through the Data API",
		Family:        connector.FamilyAnalytics,
		OAuthProvider: Provider,
		Schema:        schema,
	}
}

func (c *Connector) ValidateConfig(params map[string]any) error {
	if err := schema.Validate(params); err != nil {
		return err
	}
	id := connector.String(params, "property_id")
	for _, r := range id {
		if r < '0' || r > '9' {
			return apperrors.Validation("invalid connection parameters: property_id: must be numeric")
		}
	}
	return nil
}

// TestConnection fetches the property's metadata.
func (c *Connector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	var meta metadataResponse
	if err := c.call(ctx, t, http.MethodGet, "metadata", nil, &meta); err != nil {
		return nil, err
	}
	res := connector.OK()
	res.Metadata = map[string]any{
		"property":   meta.Name,
		"dimensions": len(meta.Dimensions),
		"metrics":    len(meta.Metrics),
	}
	return res, nil
}

// Execute runs a report for spec.Analytics.
func (c *Connector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	if spec == nil || spec.Analytics == nil || len(spec.Analytics.Metrics) == 0 {
		return nil, apperrors.Validation("google analytics connections need an analytics query with at least one metric")
	}
	q := spec.Analytics
	startDate, endDate := q.StartDate, q.EndDate
	if startDate == "" {
		startDate = "28daysAgo"
	}
	if endDate == "" {
		endDate = "today"
	}

	limit := connector.RowLimit(spec, c.maxRows)
	req := runReportRequest{
		DateRanges: []dateRange{{StartDate: startDate, EndDate: endDate}},
		Limit:      int64(limit),
	}
	for _, m := range q.Metrics {
		req.Metrics = append(req.Metrics, named{Name: m})
	}
	for _, d := range q.Dimensions {
		req.Dimensions = append(req.Dimensions, named{Name: d})
	}

	var report runReportResponse
	if err := c.call(ctx, t, http.MethodPost, ":runReport", req, &report); err != nil {
		return nil, err
	}
	return report.toResult(limit), nil
}

func (c *Connector) call(ctx context.Context, t connector.Target, method, suffix string, body, out any) error {
	if t.Secret == nil || t.Secret.AccessToken == "" {
		return apperrors.CredentialExpired(errors.New("no access token"))
	}
	propertyID := connector.String(t.Params, "property_id")
	if propertyID == "" {
		return apperrors.Validation("property_id is required")
	}

	endpoint := fmt.Sprintf("%s/v1beta/properties/%s", c.baseURL, url.PathEscape(propertyID))
	if strings.HasPrefix(suffix, ":") {
		endpoint += suffix
	} else {
		endpoint += "/" + suffix
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode report request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tokenType := t.Secret.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.Secret.AccessToken, TokenType: tokenType}))

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.Wrap(apperrors.KindConnection, err, "google analytics request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return apperrors.Wrap(apperrors.KindConnection, err, "read google analytics response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return upstreamError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(apperrors.KindExecution, err, "decode google analytics response")
	}
	return nil
}

// upstreamError maps a Google API error. A rejected token means the grant
// must be renewed.
func upstreamError(status int, raw []byte) error {
	var apiErr struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	msg := apiErr.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusUnauthorized:
		return apperrors.CredentialExpired(fmt.Errorf("google rejected the access token: %s", msg))
	case http.StatusForbidden, http.StatusNotFound:
		return apperrors.Upstream(apperrors.KindConnection, status, "google analytics: %s", msg)
	default:
		return apperrors.Upstream(apperrors.KindExecution, status, "google analytics: %s", msg)
	}
}

var _ connector.Connector = (*Connector)(nil)
