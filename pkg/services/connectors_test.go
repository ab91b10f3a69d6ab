package services

import (
	"context"
	"sync"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

var stubSQLSchema = connector.MustParseSchema([]byte(`
fields:
  - name: host
    type: string
    required: true
  - name: port
    type: int
    default: 5432
secret:
  label: Password
  required: false
`))

var stubAPISchema = connector.MustParseSchema([]byte(`
fields:
  - name: base_url
    type: url
    required: true
secret:
  label: API key
  required: true
`))

var stubOAuthSchema = connector.MustParseSchema([]byte(`
fields:
  - name: property_id
    type: string
    required: true
`))

// stubConnector records the targets it is called with.
type stubConnector struct {
	info       connector.Info
	testResult *connector.Result
	testErr    error
	execResult *connector.Result
	execErr    error

	mu      sync.Mutex
	targets []connector.Target
	specs   []*models.QuerySpec
}

func newStubConnector(typ string, family connector.Family, schema *connector.Schema, oauthProvider string) *stubConnector {
	return &stubConnector{
		info: connector.Info{
			Type:          typ,
			DisplayName:   typ,
			Family:        family,
			OAuthProvider: oauthProvider,
			Schema:        schema,
		},
		testResult: connector.OK(),
		execResult: &connector.Result{Status: connector.StatusOK, RowCount: 1, Rows: []map[string]any{{"n": 1}}},
	}
}

func (c *stubConnector) Info() connector.Info { return c.info }

func (c *stubConnector) ValidateConfig(params map[string]any) error {
	return c.info.Schema.Validate(params)
}

func (c *stubConnector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	c.mu.Lock()
	c.targets = append(c.targets, t)
	c.mu.Unlock()
	return c.testResult, c.testErr
}

func (c *stubConnector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	c.mu.Lock()
	c.targets = append(c.targets, t)
	c.specs = append(c.specs, spec)
	c.mu.Unlock()
	return c.execResult, c.execErr
}

func (c *stubConnector) lastTarget() connector.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.targets) == 0 {
		return connector.Target{}
	}
	return c.targets[len(c.targets)-1]
}

func (c *stubConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

// testConnectors is the registry most service tests use.
type testConnectors struct {
	sql      *stubConnector
	api      *stubConnector
	oauth    *stubConnector
	registry *connector.Registry
}

func newTestConnectors() *testConnectors {
	tc := &testConnectors{
		sql:   newStubConnector("postgres", connector.FamilySQL, stubSQLSchema, ""),
		api:   newStubConnector("api", connector.FamilyAPI, stubAPISchema, ""),
		oauth: newStubConnector("google-analytics", connector.FamilyAnalytics, stubOAuthSchema, "google"),
	}
	tc.registry = connector.NewRegistry(tc.sql, tc.api, tc.oauth)
	return tc
}
