package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// fakePool counts open handles so tests can check nothing leaks.
type fakePool struct {
	closed  atomic.Bool
	pingErr error
	typ     string
}

func (p *fakePool) Ping(ctx context.Context) error { return p.pingErr }
func (p *fakePool) Close() error {
	p.closed.Store(true)
	return nil
}
func (p *fakePool) GetType() string {
	if p.typ == "" {
		return "fake"
	}
	return p.typ
}

// fakeConnector opens a handle per call and blocks for delay, honouring
// context cancellation like a well-behaved driver.
type fakeConnector struct {
	typ         string
	delay       time.Duration
	openHandles atomic.Int32
	err         error
}

func (c *fakeConnector) Info() Info {
	return Info{Type: c.typ, DisplayName: "Fake", Family: FamilySQL}
}

func (c *fakeConnector) ValidateConfig(params map[string]any) error { return nil }

func (c *fakeConnector) TestConnection(ctx context.Context, t Target) (*Result, error) {
	_, err := c.Execute(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	return OK(), nil
}

func (c *fakeConnector) Execute(ctx context.Context, t Target, spec *models.QuerySpec) (*Result, error) {
	c.openHandles.Add(1)
	defer c.openHandles.Add(-1)

	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Result{Status: StatusOK, RowCount: 1, Rows: []map[string]any{{"n": 1}}}, nil
}

// stubbornConnector ignores its context entirely.
type stubbornConnector struct {
	fakeConnector
	release chan struct{}
}

func (c *stubbornConnector) Execute(ctx context.Context, t Target, spec *models.QuerySpec) (*Result, error) {
	c.openHandles.Add(1)
	defer c.openHandles.Add(-1)
	<-c.release
	return nil, errors.New("too late")
}
