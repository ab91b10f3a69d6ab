package connector

import (
	"context"
	"errors"
	"time"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Execute runs c.Execute bounded by timeout.
func Execute(ctx context.Context, c Connector, t Target, spec *models.QuerySpec, timeout time.Duration) (*Result, error) {
	return runBounded(ctx, timeout, func(ctx context.Context) (*Result, error) {
		return c.Execute(ctx, t, spec)
	})
}

// Test runs c.TestConnection bounded by timeout.
func Test(ctx context.Context, c Connector, t Target, timeout time.Duration) (*Result, error) {
	return runBounded(ctx, timeout, func(ctx context.Context) (*Result, error) {
		return c.TestConnection(ctx, t)
	})
}

type outcome struct {
	result *Result
	err    error
}

// runBounded returns once fn finishes or the bound expires, whichever comes
// first. fn sees a context that is cancelled on return, so a driver that
// ignores its own timeouts still gets torn down; the buffered channel lets a
// late fn finish without blocking.
func runBounded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, classifyContextErr(ctx, o.err, timeout)
		}
		return o.result, nil
	case <-ctx.Done():
		return nil, classifyContextErr(ctx, ctx.Err(), timeout)
	}
}

// classifyContextErr turns failures caused by the bound into Timeout and
// failures caused by the caller going away into an execution error.
func classifyContextErr(ctx context.Context, err error, timeout time.Duration) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindTimeout, err, "data source did not respond within %s", timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return apperrors.Wrap(apperrors.KindExecution, err, "request cancelled")
	}
	return err
}
