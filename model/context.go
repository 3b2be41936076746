package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the tester session identity and tracing information
// for the lifetime of a request. It is built from a verified session token
// and is immutable after construction.
type RequestContext struct {
	SessionID     string
	TesterID      string
	BatchID       string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
// SessionID and BatchID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SessionID == "" {
		errs = append(errs, fmt.Errorf("SessionID is required"))
	}
	if rc.BatchID == "" {
		errs = append(errs, fmt.Errorf("BatchID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the session token middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
