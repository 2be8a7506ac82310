// Package payments defines the external payment gateway boundary. The
// engine authorizes and captures funds through a Gateway before it
// persists any escrow state, so no database lock is ever held across
// the external call.
package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type CaptureRequest struct {
	// Reference is a caller-chosen idempotency key; capturing twice with
	// the same reference must not double-charge.
	Reference string
	Amount    decimal.Decimal
	Method    string
}

type CaptureResult struct {
	GatewayRef string
}

type Gateway interface {
	AuthorizeAndCapture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req CaptureRequest) (CaptureResult, error)

func (f GatewayFunc) AuthorizeAndCapture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	return f(ctx, req)
}

// Sandbox is the built-in gateway used for local development. It accepts
// every capture and derives the gateway reference from the request
// reference, which keeps retries idempotent.
type Sandbox struct{}

func (Sandbox) AuthorizeAndCapture(_ context.Context, req CaptureRequest) (CaptureResult, error) {
	return CaptureResult{GatewayRef: fmt.Sprintf("sandbox-%s", req.Reference)}, nil
}
