//go:build !otelotlp

package otelobs

import (
	"context"
	"net/http"
)

// WrapHTTPHandler is a no-op by default. Build with -tags otelotlp to trace
// the command and query endpoints.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// InitTracer is a no-op without the otelotlp tag; the returned shutdown func
// does nothing.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}
