// Package telemetry provides metrics and context tagging for the credential cache.
package telemetry

import "context"

type contextKey string

// clientIDKey is the context key for propagating the client id to storage and crypto code.
const clientIDKey contextKey = "client_id"

// WithClientID returns a context carrying the client id used as a metric attribute.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the client id stored in ctx, or "unknown".
func ClientIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok && id != "" {
		return id
	}
	return "unknown"
}
