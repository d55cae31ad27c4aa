package mw

import (
	"context"

	"github.com/hivelab/gateway/internal/auth"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	routeIDKey
	claimsKey
)

func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey, cid)
}

func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

func WithRouteID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, routeIDKey, id)
}

// RouteID is the matched route for logs and metric labels; "unknown" keeps
// label cardinality bounded for unmatched paths.
func RouteID(ctx context.Context) string {
	if v, ok := ctx.Value(routeIDKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Claims returns the verified identity, nil when the request was public or
// unauthenticated.
func Claims(ctx context.Context) *auth.Claims {
	v, _ := ctx.Value(claimsKey).(*auth.Claims)
	return v
}
