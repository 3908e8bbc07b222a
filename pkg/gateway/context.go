package gateway

import "context"

type ctxKey string

const clientIDKey ctxKey = "clientID"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// clientIDFromContext names the push client behind an RPC call, empty for HTTP callers.
func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

// actorFromContext names the caller of an administrative action for audit records.
func actorFromContext(ctx context.Context, remote string) string {
	if id := clientIDFromContext(ctx); id != "" {
		return "ws:" + id
	}
	return "http:" + remote
}
