// Package context carries request and sync-pass metadata through context.Context.
package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	SourceKey    = ContextKey("X-Source")
	PassIDKey    = ContextKey("X-Sync-Pass-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return set(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return set(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return set(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

// SetSource records the external source slug a sync pass is running for.
func SetSource(ctx context.Context, sourceSlug string) context.Context {
	return set(ctx, SourceKey, sourceSlug)
}

func GetSource(ctx context.Context) string {
	return get(ctx, SourceKey)
}

// SetPassID tags every log line of one sync pass.
func SetPassID(ctx context.Context, passID string) context.Context {
	return set(ctx, PassIDKey, passID)
}

func GetPassID(ctx context.Context) string {
	return get(ctx, PassIDKey)
}

// Fields returns the populated metadata as log fields.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for key, name := range map[ContextKey]string{
		RequestIDKey: "request_id",
		SourceKey:    "source",
		PassIDKey:    "pass_id",
	} {
		if v := get(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
