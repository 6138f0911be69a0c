package tier

import "context"

// HeaderRequestID 在 proxy 与各 tier 之间传递同一个请求 ID。
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID 将请求 ID 附加到 ctx，HTTPUpstream 会把它转发给上游。
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext 读取 WithRequestID 写入的请求 ID。
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
