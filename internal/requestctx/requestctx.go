// Package requestctx carries per-request client details from HTTP middleware
// down to the audit logger without coupling services to net/http.
package requestctx

import "context"

type Info struct {
	IP        string
	UserAgent string
	SessionID string
	RequestID string
}

type ctxKey struct{}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the request info, if any.
func FromContext(ctx context.Context) (Info, bool) {
	if ctx == nil {
		return Info{}, false
	}
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// WithSessionID sets the session id on the info already carried by ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	info, _ := FromContext(ctx)
	info.SessionID = sessionID
	return WithInfo(ctx, info)
}
