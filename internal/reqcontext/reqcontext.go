// Package reqcontext classifies each request by originating channel and
// origin and carries that classification, plus a correlation id, on the
// request context. The execution engine's hard security blocks key off this
// package, never off caller intent.
package reqcontext

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey avoids collisions with other packages' context values
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestMetaKey   contextKey = "request_meta"
)

// Channel identifies where a request came from
type Channel string

const (
	ChannelWebchat  Channel = "webchat"
	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
	ChannelAPI      Channel = "api"
)

// IsSocial reports whether the channel is a social bot channel. Social
// channels are hard-blocked from execution.
func (c Channel) IsSocial() bool {
	return c == ChannelTelegram || c == ChannelSlack
}

// Origin identifies the actor class behind a request
type Origin string

const (
	OriginOperator  Origin = "operator"
	OriginAssistant Origin = "assistant"
	OriginHelper    Origin = "helper"
)

// RequestMeta is the per-request classification parsed once at the HTTP
// boundary
type RequestMeta struct {
	Channel Channel
	Origin  Origin
}

// Header names carrying the classification
const (
	HeaderChannel = "x-pb-channel"
	HeaderOrigin  = "x-pb-origin"
)

// ParseRequest reads the classification headers, defaulting to
// webchat/operator when absent. Unknown values are preserved so the guard
// can still reject them explicitly.
func ParseRequest(r *http.Request) RequestMeta {
	meta := RequestMeta{Channel: ChannelWebchat, Origin: OriginOperator}
	if v := r.Header.Get(HeaderChannel); v != "" {
		meta.Channel = Channel(v)
	}
	if v := r.Header.Get(HeaderOrigin); v != "" {
		meta.Origin = Origin(v)
	}
	return meta
}

// GenerateCorrelationID generates a new unique correlation id
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID adds a correlation id to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation id from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestMeta adds the channel/origin classification to the context
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, meta)
}

// GetRequestMeta retrieves the classification. Absent metadata reads as the
// api channel with an operator origin, matching a direct API caller.
func GetRequestMeta(ctx context.Context) RequestMeta {
	if meta, ok := ctx.Value(requestMetaKey).(RequestMeta); ok {
		return meta
	}
	return RequestMeta{Channel: ChannelAPI, Origin: OriginOperator}
}
