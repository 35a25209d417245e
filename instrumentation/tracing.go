package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never set actual credential values (tokens, verifiers, passwords) as span
// attributes. Traces are persisted and replicated across monitoring
// infrastructure; only metadata is safe to record.
const (
	// Session attributes
	AttrClientID  = "session.client_id"  // OAuth client identifier (non-secret)
	AttrPortal    = "session.portal"     // home portal URL
	AttrUsername  = "session.username"   // authenticated username
	AttrGrantType = "session.grant_type" // grant used for a token operation

	// Federation attributes
	AttrServerRoot   = "federation.server_root"   // canonical server root being resolved
	AttrOwningSystem = "federation.owning_system" // owning system declared by /rest/info

	// OAuth flow attributes
	AttrResponseType = "oauth.response_type" // "code" or "token"
	AttrPKCEMethod   = "oauth.pkce.method"   // PKCE method used (S256, plain)
	AttrError        = "oauth.error"         // provider error code

	// Request attributes
	AttrEndpoint   = "request.endpoint"
	AttrStatusCode = "request.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddSessionAttributes adds common session attributes to a span (nil-safe)
func AddSessionAttributes(span trace.Span, clientID, portal string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if portal != "" {
		SetSpanAttributes(span, attribute.String(AttrPortal, portal))
	}
}

// AddFederationAttributes adds federation resolution attributes to a span (nil-safe)
func AddFederationAttributes(span trace.Span, serverRoot, owningSystem string) {
	if serverRoot != "" {
		SetSpanAttributes(span, attribute.String(AttrServerRoot, serverRoot))
	}
	if owningSystem != "" {
		SetSpanAttributes(span, attribute.String(AttrOwningSystem, owningSystem))
	}
}

// AddRequestAttributes adds outbound request attributes to a span (nil-safe)
func AddRequestAttributes(span trace.Span, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrEndpoint, endpoint),
		attribute.Int(AttrStatusCode, statusCode),
	)
}
