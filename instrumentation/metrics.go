package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the portal-session library
type Metrics struct {
	// Token lifecycle
	TokenRefreshed metric.Int64Counter
	TokenRevoked   metric.Int64Counter
	InflightShared metric.Int64Counter

	// Federation
	FederationProbes    metric.Int64Counter
	FederationCacheHits metric.Int64Counter
	FederationRejected  metric.Int64Counter

	// OAuth flow
	OAuthBegun     metric.Int64Counter
	OAuthCompleted metric.Int64Counter

	// Cross-context relay
	RelayReplies metric.Int64Counter

	// Outbound requests
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	sessionMeter := inst.Meter("session")
	requestMeter := inst.Meter("request")

	var err error
	m.TokenRefreshed, err = sessionMeter.Int64Counter(
		"session.token.refreshed",
		metric.WithDescription("Number of token refreshes performed against the portal"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = sessionMeter.Int64Counter(
		"session.token.revoked",
		metric.WithDescription("Number of sessions destroyed by revocation"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.InflightShared, err = sessionMeter.Int64Counter(
		"session.inflight.shared",
		metric.WithDescription("Number of callers that joined an in-flight token operation"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight.shared counter: %w", err)
	}

	m.FederationProbes, err = sessionMeter.Int64Counter(
		"session.federation.probes",
		metric.WithDescription("Number of /rest/info federation probes issued"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation.probes counter: %w", err)
	}

	m.FederationCacheHits, err = sessionMeter.Int64Counter(
		"session.federation.cache_hits",
		metric.WithDescription("Number of trust-cache hits that skipped a federation probe"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation.cache_hits counter: %w", err)
	}

	m.FederationRejected, err = sessionMeter.Int64Counter(
		"session.federation.rejected",
		metric.WithDescription("Number of servers rejected as not federated"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation.rejected counter: %w", err)
	}

	m.OAuthBegun, err = sessionMeter.Int64Counter(
		"session.oauth.begun",
		metric.WithDescription("Number of OAuth handshakes started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth.begun counter: %w", err)
	}

	m.OAuthCompleted, err = sessionMeter.Int64Counter(
		"session.oauth.completed",
		metric.WithDescription("Number of OAuth handshakes completed or failed"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth.completed counter: %w", err)
	}

	m.RelayReplies, err = sessionMeter.Int64Counter(
		"session.relay.replies",
		metric.WithDescription("Number of cross-context credential requests answered"),
		metric.WithUnit("{reply}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.replies counter: %w", err)
	}

	m.RequestsTotal, err = requestMeter.Int64Counter(
		"session.request.total",
		metric.WithDescription("Number of portal and server requests issued"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request.total counter: %w", err)
	}

	m.RequestDuration, err = requestMeter.Float64Histogram(
		"session.request.duration",
		metric.WithDescription("Portal and server request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request.duration histogram: %w", err)
	}

	return m, nil
}
