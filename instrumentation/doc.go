// Package instrumentation provides OpenTelemetry metrics and tracing for the
// portal-session library.
//
// A single Instrumentation value wraps meter and tracer providers and
// degrades to no-op providers when disabled, so session code can record
// unconditionally without checking whether observability is configured.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-app",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Token lifecycle:
//   - session.token.refreshed{grant_type} - refreshes performed against the portal
//   - session.token.revoked - sessions destroyed by Revoke
//   - session.inflight.shared - callers that joined an in-flight operation
//     instead of starting their own
//
// Federation:
//   - session.federation.probes - /rest/info probes issued
//   - session.federation.cache_hits - trust-cache hits that skipped the probe
//   - session.federation.rejected - servers rejected as not federated
//
// OAuth flows:
//   - session.oauth.begun{response_type} - handshakes started
//   - session.oauth.completed{result} - handshakes completed or failed
//
// Cross-context relay:
//   - session.relay.replies{result} - credential requests answered
//
// Outbound requests:
//   - session.request.total - portal/server requests issued
//   - session.request.duration - request duration in milliseconds
//
// # Security
//
// Never record actual token values, verifiers, or passwords as attributes.
// Only metadata (grant types, result labels, durations) is safe; traces and
// metrics are persisted and replicated far beyond the process that emitted
// them.
package instrumentation
