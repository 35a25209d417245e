// Package relay shares credentials between browsing contexts over the host
// messaging channel: a context holding a live session answers credential
// requests from an allowlist of origins, and an embedded context can
// bootstrap its own session by asking its parent. Origins are compared
// exactly against the transport-observed sender origin; there is no
// wildcard or prefix matching.
package relay
