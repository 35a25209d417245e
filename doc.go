// Package session manages the credentials used to call a portal and its
// federated servers: it caches and refreshes access tokens, resolves
// federation trust for arbitrary request URLs, deduplicates concurrent
// token operations, drives browser-based OAuth 2.0 handshakes (implicit and
// PKCE), and relays live credentials between embedding and embedded
// applications.
//
// The central type is Session, one per authenticated identity. Callers ask
// it for a token for a target URL:
//
//	s, err := session.New(session.Options{
//		Username: "jsmith",
//		Password: "secret",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	token, err := s.GetToken(ctx, "https://www.arcgis.com/sharing/rest/content/items/abc")
//
// If the URL belongs to the home portal the cached token is served or
// refreshed; if it belongs to an unknown server, federation trust is
// validated via the server's /rest/info endpoint and a server-scoped token
// is obtained and cached. At most one refresh or federation probe is in
// flight per cache key regardless of how many callers are waiting.
//
// Sessions are also created by completing an OAuth 2.0 handshake
// (BeginOAuth2 and CompleteOAuth2), by importing an interchange Credential
// record, or by receiving
// a credential from a parent application through the relay package.
package session
