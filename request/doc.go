// Package request implements the HTTP primitive the session manager builds
// on: a form-POST client for portal-style JSON endpoints. Portal services
// report failures as HTTP 200 responses with an error envelope in the body,
// so the client decodes that envelope into a typed *Failure before
// unmarshaling the caller's response type.
package request
