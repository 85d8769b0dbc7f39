// Package api hosts the HTTP handlers fronting the Reelstream catalog,
// upload, and streaming endpoints.
//
// Handler coordinates request validation, session awareness, and response
// shaping while delegating persistence to storage.Repository implementations
// and artifact lookup to the media resolver, both injected at construction
// time. The package does not reach for globals and expects callers to supply
// fully configured dependencies.
//
// Streaming responses go through http.ServeContent so large manifests and
// segments are delivered with Range support and bounded memory. Handlers
// assume upstream middleware from internal/server has already enforced
// authentication, metrics, and request logging; new routes should preserve
// that contract rather than duplicating those concerns.
package api
