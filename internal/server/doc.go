// Package server assembles the HTTP front of Reelstream: the route table over
// the api handlers and the middleware chain applying request IDs, request
// logging, security headers, CORS, metrics, rate limiting, and session
// authentication, in that order from the outside in.
//
// Authentication runs last so every inner handler can assume the account on
// the request context; only /healthz, /metrics, and the /api/auth endpoints
// are reachable without a session.
package server
