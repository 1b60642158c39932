// Package server hosts the credits API and the display integration routes
// from a single chi router.
//
// Every request passes through the same chain of request IDs, panic
// recovery, logging, metrics, security headers, CORS and rate limiting.
// Mutating /api routes additionally require the operator token when one is
// configured.
package server
