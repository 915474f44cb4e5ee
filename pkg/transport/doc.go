// Package transport provides the HTTP middleware chain and error
// mapping for the weiche gateway surface.
//
// Middleware wraps http.Handler with cross-cutting concerns: panic
// recovery, request ID assignment (X-Request-ID), structured request
// logging via log/slog, and an optional in-flight request cap.
// pkg/transport/http assembles the chain around the routing handlers.
//
// Error mapping translates the router's error classes onto HTTP status
// codes and the OpenAI-style JSON error body.
package transport
