// Package api defines the normalized request/response types and the
// error taxonomy shared by all weiche router components.
//
// The router defines no wire format of its own: Request and Response
// carry only the fields the routing layer needs (logical model, chat
// messages, token usage). Provider adapters translate between these
// types and whatever protocol their backend speaks.
//
// Error classification is central to routing decisions. Every failure
// that reaches the router is a [ClassifiedError] with one of five
// classes:
//   - [ClassTransient]: timeouts, 429s, 5xx — retry on a sibling or
//     the same deployment after backoff
//   - [ClassCapacity]: a local rate-limit reservation was denied
//   - [ClassDeploymentTerminal]: auth or misconfiguration — the
//     deployment is broken, but a sibling may still serve the request
//   - [ClassRequestTerminal]: the request itself is at fault
//     (validation, context length) — no deployment would succeed
//   - [ClassInternal]: a router bug, never treated as a deployment
//     failure
//
// The HTTP-status-to-class mapping lives in [Classifier] and is
// configuration data, not a hardcoded table.
package api
