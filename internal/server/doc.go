// Package server wires the Embercast API behind a single HTTP server.
//
// Every route passes through the same middleware chain of request IDs,
// security headers, CORS, logging, audit, metrics, rate limiting, and session
// auth so handlers share one set of protections and instrumentation. The chat
// stream endpoint is the one long-lived route; the server leaves the write
// timeout unset on its account.
package server
