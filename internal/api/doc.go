// Package api hosts HTTP handlers that front the Embercast REST API.
//
// The handlers assembled by Handler coordinate request validation, session
// awareness, and response shaping while delegating persistence to
// storage.Repository implementations injected at construction time.
// Authentication and session lifecycle management are provided by
// auth.SessionManager instances passed into the handler; the package does not
// reach for globals or singletons and expects callers to supply fully
// configured dependencies.
//
// The chat endpoints additionally depend on the commit pipeline and
// connection registry from internal/chat, injected the same way, so endpoint
// behaviour stays testable and aligned with the wider service architecture.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced rate limiting, metrics, and logging concerns. New routes
// should preserve that contract by avoiding duplicate validation and by
// leaning on the middleware guarantees established in the server stack.
package api
