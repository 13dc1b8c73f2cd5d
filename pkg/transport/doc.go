// Package transport defines the contracts between the drivercore HTTP API
// and the core components, the HTTP middleware chain, and the mapping of
// typed core errors to HTTP responses.
//
// # Core Interfaces
//
// The HTTP adapter in transport/http depends only on the interfaces declared
// here:
//
//   - Dispatcher turns raw model output into a backend result.
//   - Registry lists and resolves drivers.
//   - Supervisor controls autostarted backends. It is optional; without it
//     the lifecycle endpoints answer 501.
//
// # Middleware
//
// Middleware wraps http.Handler. Built-in middleware provides panic
// recovery, request ID assignment (X-Request-ID) and structured access
// logging via log/slog.
//
// # Errors
//
// Every failure is written as {"error": {...}} using api.Error. The HTTP
// status is derived from the error kind by HTTPStatusFromError.
package transport
