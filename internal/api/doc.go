// Package api implements the HTTP REST API and WebSocket stream of the
// device simulator.
//
// This package provides:
//   - REST endpoints to inspect devices, read properties and send commands
//   - journal queries for events, property history and the command log
//   - a WebSocket hub streaming bus events and property changes
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus exposition at /metrics
//
// # Security
//
// When security is disabled every route is open. When enabled, clients
// exchange the configured API key for a token at POST /api/v1/auth/token and
// send it as "Authorization: Bearer <token>". WebSocket connections use
// single-use tickets so the token never appears in a URL.
//
// # Graceful Degradation
//
// Without a journal the history endpoints answer 503; without metrics
// /metrics is not mounted. Device inspection and commands always work.
package api
