// Package browser is the HTTP client for the managed headless-browser
// provider. It exposes the two provider operations the orchestrator needs:
// start a session and execute a chat-style instruction against it. Calls go
// through a retrying transport, a rate limiter, and a circuit breaker.
package browser
