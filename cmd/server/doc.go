// Command server runs the Crewdesk backend: the HTTP/WebSocket surface the
// dashboard talks to, and the session orchestrator behind it.
package main
