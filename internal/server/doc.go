// Package server implements the event loop that executes client requests and
// the HTTP surface: the WebSocket endpoint, health and stats endpoints, and
// Prometheus metrics.
//
// Every inbound request is handled on the single event-loop goroutine, so
// session transitions and settings writes never run concurrently. Handlers do
// no inference; the session pipeline does that on its own workers.
package server
