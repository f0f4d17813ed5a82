// Package protocol defines the event catalogue exchanged with clients over the
// WebSocket channel. Every message is a JSON envelope {"event", "data"}; this
// package parses and validates inbound requests and builds outbound events.
package protocol
