// Package eventbus fans events out to connected WebSocket clients and feeds
// their inbound messages to a single consumer. Each client has a bounded send
// queue; a client that falls behind is disconnected instead of stalling the
// broadcaster.
package eventbus
