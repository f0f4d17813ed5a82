// Package metrics exposes Prometheus counters, gauges, and histograms for the
// capture queue, session lifecycle, gate decisions, inference latency, and
// the client event channel.
package metrics
