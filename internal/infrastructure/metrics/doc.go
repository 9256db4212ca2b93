// Package metrics exposes the Zigbee bridge's Prometheus collectors.
//
// Each Metrics value owns its own registry, so tests can build as many as
// they like. The diagnostics API mounts Handler at /metrics:
//
//	m := metrics.New()
//	r.Handle("/metrics", m.Handler())
package metrics
