// Package api implements the Zigbee bridge's diagnostics HTTP server.
//
// This package provides:
//   - Prometheus exposition at /metrics
//   - Catalog and retry queue inspection
//   - State reads and commands (unacknowledged writes) for subscribed keys
//   - A WebSocket hub relaying every persisted state write
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server sits beside the bridge and never talks to MQTT itself. A PUT
// on a state key becomes a statestore Command; the store reports it to the
// bridge, which publishes the zigbee2mqtt set message. The server is also a
// statestore.HistoryRecorder, so every write (acked or not) reaches
// WebSocket clients subscribed to the "state.changed" channel.
//
// # Security
//
// There is no authentication. Bind the listener to loopback or a management
// network.
package api
