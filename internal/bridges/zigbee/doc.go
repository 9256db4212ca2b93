// Package zigbee reconciles zigbee2mqtt device telemetry into the state store.
//
// zigbee2mqtt publishes one JSON object per device on "<base>/<device>".
// The bridge resolves the device against the catalog, maps each payload
// property onto the slots it feeds, and writes the result.
//
// # Architecture
//
//	┌──────────────┐  MQTT   ┌──────────────┐        ┌─────────────┐
//	│ zigbee2mqtt  │────────►│    Bridge    │───────►│ State Store │
//	│              │◄────────│ (this pkg)   │◄───────│  (SQLite)   │
//	└──────────────┘   /set  └──────────────┘ change └─────────────┘
//
// # Deferral
//
// A message is never dropped because the system is not ready for it. An
// unknown device, a slot the store has not created yet, or a failed write
// copies the message into the RetryQueue. The bridge drains the queue on a
// ticker and whenever a new slot is created; failures during a drain are
// queued again for the next one.
//
// # Pulse Slots
//
// Slots marked as events (buttons, contact triggers) hold their value for
// the pulse timeout and then revert: booleans to their negation, other
// values to the slot's configured complement. A newer pulse on the same key
// replaces the pending revert.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package zigbee
