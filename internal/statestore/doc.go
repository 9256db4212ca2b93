// Package statestore is the bridge's backing key/value state store.
//
// Keys have the form "<namespace>.<slot id>". Values are stored as JSON in
// SQLite together with an ack flag: true for values reported by devices,
// false for commands written from outside (Command). The store also answers
// whether a slot has been created (materialised via EnsureObject), which is
// the precondition for the bridge to write it.
//
// Writes to keys matching a subscription pattern are reported through the
// OnChange callback; every persisted write goes to the optional
// HistoryRecorder.
package statestore
