package statestore

import "time"

// Object describes one materialised state slot.
type Object struct {
	Namespace string
	SlotID    string
	Name      string
	Type      string
	Role      string
	Unit      string
	Writable  bool
}

// Key returns "<namespace>.<slot id>".
func (o Object) Key() string {
	return o.Namespace + "." + o.SlotID
}

// State is the current value of a key.
type State struct {
	Value     any
	Ack       bool
	UpdatedAt time.Time
}

// Change is delivered to the OnChange callback for subscribed keys.
type Change struct {
	Key       string
	Value     any
	Ack       bool
	Timestamp time.Time
}

// HistoryRecorder receives every persisted write. influxdb.Client implements it.
type HistoryRecorder interface {
	RecordState(key string, value any, ack bool, ts time.Time)
}

// Recorders fans every write out to each recorder in order.
type Recorders []HistoryRecorder

// RecordState implements HistoryRecorder.
func (rs Recorders) RecordState(key string, value any, ack bool, ts time.Time) {
	for _, r := range rs {
		r.RecordState(key, value, ack, ts)
	}
}
