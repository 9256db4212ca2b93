package zigbee

import "errors"

// Reasons a message is deferred to the retry queue. None of these are
// returned from HandleIncoming; they classify queue entries and log lines.
var (
	// ErrUnresolvedDevice means the topic matches no catalog device or group.
	ErrUnresolvedDevice = errors.New("zigbee: device not resolved")

	// ErrSlotNotCreated means the slot exists in the catalog but the store
	// has not materialised it yet.
	ErrSlotNotCreated = errors.New("zigbee: slot not created")

	// ErrWriteFailed means the store rejected a write or a transform failed.
	ErrWriteFailed = errors.New("zigbee: state write failed")
)

// ErrInvalidPayload is returned by DecodeMessage for payloads that are not
// a JSON object.
var ErrInvalidPayload = errors.New("zigbee: payload is not a JSON object")

// Reason labels a retry queue entry.
type Reason string

const (
	ReasonUnresolvedDevice Reason = "unresolved_device"
	ReasonSlotNotCreated   Reason = "slot_not_created"
	ReasonWriteFailed      Reason = "write_failed"
)

// Err returns the sentinel error for the reason.
func (r Reason) Err() error {
	switch r {
	case ReasonUnresolvedDevice:
		return ErrUnresolvedDevice
	case ReasonSlotNotCreated:
		return ErrSlotNotCreated
	default:
		return ErrWriteFailed
	}
}

// ErrNoComplement is reported when a non-boolean pulse has no configured
// complement and therefore cannot revert.
var ErrNoComplement = errors.New("zigbee: pulse value has no complement")
