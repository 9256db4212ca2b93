package mqtt

import (
	"fmt"
	"strings"
)

// BridgeSegment is the zigbee2mqtt sub-tree reserved for coordinator and
// bridge traffic ("<base>/bridge/..."). It is never a device ID.
const BridgeSegment = "bridge"

// Topics builds zigbee2mqtt-style topics under a configurable base topic.
//
//	topics := mqtt.NewTopics("zigbee2mqtt")
//	topics.DeviceSet("0x00124b0001")
//	// Returns: "zigbee2mqtt/0x00124b0001/set"
type Topics struct {
	base string
}

// NewTopics returns a topic builder rooted at base. Trailing slashes are trimmed.
func NewTopics(base string) Topics {
	return Topics{base: strings.TrimRight(base, "/")}
}

// Base returns the base topic.
func (t Topics) Base() string {
	return t.base
}

// AllDevices returns the subscription pattern for device state messages.
//
// Example: zigbee2mqtt/+
func (t Topics) AllDevices() string {
	return t.base + "/+"
}

// Device returns the state topic of one device or group.
//
// Example: zigbee2mqtt/kitchen_switch
func (t Topics) Device(id string) string {
	return fmt.Sprintf("%s/%s", t.base, id)
}

// DeviceSet returns the command topic of one device or group.
//
// Example: zigbee2mqtt/kitchen_switch/set
func (t Topics) DeviceSet(id string) string {
	return fmt.Sprintf("%s/%s/set", t.base, id)
}

// BridgeHealth returns the retained health topic for a bridge instance.
//
// Example: zigbee2mqtt/bridge/graylogic/zigbee-01/health
func (t Topics) BridgeHealth(bridgeID string) string {
	return fmt.Sprintf("%s/%s/graylogic/%s/health", t.base, BridgeSegment, bridgeID)
}

// BridgeStatus returns the retained online/offline (LWT) topic for a bridge instance.
//
// Example: zigbee2mqtt/bridge/graylogic/zigbee-01/status
func (t Topics) BridgeStatus(bridgeID string) string {
	return fmt.Sprintf("%s/%s/graylogic/%s/status", t.base, BridgeSegment, bridgeID)
}

// ParseDevice extracts the device ID from a device state topic.
//
// It returns false for topics outside the base, topics with more than one
// level below the base, and the reserved bridge segment.
func (t Topics) ParseDevice(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.base+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	if rest == BridgeSegment {
		return "", false
	}
	return rest, true
}
