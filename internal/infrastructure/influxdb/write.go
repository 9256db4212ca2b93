package influxdb

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// stateMeasurement is the measurement every state change is recorded under.
const stateMeasurement = "zigbee_state"

// RecordState writes one state change to InfluxDB.
//
// The point is tagged with the full key, its namespace and slot parts, and
// the ack flag. Values are split across typed fields (value, value_bool,
// value_str) so a slot never mixes field types within a series.
//
// Non-blocking; a disconnected client drops the point silently.
func (c *Client) RecordState(key string, value any, ack bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statePoint(key, value, ack, ts))
}

// statePoint builds the point for one state change.
func statePoint(key string, value any, ack bool, ts time.Time) *write.Point {
	namespace, slot := splitKey(key)
	tags := map[string]string{
		"key":       key,
		"namespace": namespace,
		"slot":      slot,
		"ack":       strconv.FormatBool(ack),
	}
	return write.NewPoint(stateMeasurement, tags, stateFields(value), ts)
}

// splitKey splits "<namespace>.<slot>" at the last dot. Namespaces may
// contain dots, slot IDs may not.
func splitKey(key string) (string, string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// stateFields maps a JSON-shaped value to a typed field set.
func stateFields(value any) map[string]any {
	switch v := value.(type) {
	case bool:
		return map[string]any{"value_bool": v}
	case float64:
		return map[string]any{"value": v}
	case float32:
		return map[string]any{"value": float64(v)}
	case int:
		return map[string]any{"value": float64(v)}
	case int64:
		return map[string]any{"value": float64(v)}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return map[string]any{"value": f}
		}
		return map[string]any{"value_str": v.String()}
	case string:
		return map[string]any{"value_str": v}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{"value_str": ""}
		}
		return map[string]any{"value_str": string(data)}
	}
}
