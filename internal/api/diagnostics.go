package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
)

// CatalogResponse is the body of GET /catalog.
type CatalogResponse struct {
	Stats   CatalogStats    `json:"stats"`
	Devices []DeviceSummary `json:"devices"`
}

// CatalogStats mirrors catalog.Stats with JSON names.
type CatalogStats struct {
	Groups   int `json:"groups"`
	Devices  int `json:"devices"`
	Slots    int `json:"slots"`
	Writable int `json:"writable"`
	Events   int `json:"events"`
	Lua      int `json:"lua_transforms"`
}

// DeviceSummary describes one catalog entry.
type DeviceSummary struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Name      string        `json:"name,omitempty"`
	Namespace string        `json:"namespace"`
	Slots     []SlotSummary `json:"slots"`
}

// SlotSummary describes one slot.
type SlotSummary struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Prop      string `json:"prop"`
	Type      string `json:"type,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Write     bool   `json:"write"`
	Event     bool   `json:"event"`
	Transform string `json:"transform,omitempty"`
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Depth        int          `json:"depth"`
	LiveTimers   int          `json:"live_timers"`
	DebugDevices []string     `json:"debug_devices"`
	Entries      []QueueEntry `json:"entries"`
}

// QueueEntry is one deferred message.
type QueueEntry struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Reason     string         `json:"reason"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Payload    map[string]any `json:"payload"`
}

// handleCatalog lists groups then devices with their slots.
func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	st := s.catalog.Stats()
	resp := CatalogResponse{
		Stats: CatalogStats{
			Groups:   st.Groups,
			Devices:  st.Devices,
			Slots:    st.Slots,
			Writable: st.Writable,
			Events:   st.Events,
			Lua:      st.Lua,
		},
		Devices: []DeviceSummary{},
	}

	for _, d := range s.catalog.All() {
		resp.Devices = append(resp.Devices, summariseDevice(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func summariseDevice(d *catalog.Device) DeviceSummary {
	out := DeviceSummary{
		ID:        d.ID,
		Kind:      string(d.Kind),
		Name:      d.Name,
		Namespace: d.KeyPrefix(),
		Slots:     make([]SlotSummary, 0, len(d.Slots)),
	}
	for _, slot := range d.Slots {
		ss := SlotSummary{
			ID:    slot.ID,
			Key:   d.Key(slot.ID),
			Prop:  slot.SourceProp(),
			Type:  slot.Type,
			Unit:  slot.Unit,
			Write: slot.Write,
			Event: slot.IsEvent,
		}
		switch {
		case slot.TransformSpec == nil:
		case slot.TransformSpec.Lua != "":
			ss.Transform = "lua"
		default:
			ss.Transform = slot.TransformSpec.Name
		}
		out.Slots = append(out.Slots, ss)
	}
	return out
}

// handleQueue returns the retry queue in drain order.
func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	snap := s.bridge.Snapshot()

	resp := QueueResponse{
		Depth:        len(snap.Queue),
		LiveTimers:   snap.Stats.LiveTimers,
		DebugDevices: snap.DebugDevices,
		Entries:      make([]QueueEntry, 0, len(snap.Queue)),
	}
	if resp.DebugDevices == nil {
		resp.DebugDevices = []string{}
	}
	for _, e := range snap.Queue {
		resp.Entries = append(resp.Entries, QueueEntry{
			ID:         e.ID.String(),
			Topic:      e.Message.Topic,
			Reason:     string(e.Reason),
			EnqueuedAt: e.EnqueuedAt,
			Payload:    e.Message.Payload,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
