package zigbee

import (
	"strings"
	"sync"
)

// DebugSet is a replaceable set of device IDs flagged for verbose logging.
type DebugSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewDebugSet creates a set holding ids.
func NewDebugSet(ids ...string) *DebugSet {
	d := &DebugSet{}
	d.Replace(ids)
	return d
}

// Contains reports whether id is flagged.
func (d *DebugSet) Contains(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[id]
	return ok
}

// Replace swaps the flagged IDs. Blank entries are ignored.
func (d *DebugSet) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			next[id] = struct{}{}
		}
	}
	d.mu.Lock()
	d.ids = next
	d.mu.Unlock()
}

// List returns the flagged IDs in no particular order.
func (d *DebugSet) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	return out
}

// ParseDebugList splits the comma-separated form stored in info.debugmessages.
func ParseDebugList(v any) []string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return strings.Split(s, ",")
}
